package changes

import (
	"testing"
	"time"
)

func ch(n int64, branch string, files ...string) Change {
	return Change{Number: n, Branch: branch, When: time.Unix(1700000000+n, 0), Files: files}
}

func TestClassifyBranchFilter(t *testing.T) {
	t.Parallel()

	c := NewClassifier("main", nil)
	got := c.Classify([]Change{
		ch(1, "main", "a.go"),
		ch(2, "feature", "b.go"),
		ch(3, "main", "c.go"),
		ch(4, "", "d.go"),
	})

	if len(got) != 2 {
		t.Fatalf("classified %d changes, want 2", len(got))
	}
	for _, n := range []int64{1, 3} {
		if important, ok := got[n]; !ok || !important {
			t.Fatalf("change %d: got (%v,%v), want important", n, important, ok)
		}
	}
}

func TestClassifyTrunkBranch(t *testing.T) {
	t.Parallel()

	c := NewClassifier("", nil)
	got := c.Classify([]Change{ch(7, ""), ch(8, "main")})
	if _, ok := got[7]; !ok {
		t.Fatal("empty-branch change should match the trunk classifier")
	}
	if _, ok := got[8]; ok {
		t.Fatal("named-branch change should not match the trunk classifier")
	}
}

func TestClassifyWithJudge(t *testing.T) {
	t.Parallel()

	j, err := NewFileJudge([]string{"src/*.go"}, []string{"*.md"})
	if err != nil {
		t.Fatalf("NewFileJudge: %v", err)
	}
	c := NewClassifier("main", j)

	got := c.Classify([]Change{
		ch(1, "main", "src/core.go"),
		ch(2, "main", "README.md"),
		ch(3, "main", "docs/guide.md", "src/util.go"),
	})

	want := map[int64]bool{1: true, 2: false, 3: true}
	for n, imp := range want {
		if got[n] != imp {
			t.Fatalf("change %d: important = %v, want %v", n, got[n], imp)
		}
	}
}

func TestFileJudgeRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		important   []string
		unimportant []string
		files       []string
		want        bool
	}{
		{"no rules any file", nil, nil, []string{"whatever"}, true},
		{"no files", nil, nil, nil, false},
		{"unimportant filtered", nil, []string{"*.md"}, []string{"notes.md"}, false},
		{"mixed survives filter", nil, []string{"*.md"}, []string{"notes.md", "main.go"}, true},
		{"important must match", []string{"*.go"}, nil, []string{"Makefile"}, false},
		{"basename match", []string{"*.go"}, nil, []string{"deep/dir/main.go"}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			j, err := NewFileJudge(tt.important, tt.unimportant)
			if err != nil {
				t.Fatalf("NewFileJudge: %v", err)
			}
			if got := j.IsImportant(ch(1, "main", tt.files...)); got != tt.want {
				t.Fatalf("IsImportant = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewFileJudgeRejectsBadPattern(t *testing.T) {
	t.Parallel()
	if _, err := NewFileJudge([]string{"[unclosed"}, nil); err == nil {
		t.Fatal("expected error for malformed pattern")
	}
}

func TestNumbersAndAnyImportant(t *testing.T) {
	t.Parallel()

	m := map[int64]bool{5: true, 3: false, 6: false}
	got := Numbers(m)
	want := []int64{3, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("Numbers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Numbers = %v, want %v", got, want)
		}
	}
	if !AnyImportant(m) {
		t.Fatal("AnyImportant should be true")
	}
	if AnyImportant(map[int64]bool{1: false}) {
		t.Fatal("AnyImportant should be false")
	}
}
