package changes

import "sort"

// Classifier tags newly arrived changes as important or unimportant for one
// scheduler instance. It replaces the old mixin-style classification helper
// with a plain value the scheduler core composes.
//
// A Classifier is pure: callers feed it the changes above their persisted
// high-water mark and merge the verdicts into their state record themselves,
// so classification and state commit stay in one transaction.
type Classifier struct {
	branch string
	judge  Judge
}

// NewClassifier builds a classifier for the given branch. An empty branch
// means the default branch (trunk); changes carrying an empty branch match it.
// A nil judge treats every on-branch change as important.
func NewClassifier(branch string, judge Judge) *Classifier {
	if judge == nil {
		judge = Always
	}
	return &Classifier{branch: branch, judge: judge}
}

// OnBranch reports whether the change belongs to this scheduler's branch.
func (c *Classifier) OnBranch(ch Change) bool { return ch.Branch == c.branch }

// Classify returns verdicts for the on-branch subset of chs, keyed by change
// number. Off-branch changes are dropped entirely: they are neither recorded
// nor submitted later.
func (c *Classifier) Classify(chs []Change) map[int64]bool {
	out := make(map[int64]bool)
	for _, ch := range chs {
		if !c.OnBranch(ch) {
			continue
		}
		out[ch.Number] = c.judge.IsImportant(ch)
	}
	return out
}

// Numbers returns the sorted change numbers of a classification map. The
// buildset for a fire lists every retained on-branch change, important or not.
func Numbers(m map[int64]bool) []int64 {
	out := make([]int64, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AnyImportant reports whether at least one verdict in m is important.
func AnyImportant(m map[int64]bool) bool {
	for _, important := range m {
		if important {
			return true
		}
	}
	return false
}
