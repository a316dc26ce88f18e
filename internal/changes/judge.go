package changes

import (
	"fmt"
	"path"
	"strings"
)

// FileJudge classifies a change by matching its touched files against shell
// patterns (path.Match syntax, matched against the full relative path and the
// basename).
//
// Rules, in order:
//  1. A file matching any Unimportant pattern is ignored.
//  2. A remaining file matching any Important pattern makes the change
//     important. With no Important patterns, any remaining file does.
//  3. A change whose files were all filtered out is unimportant. So is a
//     change that reports no files at all.
type FileJudge struct {
	important   []string
	unimportant []string
}

// NewFileJudge validates the patterns up front so malformed globs fail at
// configuration time, not per change.
func NewFileJudge(important, unimportant []string) (*FileJudge, error) {
	for _, p := range append(append([]string(nil), important...), unimportant...) {
		if _, err := path.Match(p, "probe"); err != nil {
			return nil, fmt.Errorf("changes: invalid file pattern %q: %w", p, err)
		}
	}
	return &FileJudge{
		important:   append([]string(nil), important...),
		unimportant: append([]string(nil), unimportant...),
	}, nil
}

func (j *FileJudge) IsImportant(c Change) bool {
	for _, f := range c.Files {
		f = strings.TrimPrefix(f, "./")
		if matchAny(j.unimportant, f) {
			continue
		}
		if len(j.important) == 0 || matchAny(j.important, f) {
			return true
		}
	}
	return false
}

func matchAny(patterns []string, file string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, file); ok {
			return true
		}
		if ok, _ := path.Match(p, path.Base(file)); ok {
			return true
		}
	}
	return false
}
