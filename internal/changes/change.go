// Package changes defines the source-change model and the per-scheduler
// importance classification used by change-aware timed schedulers.
package changes

import "time"

// Change is a single commit reported by an upstream change source.
//
// Changes are read-only once ingested: schedulers reference them by Number and
// never mutate them.
type Change struct {
	Number   int64     `json:"number"`
	Branch   string    `json:"branch"`
	Author   string    `json:"author,omitempty"`
	Comments string    `json:"comments,omitempty"`
	When     time.Time `json:"when"`
	Files    []string  `json:"files,omitempty"`
}

// Judge decides whether a change should gate an only-if-changed build.
//
// Implementations must be safe for concurrent use; a single Judge may be
// shared by several scheduler instances.
type Judge interface {
	IsImportant(c Change) bool
}

// JudgeFunc adapts a plain function to the Judge interface.
type JudgeFunc func(c Change) bool

func (f JudgeFunc) IsImportant(c Change) bool { return f(c) }

// Always treats every change as important. It is the default judge for
// only-if-changed schedulers without file rules.
var Always Judge = JudgeFunc(func(Change) bool { return true })
