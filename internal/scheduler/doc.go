// Package scheduler decides when to create build requests.
//
// # Overview
//
// A Scheduler is a named policy that watches the clock (and optionally the
// stream of ingested source changes) and submits buildsets to the build queue
// when its rule says so. Two kinds exist:
//
//   - nightly: cron-like calendar fields (minute, hour, day-of-month, month,
//     day-of-week) with optional only-if-changed gating.
//   - periodic: a fixed interval between builds.
//
// # Persistence and resume
//
// Everything a scheduler needs to survive a restart lives in one state-store
// record: the last fire time, the change-number high-water mark already
// classified, and the retained importance verdicts. A restarted scheduler
// resumes from that record without duplicating or dropping classifications.
//
// The two kinds deliberately differ when time passed while the process was
// down. A periodic scheduler that is overdue fires exactly once immediately
// and then resumes its cadence; it never fires once per missed interval. A
// nightly scheduler never back-fills at all: it realigns to the next calendar
// slot and missed slots are simply gone.
//
// # Ordering and failure
//
// Ticks of one scheduler are serialized. Within a tick, classification always
// completes before the fire decision reads the verdicts. Submission happens
// before state is persisted: a crash between the two can duplicate one
// buildset on restart (at-least-once, operator-visible). A failed submission
// persists nothing, so the next tick retries the same decision.
package scheduler
