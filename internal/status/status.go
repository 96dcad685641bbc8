// Package status validates ChangeSpec lifecycle transitions and keeps an
// in-process transition log so interrupted workflows can roll back.
package status

import (
	"time"

	"changeline/internal/domain"
)

// adjacency maps each status to its allowed next statuses. Terminal statuses
// have no outgoing edges.
var adjacency = map[domain.Status][]domain.Status{
	domain.StatusDraft:     {domain.StatusTesting, domain.StatusReviewing, domain.StatusBlocked, domain.StatusReverted},
	domain.StatusTesting:   {domain.StatusDraft, domain.StatusReviewing, domain.StatusBlocked, domain.StatusReverted},
	domain.StatusReviewing: {domain.StatusDraft, domain.StatusTesting, domain.StatusMailed, domain.StatusBlocked, domain.StatusReverted},
	domain.StatusMailed:    {domain.StatusReady, domain.StatusReviewing, domain.StatusBlocked, domain.StatusReverted},
	domain.StatusReady:     {domain.StatusSubmitted, domain.StatusReviewing, domain.StatusBlocked, domain.StatusReverted},
	domain.StatusBlocked:   {domain.StatusDraft, domain.StatusTesting, domain.StatusReviewing, domain.StatusReverted},
	domain.StatusSubmitted: {},
	domain.StatusReverted:  {},
}

// AllowedNext returns the statuses reachable from the given status.
func AllowedNext(from domain.Status) []domain.Status {
	next := adjacency[from]
	out := make([]domain.Status, len(next))
	copy(out, next)
	return out
}

// IsValidTransition reports whether from -> to is an edge of the adjacency
// map.
func IsValidTransition(from, to domain.Status) bool {
	for _, s := range adjacency[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LogEntry records one applied transition.
type LogEntry struct {
	Spec   string
	From   domain.Status
	To     domain.Status
	Reason string
	At     time.Time
}

// Log accumulates transitions applied during one workflow run. It is
// in-process state only; Rollback replays it in reverse after a
// cancellation.
type Log struct {
	entries []LogEntry
}

// Entries returns a copy of the logged transitions, oldest first.
func (l *Log) Entries() []LogEntry {
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Transition moves the spec to the target status. Invalid edges fail with
// InvalidTransitionError unless force is set (used for rollback). Every
// applied transition is appended to the log.
func (l *Log) Transition(spec *domain.ChangeSpec, to domain.Status, reason string, force bool, now time.Time) error {
	from := spec.Status
	if !force && !IsValidTransition(from, to) {
		return &domain.InvalidTransitionError{From: from, To: to}
	}
	spec.Status = to
	l.entries = append(l.entries, LogEntry{Spec: spec.Name, From: from, To: to, Reason: reason, At: now})
	return nil
}

// Rollback restores the spec to its status before the first logged
// transition for it, bypassing validation, and drops the spec's entries from
// the log.
func (l *Log) Rollback(spec *domain.ChangeSpec) {
	var kept []LogEntry
	restored := false
	for _, e := range l.entries {
		if e.Spec != spec.Name {
			kept = append(kept, e)
			continue
		}
		if !restored {
			spec.Status = e.From
			restored = true
		}
	}
	l.entries = kept
}
