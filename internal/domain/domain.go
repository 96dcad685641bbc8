package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the lifecycle state of a ChangeSpec.
type Status string

const (
	StatusDraft     Status = "Draft"
	StatusTesting   Status = "Testing"
	StatusReviewing Status = "Reviewing"
	StatusMailed    Status = "Mailed"
	StatusReady     Status = "Ready"
	StatusSubmitted Status = "Submitted"
	StatusReverted  Status = "Reverted"
	StatusBlocked   Status = "Blocked"
)

// Statuses lists every valid status, in pipeline order.
var Statuses = []Status{
	StatusDraft, StatusTesting, StatusReviewing, StatusMailed,
	StatusReady, StatusSubmitted, StatusReverted, StatusBlocked,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusSubmitted || s == StatusReverted
}

// SuffixType classifies the suffix attached to history entries, hook status
// lines, and comments. Display formatting is a projection of (type, text),
// never re-parsed state.
type SuffixType string

const (
	SuffixNone         SuffixType = ""
	SuffixError        SuffixType = "error"
	SuffixAcknowledged SuffixType = "acknowledged"
	SuffixRunning      SuffixType = "running"
	SuffixOutcome      SuffixType = "outcome"
	SuffixZombie       SuffixType = "zombie"
)

// Valid reports whether t is a known suffix type.
func (t SuffixType) Valid() bool {
	switch t {
	case SuffixNone, SuffixError, SuffixAcknowledged, SuffixRunning, SuffixOutcome, SuffixZombie:
		return true
	}
	return false
}

// Terminal reports whether a suffix of this type must never be rewritten by
// the zombie sweep.
func (t SuffixType) Terminal() bool {
	return t == SuffixOutcome || t == SuffixError || t == SuffixAcknowledged
}

// HookState is the recorded outcome of one hook run against one history entry.
type HookState string

const (
	HookRunning HookState = "RUNNING"
	HookPassed  HookState = "PASSED"
	HookFailed  HookState = "FAILED"
	HookZombie  HookState = "ZOMBIE"
	HookDead    HookState = "DEAD"
	HookKilled  HookState = "KILLED"
)

// Valid reports whether s is a known hook state.
func (s HookState) Valid() bool {
	switch s {
	case HookRunning, HookPassed, HookFailed, HookZombie, HookDead, HookKilled:
		return true
	}
	return false
}

// HistoryEntry is one logical commit or amendment recorded against a
// ChangeSpec. Accepted entries carry only a number; proposed entries share a
// base number and are distinguished by a single letter a-z.
type HistoryEntry struct {
	Number         int        `json:"number" yaml:"number"`
	ProposalLetter string     `json:"proposal_letter,omitempty" yaml:"proposal_letter,omitempty"`
	Note           string     `json:"note" yaml:"note"`
	ChatPath       string     `json:"chat_path,omitempty" yaml:"chat_path,omitempty"`
	DiffPath       string     `json:"diff_path,omitempty" yaml:"diff_path,omitempty"`
	Suffix         string     `json:"suffix,omitempty" yaml:"suffix,omitempty"`
	SuffixType     SuffixType `json:"suffix_type,omitempty" yaml:"suffix_type,omitempty"`
}

// ID renders the entry identifier, e.g. "3" or "3a".
func (e HistoryEntry) ID() string {
	return fmt.Sprintf("%d%s", e.Number, e.ProposalLetter)
}

// Proposed reports whether the entry is a not-yet-accepted proposal.
func (e HistoryEntry) Proposed() bool { return e.ProposalLetter != "" }

// ParseEntryID splits an entry id like "3" or "3a" into base number and
// proposal letter.
func ParseEntryID(id string) (int, string, error) {
	i := 0
	for i < len(id) && id[i] >= '0' && id[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, "", fmt.Errorf("entry id %q: missing number: %w", id, ErrValidation)
	}
	num, err := strconv.Atoi(id[:i])
	if err != nil {
		return 0, "", fmt.Errorf("entry id %q: number out of range: %w", id, ErrValidation)
	}
	letter := id[i:]
	if letter != "" && (len(letter) != 1 || letter[0] < 'a' || letter[0] > 'z') {
		return 0, "", fmt.Errorf("entry id %q: proposal letter must be a-z: %w", id, ErrValidation)
	}
	return num, letter, nil
}

// HookStatusLine records one run of a hook against one history entry.
// Timestamps are RFC3339 strings and durations time.ParseDuration strings so
// the record round-trips byte for byte.
type HookStatusLine struct {
	EntryID    string     `json:"entry_id" yaml:"entry_id"`
	At         string     `json:"at" yaml:"at"`
	State      HookState  `json:"state" yaml:"state"`
	Duration   string     `json:"duration,omitempty" yaml:"duration,omitempty"`
	Suffix     string     `json:"suffix,omitempty" yaml:"suffix,omitempty"`
	SuffixType SuffixType `json:"suffix_type,omitempty" yaml:"suffix_type,omitempty"`
}

// Hook command modifier prefixes.
const (
	ModifierNoRepair     = "!" // never auto-repair on failure
	ModifierRunsProposed = "?" // also runs against proposed entries
)

// HookEntry is a repeatable command bound to a ChangeSpec. The raw command may
// carry modifier prefixes; Command() strips them.
type HookEntry struct {
	RawCommand string           `json:"command" yaml:"command"`
	Lines      []HookStatusLine `json:"lines,omitempty" yaml:"lines,omitempty"`
}

// Modifiers returns the hook's behaviour flags parsed from the raw command.
func (h HookEntry) Modifiers() (noRepair, runsProposed bool) {
	rest := h.RawCommand
	for {
		switch {
		case strings.HasPrefix(rest, ModifierNoRepair):
			noRepair = true
			rest = strings.TrimLeft(rest[1:], " ")
		case strings.HasPrefix(rest, ModifierRunsProposed):
			runsProposed = true
			rest = strings.TrimLeft(rest[1:], " ")
		default:
			return noRepair, runsProposed
		}
	}
}

// Command returns the executable command with modifier prefixes stripped.
func (h HookEntry) Command() string {
	rest := h.RawCommand
	for strings.HasPrefix(rest, ModifierNoRepair) || strings.HasPrefix(rest, ModifierRunsProposed) {
		rest = strings.TrimLeft(rest[1:], " ")
	}
	return rest
}

// Line returns the index of the status line for a history entry id.
func (h HookEntry) Line(entryID string) (int, bool) {
	for i, l := range h.Lines {
		if l.EntryID == entryID {
			return i, true
		}
	}
	return -1, false
}

// CommentEntry references an external review comment artifact.
type CommentEntry struct {
	Reviewer   string     `json:"reviewer" yaml:"reviewer"`
	Path       string     `json:"path" yaml:"path"`
	Suffix     string     `json:"suffix,omitempty" yaml:"suffix,omitempty"`
	SuffixType SuffixType `json:"suffix_type,omitempty" yaml:"suffix_type,omitempty"`
}

// ChangeSpec is one tracked unit of change.
type ChangeSpec struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Parent      string         `json:"parent,omitempty" yaml:"parent,omitempty"`
	CLRef       string         `json:"cl_reference,omitempty" yaml:"cl_reference,omitempty"`
	Status      Status         `json:"status" yaml:"status"`
	TestTargets []string       `json:"test_targets,omitempty" yaml:"test_targets,omitempty"`
	History     []HistoryEntry `json:"history,omitempty" yaml:"history,omitempty"`
	Hooks       []HookEntry    `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	Comments    []CommentEntry `json:"comments,omitempty" yaml:"comments,omitempty"`
}

// Entry returns the history entry with the given id, if present.
func (s *ChangeSpec) Entry(id string) (*HistoryEntry, bool) {
	for i := range s.History {
		if s.History[i].ID() == id {
			return &s.History[i], true
		}
	}
	return nil, false
}

// Project is one persisted record: an ordered list of ChangeSpecs.
type Project struct {
	Name  string        `json:"name" yaml:"name"`
	Specs []*ChangeSpec `json:"specs" yaml:"specs"`
}

// Spec returns the ChangeSpec with the given name, if present.
func (p *Project) Spec(name string) (*ChangeSpec, bool) {
	for _, s := range p.Specs {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// ValidateParents checks that parent references resolve within the project
// and form a forest. A missing or cyclic parent is a validation error.
func (p *Project) ValidateParents() error {
	byName := make(map[string]*ChangeSpec, len(p.Specs))
	for _, s := range p.Specs {
		byName[s.Name] = s
	}
	for _, s := range p.Specs {
		seen := map[string]bool{s.Name: true}
		cur := s.Parent
		for cur != "" {
			parent, ok := byName[cur]
			if !ok {
				return fmt.Errorf("spec %s: parent %s not found: %w", s.Name, cur, ErrValidation)
			}
			if seen[cur] {
				return fmt.Errorf("spec %s: parent chain contains a cycle at %s: %w", s.Name, cur, ErrValidation)
			}
			seen[cur] = true
			cur = parent.Parent
		}
	}
	return nil
}

// Validate checks the enum vocabulary and the parent structure before a
// record is encoded. It mirrors the decode-side checks: a mutation that
// passes Validate can never write a record the decoder rejects.
func (p *Project) Validate() error {
	if err := p.ValidateParents(); err != nil {
		return err
	}
	for _, s := range p.Specs {
		if !s.Status.Valid() {
			return fmt.Errorf("spec %s: unknown status %q: %w", s.Name, s.Status, ErrValidation)
		}
		for _, e := range s.History {
			if !e.SuffixType.Valid() {
				return fmt.Errorf("spec %s: entry %s: unknown suffix type %q: %w", s.Name, e.ID(), e.SuffixType, ErrValidation)
			}
		}
		for hi, h := range s.Hooks {
			for _, l := range h.Lines {
				if !l.State.Valid() {
					return fmt.Errorf("spec %s: hook %d run %s: unknown hook state %q: %w", s.Name, hi, l.EntryID, l.State, ErrValidation)
				}
				if !l.SuffixType.Valid() {
					return fmt.Errorf("spec %s: hook %d run %s: unknown suffix type %q: %w", s.Name, hi, l.EntryID, l.SuffixType, ErrValidation)
				}
			}
		}
		for _, c := range s.Comments {
			if !c.SuffixType.Valid() {
				return fmt.Errorf("spec %s: comment %s: unknown suffix type %q: %w", s.Name, c.Path, c.SuffixType, ErrValidation)
			}
		}
	}
	return nil
}

// WorkspaceClaim is the persisted ownership marker for one workspace
// directory. AcquiredAt is RFC3339.
type WorkspaceClaim struct {
	Workspace  int    `json:"workspace" yaml:"workspace"`
	PID        int    `json:"pid" yaml:"pid"`
	Tag        string `json:"tag" yaml:"tag"`
	Target     string `json:"target,omitempty" yaml:"target,omitempty"`
	Token      string `json:"token" yaml:"token"`
	AcquiredAt string `json:"acquired_at" yaml:"acquired_at"`
}
