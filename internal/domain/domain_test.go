package domain_test

import (
	"errors"
	"testing"

	"changeline/internal/domain"
)

func TestParseEntryID(t *testing.T) {
	cases := []struct {
		id      string
		num     int
		letter  string
		wantErr bool
	}{
		{"3", 3, "", false},
		{"3a", 3, "a", false},
		{"12z", 12, "z", false},
		{"a", 0, "", true},
		{"", 0, "", true},
		{"3A", 0, "", true},
		{"3ab", 0, "", true},
		{"99999999999999999999999", 0, "", true},
	}
	for _, c := range cases {
		num, letter, err := domain.ParseEntryID(c.id)
		if c.wantErr {
			if err == nil {
				t.Fatalf("ParseEntryID(%q): expected error", c.id)
			}
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("ParseEntryID(%q): expected validation error, got %v", c.id, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseEntryID(%q): %v", c.id, err)
		}
		if num != c.num || letter != c.letter {
			t.Fatalf("ParseEntryID(%q) = (%d,%q), want (%d,%q)", c.id, num, letter, c.num, c.letter)
		}
	}
}

func TestEntryIDRoundTrip(t *testing.T) {
	e := domain.HistoryEntry{Number: 4, ProposalLetter: "b"}
	if e.ID() != "4b" {
		t.Fatalf("ID() = %q", e.ID())
	}
	if !e.Proposed() {
		t.Fatalf("expected proposed")
	}
	accepted := domain.HistoryEntry{Number: 4}
	if accepted.ID() != "4" || accepted.Proposed() {
		t.Fatalf("accepted entry id %q proposed %v", accepted.ID(), accepted.Proposed())
	}
}

func TestHookModifiers(t *testing.T) {
	cases := []struct {
		raw          string
		noRepair     bool
		runsProposed bool
		command      string
	}{
		{"make test", false, false, "make test"},
		{"!make lint", true, false, "make lint"},
		{"?make test", false, true, "make test"},
		{"!? make all", true, true, "make all"},
		{"?! make all", true, true, "make all"},
	}
	for _, c := range cases {
		h := domain.HookEntry{RawCommand: c.raw}
		noRepair, runsProposed := h.Modifiers()
		if noRepair != c.noRepair || runsProposed != c.runsProposed {
			t.Fatalf("Modifiers(%q) = (%v,%v), want (%v,%v)", c.raw, noRepair, runsProposed, c.noRepair, c.runsProposed)
		}
		if h.Command() != c.command {
			t.Fatalf("Command(%q) = %q, want %q", c.raw, h.Command(), c.command)
		}
	}
}

func TestValidateParents(t *testing.T) {
	p := &domain.Project{Name: "demo", Specs: []*domain.ChangeSpec{
		{Name: "base", Status: domain.StatusDraft},
		{Name: "child", Parent: "base", Status: domain.StatusDraft},
	}}
	if err := p.ValidateParents(); err != nil {
		t.Fatalf("valid chain: %v", err)
	}

	missing := &domain.Project{Name: "demo", Specs: []*domain.ChangeSpec{
		{Name: "child", Parent: "ghost", Status: domain.StatusDraft},
	}}
	if err := missing.ValidateParents(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("missing parent: %v", err)
	}

	cyclic := &domain.Project{Name: "demo", Specs: []*domain.ChangeSpec{
		{Name: "a", Parent: "b", Status: domain.StatusDraft},
		{Name: "b", Parent: "a", Status: domain.StatusDraft},
	}}
	if err := cyclic.ValidateParents(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("cycle: %v", err)
	}
}

func TestProjectValidateRejectsUnknownVocabulary(t *testing.T) {
	p := &domain.Project{Name: "demo", Specs: []*domain.ChangeSpec{
		{Name: "auth", Status: domain.StatusTesting},
	}}
	if err := p.Validate(); err != nil {
		t.Fatalf("valid project: %v", err)
	}

	p.Specs[0].Status = "Shipped"
	if err := p.Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unknown status: %v", err)
	}
	p.Specs[0].Status = domain.StatusTesting

	p.Specs[0].Hooks = []domain.HookEntry{{
		RawCommand: "make test",
		Lines:      []domain.HookStatusLine{{EntryID: "1"}},
	}}
	if err := p.Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("blank hook state: %v", err)
	}
	p.Specs[0].Hooks[0].Lines[0].State = domain.HookPassed

	p.Specs[0].Comments = []domain.CommentEntry{{Path: "/tmp/c.md", SuffixType: "shrug"}}
	if err := p.Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unknown comment suffix type: %v", err)
	}
}

func TestInvalidTransitionErrorIsValidation(t *testing.T) {
	err := &domain.InvalidTransitionError{From: domain.StatusDraft, To: domain.StatusSubmitted}
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected errors.Is match on ErrValidation")
	}
}

func TestRetryable(t *testing.T) {
	if !domain.Retryable(domain.ErrLockHeld) || !domain.Retryable(domain.ErrClaimLost) {
		t.Fatalf("lock and claim errors must be retryable")
	}
	if domain.Retryable(domain.ErrValidation) || domain.Retryable(domain.ErrNoCapacity) {
		t.Fatalf("validation and capacity errors must not be retryable")
	}
}
