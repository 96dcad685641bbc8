package history_test

import (
	"errors"
	"testing"

	"changeline/internal/domain"
	"changeline/internal/history"
)

func entry(num int, letter string) domain.HistoryEntry {
	return domain.HistoryEntry{Number: num, ProposalLetter: letter}
}

func ids(history []domain.HistoryEntry) []string {
	out := make([]string, len(history))
	for i, e := range history {
		out[i] = e.ID()
	}
	return out
}

func sameIDs(a []string, b ...string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAddProposedAllocatesLowestLetter(t *testing.T) {
	spec := &domain.ChangeSpec{Name: "s", Status: domain.StatusDraft, History: []domain.HistoryEntry{entry(1, "")}}
	e, err := history.AddProposed(spec, 1, "first", "", "/tmp/d1")
	if err != nil {
		t.Fatal(err)
	}
	if e.ID() != "1a" {
		t.Fatalf("first proposal id %q", e.ID())
	}
	e, err = history.AddProposed(spec, 1, "second", "", "/tmp/d2")
	if err != nil {
		t.Fatal(err)
	}
	if e.ID() != "1b" {
		t.Fatalf("second proposal id %q", e.ID())
	}
}

func TestAddProposedFillsLetterGap(t *testing.T) {
	spec := &domain.ChangeSpec{Name: "s", Status: domain.StatusDraft, History: []domain.HistoryEntry{
		entry(2, ""), entry(2, "a"), entry(2, "c"),
	}}
	e, err := history.AddProposed(spec, 2, "gap", "", "/tmp/d")
	if err != nil {
		t.Fatal(err)
	}
	if e.ID() != "2b" {
		t.Fatalf("expected 2b, got %q", e.ID())
	}
}

func TestAddProposedRequiresExistingBase(t *testing.T) {
	spec := &domain.ChangeSpec{Name: "s", Status: domain.StatusDraft, History: []domain.HistoryEntry{entry(1, "")}}
	_, err := history.AddProposed(spec, 7, "orphan", "", "/tmp/d")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRenumberSingleAccept(t *testing.T) {
	in := []domain.HistoryEntry{entry(1, ""), entry(1, "a")}
	out, err := history.Renumber(in, []string{"1a"})
	if err != nil {
		t.Fatal(err)
	}
	if !sameIDs(ids(out), "1", "2") {
		t.Fatalf("got %v", ids(out))
	}
}

func TestRenumberReattachesRemaining(t *testing.T) {
	// Accepting 2b from {2a, 2b, 2c} makes it entry 3; 2a and 2c become
	// proposals 3a and 3b, keeping their relative order.
	in := []domain.HistoryEntry{
		entry(1, ""), entry(2, ""),
		{Number: 2, ProposalLetter: "a", Note: "first"},
		{Number: 2, ProposalLetter: "b", Note: "winner"},
		{Number: 2, ProposalLetter: "c", Note: "third"},
	}
	out, err := history.Renumber(in, []string{"2b"})
	if err != nil {
		t.Fatal(err)
	}
	if !sameIDs(ids(out), "1", "2", "3", "3a", "3b") {
		t.Fatalf("got %v", ids(out))
	}
	byID := map[string]domain.HistoryEntry{}
	for _, e := range out {
		byID[e.ID()] = e
	}
	if byID["3"].Note != "winner" || byID["3a"].Note != "first" || byID["3b"].Note != "third" {
		t.Fatalf("notes out of order: %+v", out)
	}
}

func TestRenumberMultipleAcceptsInOrder(t *testing.T) {
	in := []domain.HistoryEntry{
		entry(1, ""),
		{Number: 1, ProposalLetter: "a", Note: "A"},
		{Number: 1, ProposalLetter: "b", Note: "B"},
	}
	out, err := history.Renumber(in, []string{"1b", "1a"})
	if err != nil {
		t.Fatal(err)
	}
	if !sameIDs(ids(out), "1", "2", "3") {
		t.Fatalf("got %v", ids(out))
	}
	byID := map[string]domain.HistoryEntry{}
	for _, e := range out {
		byID[e.ID()] = e
	}
	if byID["2"].Note != "B" || byID["3"].Note != "A" {
		t.Fatalf("acceptance order not preserved: %+v", out)
	}
}

func TestRenumberClearsSuffixOnAccepted(t *testing.T) {
	in := []domain.HistoryEntry{
		entry(1, ""),
		{Number: 1, ProposalLetter: "a", Suffix: "2026-01-01T00:00:00Z", SuffixType: domain.SuffixOutcome},
	}
	out, err := history.Renumber(in, []string{"1a"})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range out {
		if e.ID() == "2" && (e.Suffix != "" || e.SuffixType != domain.SuffixNone) {
			t.Fatalf("accepted entry kept suffix: %+v", e)
		}
	}
}

func TestRenumberRejectsUnknownAndAccepted(t *testing.T) {
	in := []domain.HistoryEntry{entry(1, ""), entry(1, "a")}
	if _, err := history.Renumber(in, []string{"9z"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown id: %v", err)
	}
	if _, err := history.Renumber(in, []string{"1"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("non-proposal id: %v", err)
	}
	if _, err := history.Renumber(in, []string{"1a", "1a"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("duplicate id: %v", err)
	}
	if _, err := history.Renumber(in, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty accept: %v", err)
	}
}

func TestNextAcceptedNumber(t *testing.T) {
	if n := history.NextAcceptedNumber(nil); n != 1 {
		t.Fatalf("empty history: %d", n)
	}
	// Proposals on base 2 still push the next accepted number past 2.
	h := []domain.HistoryEntry{entry(1, ""), entry(2, "a")}
	if n := history.NextAcceptedNumber(h); n != 3 {
		t.Fatalf("got %d, want 3", n)
	}
}
