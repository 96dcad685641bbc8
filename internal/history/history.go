// Package history implements accepted/proposed entry bookkeeping for a
// ChangeSpec: number allocation, proposal letters, and the renumbering that
// follows an acceptance. Renumber is a pure function over the full history
// and is applied inside a single atomic record rewrite.
package history

import (
	"fmt"
	"sort"

	"changeline/internal/domain"
)

// NextAcceptedNumber returns the number the next accepted entry gets: one
// past the highest base number present in the history.
func NextAcceptedNumber(history []domain.HistoryEntry) int {
	max := 0
	for _, e := range history {
		if e.Number > max {
			max = e.Number
		}
	}
	return max + 1
}

// NextProposalLetter returns the lowest unused proposal letter for a base
// number. Proposals past "z" on one base are a validation error.
func NextProposalLetter(history []domain.HistoryEntry, base int) (string, error) {
	used := map[string]bool{}
	for _, e := range history {
		if e.Number == base && e.Proposed() {
			used[e.ProposalLetter] = true
		}
	}
	for c := byte('a'); c <= 'z'; c++ {
		if !used[string(c)] {
			return string(c), nil
		}
	}
	return "", fmt.Errorf("base %d: proposal letters exhausted: %w", base, domain.ErrValidation)
}

// AddProposed appends a proposed entry under the given base number and
// returns it. The base must reference an existing entry number.
func AddProposed(spec *domain.ChangeSpec, base int, note, chatPath, diffPath string) (domain.HistoryEntry, error) {
	found := false
	for _, e := range spec.History {
		if e.Number == base {
			found = true
			break
		}
	}
	if !found {
		return domain.HistoryEntry{}, fmt.Errorf("base entry %d not found: %w", base, domain.ErrNotFound)
	}
	letter, err := NextProposalLetter(spec.History, base)
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	entry := domain.HistoryEntry{
		Number:         base,
		ProposalLetter: letter,
		Note:           note,
		ChatPath:       chatPath,
		DiffPath:       diffPath,
	}
	spec.History = append(spec.History, entry)
	Sort(spec.History)
	return entry, nil
}

// Sort orders history canonically: ascending base number, accepted entry
// first, then proposals by letter.
func Sort(history []domain.HistoryEntry) {
	sort.SliceStable(history, func(i, j int) bool {
		a, b := history[i], history[j]
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		return a.ProposalLetter < b.ProposalLetter
	})
}

// Renumber applies an ordered acceptance to the history and returns the
// rewritten history. Each accepted proposal becomes the next sequential
// accepted number, in the order given. Every remaining proposal keeps its
// relative order and is reattached to the highest accepted base with the
// lowest free letter, spilling to the next base past "z". Rejected proposals
// are never dropped.
func Renumber(history []domain.HistoryEntry, acceptedIDs []string) ([]domain.HistoryEntry, error) {
	if len(acceptedIDs) == 0 {
		return nil, fmt.Errorf("no proposals to accept: %w", domain.ErrValidation)
	}
	accepted := map[string]bool{}
	for _, id := range acceptedIDs {
		idx := -1
		for i, e := range history {
			if e.ID() == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("proposal %s: %w", id, domain.ErrNotFound)
		}
		if !history[idx].Proposed() {
			return nil, fmt.Errorf("entry %s is not a proposal: %w", id, domain.ErrValidation)
		}
		if accepted[id] {
			return nil, fmt.Errorf("proposal %s listed twice: %w", id, domain.ErrValidation)
		}
		accepted[id] = true
	}

	next := NextAcceptedNumber(history)
	var out []domain.HistoryEntry
	for _, e := range history {
		if !e.Proposed() {
			out = append(out, e)
		}
	}
	byID := map[string]domain.HistoryEntry{}
	for _, e := range history {
		if e.Proposed() {
			byID[e.ID()] = e
		}
	}
	for _, id := range acceptedIDs {
		e := byID[id]
		e.Number = next
		e.ProposalLetter = ""
		e.Suffix = ""
		e.SuffixType = domain.SuffixNone
		out = append(out, e)
		next++
	}

	base := next - 1
	letter := byte('a')
	for _, e := range history {
		if !e.Proposed() || accepted[e.ID()] {
			continue
		}
		if letter > 'z' {
			base++
			letter = 'a'
		}
		e.Number = base
		e.ProposalLetter = string(letter)
		letter++
		out = append(out, e)
	}
	Sort(out)
	return out, nil
}
