package status_test

import (
	"errors"
	"testing"
	"time"

	"changeline/internal/domain"
	"changeline/internal/status"
)

var allowed = map[domain.Status][]domain.Status{
	domain.StatusDraft:     {domain.StatusTesting, domain.StatusReviewing, domain.StatusBlocked, domain.StatusReverted},
	domain.StatusTesting:   {domain.StatusDraft, domain.StatusReviewing, domain.StatusBlocked, domain.StatusReverted},
	domain.StatusReviewing: {domain.StatusDraft, domain.StatusTesting, domain.StatusMailed, domain.StatusBlocked, domain.StatusReverted},
	domain.StatusMailed:    {domain.StatusReady, domain.StatusReviewing, domain.StatusBlocked, domain.StatusReverted},
	domain.StatusReady:     {domain.StatusSubmitted, domain.StatusReviewing, domain.StatusBlocked, domain.StatusReverted},
	domain.StatusBlocked:   {domain.StatusDraft, domain.StatusTesting, domain.StatusReviewing, domain.StatusReverted},
	domain.StatusSubmitted: {},
	domain.StatusReverted:  {},
}

func TestTransitionTableAllPairs(t *testing.T) {
	for _, from := range domain.Statuses {
		want := map[domain.Status]bool{}
		for _, to := range allowed[from] {
			want[to] = true
		}
		for _, to := range domain.Statuses {
			if got := status.IsValidTransition(from, to); got != want[to] {
				t.Fatalf("%s -> %s: got %v, want %v", from, to, got, want[to])
			}
		}
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusSubmitted, domain.StatusReverted} {
		if next := status.AllowedNext(s); len(next) != 0 {
			t.Fatalf("%s: expected no exits, got %v", s, next)
		}
	}
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	spec := &domain.ChangeSpec{Name: "s", Status: domain.StatusDraft}
	log := &status.Log{}
	err := log.Transition(spec, domain.StatusSubmitted, "", false, time.Now())
	var ite *domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if spec.Status != domain.StatusDraft {
		t.Fatalf("status changed on rejected transition: %s", spec.Status)
	}
}

func TestForceBypassesValidation(t *testing.T) {
	spec := &domain.ChangeSpec{Name: "s", Status: domain.StatusDraft}
	log := &status.Log{}
	if err := log.Transition(spec, domain.StatusSubmitted, "operator override", true, time.Now()); err != nil {
		t.Fatalf("forced transition: %v", err)
	}
	if spec.Status != domain.StatusSubmitted {
		t.Fatalf("status = %s", spec.Status)
	}
}

func TestRollbackRestoresFirstFrom(t *testing.T) {
	spec := &domain.ChangeSpec{Name: "s", Status: domain.StatusDraft}
	other := &domain.ChangeSpec{Name: "o", Status: domain.StatusDraft}
	log := &status.Log{}
	now := time.Now()
	if err := log.Transition(spec, domain.StatusTesting, "", false, now); err != nil {
		t.Fatal(err)
	}
	if err := log.Transition(spec, domain.StatusReviewing, "", false, now); err != nil {
		t.Fatal(err)
	}
	if err := log.Transition(other, domain.StatusTesting, "", false, now); err != nil {
		t.Fatal(err)
	}
	log.Rollback(spec)
	if spec.Status != domain.StatusDraft {
		t.Fatalf("rollback left status %s", spec.Status)
	}
	// Other spec's entry survives.
	entries := log.Entries()
	if len(entries) != 1 || entries[0].Spec != "o" {
		t.Fatalf("unexpected log after rollback: %+v", entries)
	}
}
