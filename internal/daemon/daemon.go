// Package daemon is the top-level orchestrator: a single-process,
// cooperative polling loop over every ChangeSpec in every tracked project
// record. A fast cadence drives the scheduler; a slow cadence re-derives
// externally sourced facts (review comments, automatic readiness). A failure
// on one record never blocks progress on the others.
package daemon

import (
	"context"
	"errors"
	"log"
	"time"

	"changeline/internal/domain"
	"changeline/internal/events"
	"changeline/internal/record"
	"changeline/internal/sched"
	"changeline/internal/status"
)

// CommentSource is the external review-comment collaborator. A nil source
// disables comment reconciliation.
type CommentSource interface {
	// Comments returns the current comment set for a spec. The daemon
	// materializes new entries and retires ones the source no longer
	// reports, preserving acknowledged ones.
	Comments(ctx context.Context, project, spec string) ([]domain.CommentEntry, error)
}

// Daemon composes the engine components on two polling cadences.
type Daemon struct {
	Store    *record.Store
	Sched    *sched.Scheduler
	Comments CommentSource
	Journal  *events.Writer

	FastInterval time.Duration
	SlowInterval time.Duration

	Now    func() time.Time
	Logger *log.Logger
}

func (d *Daemon) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Daemon) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

// Run loops until the context is cancelled. Ticks are strictly non-blocking
// with respect to child processes: latency is bounded by record count, not
// by in-flight work.
func (d *Daemon) Run(ctx context.Context) error {
	fast := time.NewTicker(d.FastInterval)
	defer fast.Stop()
	slow := time.NewTicker(d.SlowInterval)
	defer slow.Stop()

	d.logger().Printf("daemon started (fast %s, slow %s)", d.FastInterval, d.SlowInterval)
	// One slow pass at startup so derived facts do not wait five minutes.
	d.SlowTick(ctx)
	d.FastTick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger().Printf("daemon stopping")
			return nil
		case <-fast.C:
			d.FastTick(ctx)
		case <-slow.C:
			d.SlowTick(ctx)
		}
	}
}

// FastTick runs one scheduler pass over every project: sweep zombies, poll
// in-flight runs, start stale entries. Log-and-continue per record.
func (d *Daemon) FastTick(ctx context.Context) {
	projects, err := d.Store.List()
	if err != nil {
		d.logger().Printf("list projects: %v", err)
		return
	}
	for _, project := range projects {
		if err := d.fastTickProject(ctx, project); err != nil {
			var corrupt *domain.CorruptRecordError
			if errors.As(err, &corrupt) {
				d.logger().Printf("skipping corrupt record: %v", corrupt)
				d.Journal.Append(ctx, "record.corrupt", project, "", "daemon", events.EventPayload{"error": corrupt.Error()})
				continue
			}
			d.logger().Printf("fast tick %s: %v", project, err)
		}
	}
}

func (d *Daemon) fastTickProject(ctx context.Context, project string) error {
	p, err := d.Store.Load(project)
	if err != nil {
		return err
	}

	// Zombie sweep first so a stuck run frees its slot for this tick's
	// stale scan.
	swept := 0
	for _, spec := range p.Specs {
		swept += d.Sched.SweepZombies(spec)
	}
	if swept > 0 {
		if err := d.Store.Update(ctx, project, func(cur *domain.Project) error {
			for _, spec := range cur.Specs {
				d.Sched.SweepZombies(spec)
			}
			return nil
		}); err != nil {
			return err
		}
		d.Journal.Append(ctx, "run.zombie", project, "", "daemon", events.EventPayload{"swept": swept})
		if p, err = d.Store.Load(project); err != nil {
			return err
		}
	}

	for _, spec := range p.Specs {
		if err := d.Sched.Poll(ctx, project, spec); err != nil {
			d.logger().Printf("poll %s/%s: %v", project, spec.Name, err)
		}
	}

	// Re-read: poll may have rewritten suffixes and histories.
	p, err = d.Store.Load(project)
	if err != nil {
		return err
	}
	for _, spec := range p.Specs {
		for _, run := range d.Sched.StaleEntries(spec) {
			_, err := d.Sched.Start(ctx, project, spec, run)
			if err != nil {
				if errors.Is(err, domain.ErrNoCapacity) {
					// Non-fatal; retried next tick.
					return nil
				}
				d.logger().Printf("start run on %s/%s: %v", project, spec.Name, err)
			}
		}
	}
	return nil
}

// SlowTick re-derives externally sourced facts: review comments and
// automatic status transitions.
func (d *Daemon) SlowTick(ctx context.Context) {
	projects, err := d.Store.List()
	if err != nil {
		d.logger().Printf("list projects: %v", err)
		return
	}
	for _, project := range projects {
		if err := d.slowTickProject(ctx, project); err != nil {
			var corrupt *domain.CorruptRecordError
			if errors.As(err, &corrupt) {
				d.logger().Printf("skipping corrupt record: %v", corrupt)
				continue
			}
			d.logger().Printf("slow tick %s: %v", project, err)
		}
	}
}

func (d *Daemon) slowTickProject(ctx context.Context, project string) error {
	p, err := d.Store.Load(project)
	if err != nil {
		return err
	}

	if d.Comments != nil {
		// Collect outside the record lock; external polling must not
		// extend the lock hold time.
		fetched := map[string][]domain.CommentEntry{}
		for _, spec := range p.Specs {
			if spec.Status.Terminal() {
				continue
			}
			comments, err := d.Comments.Comments(ctx, project, spec.Name)
			if err != nil {
				d.logger().Printf("comment source %s/%s: %v", project, spec.Name, err)
				continue
			}
			fetched[spec.Name] = comments
		}
		if len(fetched) > 0 {
			if err := d.Store.Update(ctx, project, func(cur *domain.Project) error {
				for name, comments := range fetched {
					if spec, ok := cur.Spec(name); ok {
						reconcileComments(spec, comments)
					}
				}
				return nil
			}); err != nil {
				return err
			}
		}
	}

	return d.Store.Update(ctx, project, func(cur *domain.Project) error {
		log := &status.Log{}
		for _, spec := range cur.Specs {
			if spec.Status != domain.StatusMailed {
				continue
			}
			if !parentChainReady(cur, spec) || hasAttentionMarkers(spec) {
				continue
			}
			if err := log.Transition(spec, domain.StatusReady, "all checks green, parent chain ready", false, d.now()); err != nil {
				d.logger().Printf("auto-ready %s/%s: %v", cur.Name, spec.Name, err)
				continue
			}
			d.Journal.Append(ctx, "status.auto", cur.Name, spec.Name, "daemon", events.EventPayload{
				"to": string(domain.StatusReady),
			})
		}
		return nil
	})
}

// reconcileComments materializes comments the source reports and retires
// ones it no longer does. Acknowledged entries are kept: an operator's
// acknowledgement outlives the upstream comment.
func reconcileComments(spec *domain.ChangeSpec, current []domain.CommentEntry) {
	byPath := map[string]domain.CommentEntry{}
	for _, c := range current {
		byPath[c.Path] = c
	}
	var kept []domain.CommentEntry
	for _, c := range spec.Comments {
		if _, still := byPath[c.Path]; still || c.SuffixType == domain.SuffixAcknowledged {
			kept = append(kept, c)
			delete(byPath, c.Path)
		}
	}
	for _, c := range current {
		if _, pending := byPath[c.Path]; pending {
			kept = append(kept, c)
		}
	}
	spec.Comments = kept
}

// parentChainReady reports whether every ancestor is Ready or Submitted.
func parentChainReady(p *domain.Project, spec *domain.ChangeSpec) bool {
	cur := spec.Parent
	for cur != "" {
		parent, ok := p.Spec(cur)
		if !ok {
			return false
		}
		if parent.Status != domain.StatusReady && parent.Status != domain.StatusSubmitted {
			return false
		}
		cur = parent.Parent
	}
	return true
}

// hasAttentionMarkers reports whether anything in the record still needs an
// operator or a workflow: error suffixes, running or zombie work, failed
// hooks, or unacknowledged comments.
func hasAttentionMarkers(spec *domain.ChangeSpec) bool {
	for _, e := range spec.History {
		if e.Proposed() {
			return true
		}
		if e.SuffixType == domain.SuffixError || e.SuffixType == domain.SuffixRunning || e.SuffixType == domain.SuffixZombie {
			return true
		}
	}
	for _, h := range spec.Hooks {
		for _, l := range h.Lines {
			switch l.State {
			case domain.HookFailed, domain.HookRunning, domain.HookZombie, domain.HookDead:
				return true
			}
			if l.SuffixType == domain.SuffixError || l.SuffixType == domain.SuffixRunning {
				return true
			}
		}
	}
	for _, c := range spec.Comments {
		switch c.SuffixType {
		case domain.SuffixError, domain.SuffixRunning, domain.SuffixZombie, domain.SuffixNone:
			// An empty suffix is a comment nothing has triaged yet.
			return true
		}
	}
	return false
}
