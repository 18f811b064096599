// ABOUTME: Background sweeper that abandons idle waiting and active conversations
// ABOUTME: Per-row races and failures are logged and skipped; the pass always completes

package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/desk-gateway/internal/lifecycle"
	"github.com/2389/desk-gateway/internal/metrics"
	"github.com/2389/desk-gateway/internal/store"
)

// AbandonedComment is written on the artifact of every reaped conversation.
const AbandonedComment = "abandoned"

// Policy holds the sweeper's tunables.
type Policy struct {
	Interval     time.Duration // time between passes
	WaitingAfter time.Duration // idle time before a waiting conversation is abandoned
	ActiveAfter  time.Duration // idle time before an active conversation is abandoned
	WarnAfter    time.Duration // idle time per inactivity nudge; zero disables nudges
	MaxWarnings  int
	BatchSize    int // candidates per status per pass
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		Interval:     60 * time.Second,
		WaitingAfter: 3 * time.Minute,
		ActiveAfter:  30 * time.Minute,
		BatchSize:    200,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Interval <= 0 {
		p.Interval = d.Interval
	}
	if p.WaitingAfter <= 0 {
		p.WaitingAfter = d.WaitingAfter
	}
	if p.ActiveAfter <= 0 {
		p.ActiveAfter = d.ActiveAfter
	}
	if p.BatchSize <= 0 {
		p.BatchSize = d.BatchSize
	}
	return p
}

// Report summarizes one pass.
type Report struct {
	Scanned   int
	Abandoned int
	Conflicts int
	Failures  int
	Warned    int
}

// Store is the persistence the sweeper needs.
type Store interface {
	ListStaleConversations(ctx context.Context, status store.Status, before time.Time, limit int) ([]*store.Conversation, error)
	RecordInactivityWarning(ctx context.Context, id string, expected int, idleBefore time.Time) (bool, error)
	InsertArtifact(ctx context.Context, artifact *store.SatisfactionArtifact) (string, error)
}

// Abandoner performs the guarded abandon transition.
type Abandoner interface {
	Abandon(ctx context.Context, conv *store.Conversation, staleBefore time.Time) (lifecycle.Outcome, error)
}

// Sweeper reaps idle conversations on a fixed interval.
type Sweeper struct {
	store   Store
	machine Abandoner
	policy  atomic.Pointer[Policy]
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// passMu keeps a manual SweepOnce from overlapping a ticked pass.
	passMu sync.Mutex
}

// New creates a Sweeper. m may be nil.
func New(st Store, machine Abandoner, policy Policy, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		store:   st,
		machine: machine,
		metrics: m,
		logger:  logger.With("component", "sweeper"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.SetPolicy(policy)
	return s
}

// SetPolicy swaps thresholds; the next pass uses them.
func (s *Sweeper) SetPolicy(p Policy) {
	p = p.normalized()
	s.policy.Store(&p)
}

// Policy returns the current thresholds.
func (s *Sweeper) Policy() Policy {
	return *s.policy.Load()
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Policy().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep pass incomplete", "error", err)
			}
			if next := s.Policy().Interval; next != interval {
				interval = next
				ticker.Reset(interval)
				s.logger.Info("sweeper interval changed", "interval", interval)
			}
		}
	}
}

// SweepOnce runs one pass. The returned error only reports candidate
// queries that failed; per-row problems are counted in the Report.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	start := time.Now()
	p := s.Policy()
	now := s.now()
	var report Report
	var errs []error

	for _, phase := range []struct {
		status    store.Status
		threshold time.Duration
	}{
		{store.StatusWaiting, p.WaitingAfter},
		{store.StatusActive, p.ActiveAfter},
	} {
		if err := s.abandonStale(ctx, phase.status, now.Add(-phase.threshold), p.BatchSize, &report); err != nil {
			errs = append(errs, err)
		}
	}

	if p.WarnAfter > 0 && p.MaxWarnings > 0 {
		if err := s.warnIdle(ctx, p, now, &report); err != nil {
			errs = append(errs, err)
		}
	}

	s.metrics.ObserveSweep(time.Since(start), report.Failures, report.Warned)
	if report.Abandoned > 0 || report.Failures > 0 || report.Warned > 0 {
		s.logger.Info("sweep complete",
			"scanned", report.Scanned,
			"abandoned", report.Abandoned,
			"conflicts", report.Conflicts,
			"failures", report.Failures,
			"warned", report.Warned,
		)
	}
	return report, errors.Join(errs...)
}

func (s *Sweeper) abandonStale(ctx context.Context, status store.Status, cutoff time.Time, limit int, report *Report) error {
	candidates, err := s.store.ListStaleConversations(ctx, status, cutoff, limit)
	if err != nil {
		return fmt.Errorf("listing stale %s conversations: %w", status, err)
	}

	for _, conv := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report.Scanned++

		out, err := s.machine.Abandon(ctx, conv, cutoff)
		if err != nil {
			report.Failures++
			s.logger.Warn("failed to abandon conversation",
				"conversation_id", conv.ID,
				"status", conv.Status,
				"error", err,
			)
			continue
		}
		if out != lifecycle.Success {
			// Claimed, closed, or revived by a message since the scan.
			report.Conflicts++
			s.logger.Debug("skipping conversation", "conversation_id", conv.ID, "outcome", out)
			continue
		}

		report.Abandoned++
		s.metrics.ObserveAbandoned(string(status))
		s.recordArtifact(ctx, conv.ID, report)
	}
	return nil
}

func (s *Sweeper) recordArtifact(ctx context.Context, conversationID string, report *Report) {
	_, err := s.store.InsertArtifact(ctx, &store.SatisfactionArtifact{
		ConversationID: conversationID,
		Rating:         0,
		Comment:        AbandonedComment,
		CreatedAt:      s.now(),
	})
	if err != nil {
		// The abandonment stands without its artifact.
		report.Failures++
		s.logger.Error("failed to record abandonment artifact",
			"conversation_id", conversationID,
			"error", err,
		)
	}
}

func (s *Sweeper) warnIdle(ctx context.Context, p Policy, now time.Time, report *Report) error {
	cutoff := now.Add(-p.WarnAfter)
	candidates, err := s.store.ListStaleConversations(ctx, store.StatusActive, cutoff, p.BatchSize)
	if err != nil {
		return fmt.Errorf("listing idle active conversations: %w", err)
	}

	for _, conv := range candidates {
		if conv.InactivityWarnings >= p.MaxWarnings {
			continue
		}
		due := conv.LastMessageAt.Add(time.Duration(conv.InactivityWarnings+1) * p.WarnAfter)
		if now.Before(due) {
			continue
		}

		ok, err := s.store.RecordInactivityWarning(ctx, conv.ID, conv.InactivityWarnings, cutoff)
		if err != nil {
			report.Failures++
			s.logger.Warn("failed to record inactivity warning", "conversation_id", conv.ID, "error", err)
			continue
		}
		if ok {
			report.Warned++
			s.logger.Debug("inactivity warning recorded",
				"conversation_id", conv.ID,
				"warnings", conv.InactivityWarnings+1,
			)
		}
	}
	return nil
}
