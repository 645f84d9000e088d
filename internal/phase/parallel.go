package phase

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"forgeloop/internal/persistence"
	"forgeloop/internal/proposal"
)

// selectWave picks the largest leading set of ready tickets that can run
// concurrently (spec.md §4.9 wave partitioning, applied to tickets via
// their path scopes). The wave is capped at the parallel width.
func (m *Machine) selectWave(ready []*persistence.Ticket) []*persistence.Ticket {
	pseudo := make([]proposal.Proposal, len(ready))
	byTitle := make(map[string]*persistence.Ticket, len(ready))
	for i, t := range ready {
		pseudo[i] = proposal.Proposal{Title: t.Title, Category: string(t.Category), Files: t.AllowedPaths}
		byTitle[t.Title] = t
	}
	waves := proposal.PartitionWaves(pseudo, m.Config.Proposal.WaveConflictStrict)
	if len(waves) == 0 {
		return nil
	}

	var wave []*persistence.Ticket
	for _, p := range waves[0].Proposals {
		if t := byTitle[p.Title]; t != nil {
			wave = append(wave, t)
		}
		if len(wave) >= m.state.ParallelWidth {
			break
		}
	}
	m.waveTickets = wave
	return wave
}

// handleParallelExecute runs one wave of non-conflicting tickets as
// independent full ticket pipelines (spec.md §5.3). Each pipeline owns its
// worktree and spindle state; shared JSON-state mutations go through the
// advisory lock inside the respective stores.
func (m *Machine) handleParallelExecute(ctx context.Context) (Phase, error) {
	wave := m.waveTickets
	if len(wave) == 0 {
		return PhaseNextTicket, nil
	}
	m.record(EventWaveStarted, map[string]any{"size": len(wave)})

	type waveResult struct {
		ticket  *persistence.Ticket
		success bool
		blocked bool
		prURL   string
		reason  string
		lines   int
	}

	results := make([]waveResult, len(wave))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.state.ParallelWidth)
	for i, t := range wave {
		g.Go(func() error {
			outcome := m.Hooks.RunTicketPipeline(gctx, *t)
			mu.Lock()
			results[i] = waveResult{
				ticket:  t,
				success: outcome.Success,
				blocked: !outcome.Success,
				prURL:   outcome.PRURL,
				reason:  string(outcome.FailureReason),
				lines:   len(outcome.ChangedFiles),
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return m.state.Phase, err
	}

	for _, r := range results {
		if r.ticket == nil {
			continue
		}
		if r.success {
			if err := m.Tickets.UpdateStatus(ctx, r.ticket.ID, persistence.TicketDone); err != nil {
				return m.state.Phase, err
			}
			if r.prURL != "" {
				m.record(EventPRCreated, map[string]any{"ticket_id": r.ticket.ID, "url": r.prURL})
			}
			m.record(EventTicketCompleted, map[string]any{"ticket_id": r.ticket.ID, "title": r.ticket.Title})
			m.applySuccessFeedback(r.ticket)
		} else {
			if err := m.Tickets.UpdateStatus(ctx, r.ticket.ID, persistence.TicketBlocked); err != nil {
				return m.state.Phase, err
			}
			m.record(EventTicketBlocked, map[string]any{"ticket_id": r.ticket.ID, "reason": r.reason})
			m.applyFailureFeedback(r.ticket, r.reason, nil)
		}
	}

	m.record(EventWaveCompleted, map[string]any{"size": len(wave)})
	m.state.Workers = nil
	m.waveTickets = nil
	return PhaseNextTicket, nil
}
