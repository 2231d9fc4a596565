package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"weighline/internal/domain"
	"weighline/internal/repo"
)

// Deliverer sends one entry to the remote system of record and returns
// the external reference it assigned, if any. Implementations must
// bound each attempt with their own timeout.
type Deliverer interface {
	Deliver(ctx context.Context, entry domain.SyncEntry) (remoteRef string, err error)
}

// Summary reports the outcome of one drain pass.
type Summary struct {
	Ran       bool `json:"ran"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	Held      int  `json:"held"`
	Depth     int  `json:"depth"`
}

// Drainer replays pending sync entries in sequence order. Only one
// drain pass runs at a time; a trigger while draining is a no-op.
type Drainer struct {
	Repo        repo.Repo
	Client      Deliverer
	MaxAttempts int
	Interval    time.Duration
	Logger      *slog.Logger
	Now         func() time.Time

	mu sync.Mutex
}

func (d *Drainer) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Drainer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Run drains on a fixed cadence until the context is canceled.
func (d *Drainer) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Drain(ctx); err != nil {
				d.logger().Warn("sync drain pass failed", "error", err)
			}
		}
	}
}

// Drain attempts delivery of every eligible entry, oldest first.
// Entries for a ticket whose earlier entry is not yet acked are held:
// the remote mirrors the local state machine and rejects out-of-order
// transitions, so delivering ahead can never succeed.
func (d *Drainer) Drain(ctx context.Context) (Summary, error) {
	if !d.mu.TryLock() {
		return Summary{Ran: false}, nil
	}
	defer d.mu.Unlock()

	entries, err := d.Repo.UnackedSyncEntries(ctx)
	if err != nil {
		return Summary{Ran: true}, err
	}

	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	summary := Summary{Ran: true}
	blocked := make(map[int64]bool)
	for _, e := range entries {
		if blocked[e.TicketID] {
			summary.Held++
			continue
		}
		if e.State == domain.SyncFailed {
			// Terminal failure: skipped until requeued, and it holds
			// every later entry for the same ticket.
			blocked[e.TicketID] = true
			continue
		}

		attempts := e.Attempts + 1
		attemptAt := d.now().UTC().Format(time.RFC3339)
		if err := d.Repo.MarkSyncState(ctx, e.Sequence, domain.SyncInFlight, e.Attempts, e.LastError, attemptAt); err != nil {
			return summary, err
		}

		ref, deliverErr := d.Client.Deliver(ctx, e)
		if deliverErr != nil {
			blocked[e.TicketID] = true
			state := domain.SyncPending
			if attempts >= maxAttempts {
				state = domain.SyncFailed
				summary.Failed++
				d.logger().Error("sync entry failed terminally",
					"sequence", e.Sequence, "ticket_id", e.TicketID, "op", e.Op,
					"attempts", attempts, "error", deliverErr)
			} else {
				d.logger().Warn("sync delivery failed, will retry",
					"sequence", e.Sequence, "ticket_id", e.TicketID, "op", e.Op,
					"attempts", attempts, "error", deliverErr)
			}
			msg := deliverErr.Error()
			if err := d.Repo.MarkSyncState(ctx, e.Sequence, state, attempts, &msg, attemptAt); err != nil {
				return summary, err
			}
			continue
		}

		if err := d.Repo.MarkSyncState(ctx, e.Sequence, domain.SyncAcked, attempts, nil, attemptAt); err != nil {
			return summary, err
		}
		if ref != "" {
			if err := d.Repo.SetTicketRemoteRef(ctx, e.TicketID, ref, attemptAt); err != nil {
				d.logger().Warn("record remote ref failed", "ticket_id", e.TicketID, "error", err)
			}
		}
		summary.Delivered++
	}

	depth, err := d.Repo.QueueDepth(ctx)
	if err != nil {
		return summary, err
	}
	summary.Depth = depth
	return summary, nil
}
