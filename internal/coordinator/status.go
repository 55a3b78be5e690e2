package coordinator

import (
	"context"
	"time"

	"github.com/JakeFAU/commentary-coordinator/internal/accounts"
	"github.com/JakeFAU/commentary-coordinator/internal/protocol"
)

// Status is a point-in-time view of the distributor for the ops surface.
type Status struct {
	NextResourceID int64           `json:"next_resource_id"`
	MarketTradable bool            `json:"market_tradable"`
	InFlight       *InFlightStatus `json:"in_flight,omitempty"`
	Workers        []WorkerStatus  `json:"workers"`
}

// InFlightStatus describes the single outstanding job.
type InFlightStatus struct {
	ResourceID   int64     `json:"resource_id"`
	WorkerID     string    `json:"worker_id"`
	AccountIndex int       `json:"account_index"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// WorkerStatus describes one connected agent.
type WorkerStatus struct {
	ID              string          `json:"id"`
	Ordinal         int             `json:"ordinal"`
	Status          protocol.Status `json:"status"`
	Phase           string          `json:"phase"`
	AccountIndex    int             `json:"account_index"`
	ConnectedAt     time.Time       `json:"connected_at"`
	LastSeen        time.Time       `json:"last_seen"`
	AvgProcessingMS int64           `json:"avg_processing_ms"`
}

// Status reports distributor state. Safe to call from any goroutine.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	q := statusQuery{reply: make(chan Status, 1)}
	if err := c.post(ctx, q); err != nil {
		return Status{}, err
	}
	select {
	case s := <-q.reply:
		return s, nil
	case <-c.stopCh:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// AccountsSnapshot reports the account standing table. Safe to call from any
// goroutine.
func (c *Coordinator) AccountsSnapshot(ctx context.Context) ([]accounts.View, error) {
	q := accountsQuery{reply: make(chan []accounts.View, 1)}
	if err := c.post(ctx, q); err != nil {
		return nil, err
	}
	select {
	case views := <-q.reply:
		return views, nil
	case <-c.stopCh:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestRestart asks the named worker to recycle its browser session. Safe
// to call from any goroutine.
func (c *Coordinator) RequestRestart(ctx context.Context, workerID string) error {
	q := restartRequest{workerID: workerID, reply: make(chan error, 1)}
	if err := c.post(ctx, q); err != nil {
		return err
	}
	select {
	case err := <-q.reply:
		return err
	case <-c.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// snapshot builds a Status from reactor state; reactor goroutine only.
func (c *Coordinator) snapshot() Status {
	s := Status{
		NextResourceID: c.nextID,
		MarketTradable: true,
		Workers:        make([]WorkerStatus, 0, len(c.pool)),
	}
	if c.deps.Market != nil {
		s.MarketTradable = c.deps.Market.Tradable()
	}
	if c.inflight != nil {
		s.InFlight = &InFlightStatus{
			ResourceID:   c.inflight.resourceID,
			WorkerID:     c.inflight.workerID,
			AccountIndex: c.inflight.accountIndex,
			AssignedAt:   c.inflight.assignedAt,
		}
	}
	for _, w := range c.pool {
		s.Workers = append(s.Workers, WorkerStatus{
			ID:              w.id,
			Ordinal:         w.ordinal,
			Status:          w.status,
			Phase:           string(w.phase),
			AccountIndex:    w.accountIndex,
			ConnectedAt:     w.joined,
			LastSeen:        w.lastSeen,
			AvgProcessingMS: w.averageDuration().Milliseconds(),
		})
	}
	return s
}
