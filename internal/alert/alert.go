// Package alert carries freshly fetched commentary to downstream consumers.
package alert

import (
	"context"
	"errors"
	"time"
)

// Alert describes one piece of commentary after a worker fetched and the
// coordinator accepted it.
type Alert struct {
	// ResourceID is the commentary id the cursor handed out.
	ResourceID int64 `json:"resource_id"`
	// Title is the article headline.
	Title string `json:"title"`
	// Body is the article text with the headline stripped.
	Body string `json:"body"`
	// Ticker is the extracted symbol, empty when extraction found none.
	Ticker string `json:"ticker,omitempty"`
	// Action is the trade direction tied to Ticker (e.g. "Buy").
	Action string `json:"action,omitempty"`
	// FetchedAt is when the coordinator accepted the result.
	FetchedAt time.Time `json:"fetched_at"`
}

// Sink consumes alerts. Implementations must honor ctx deadlines and may be
// invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, a Alert) error
	Close(ctx context.Context) error
}

// Multi fans one alert out to every configured sink. A failing sink never
// stops delivery to the others; the errors come back joined.
type Multi struct {
	sinks []Sink
}

// NewMulti bundles the provided sinks into a single Sink.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Consume delivers the alert to every sink.
func (m *Multi) Consume(ctx context.Context, a Alert) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Consume(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *Multi) Close(ctx context.Context) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
