package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/commentary-coordinator/internal/alert"
	"github.com/JakeFAU/commentary-coordinator/internal/storage"
)

// ArchiveSink writes the full alert to a blob store so every piece of
// commentary survives beyond the 600-character chat preview.
type ArchiveSink struct {
	provider storage.Provider
}

// NewArchiveSink wires a storage provider to the sink interface.
func NewArchiveSink(provider storage.Provider) *ArchiveSink {
	if provider == nil {
		provider = &storage.NoOpProvider{}
	}
	return &ArchiveSink{provider: provider}
}

// Consume stores the alert as commentary/<resource_id>.json.
func (s *ArchiveSink) Consume(ctx context.Context, a alert.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	objectName := fmt.Sprintf("commentary/%d.json", a.ResourceID)
	if err := s.provider.Save(ctx, objectName, data); err != nil {
		return fmt.Errorf("archive commentary %d: %w", a.ResourceID, err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *ArchiveSink) Close(context.Context) error {
	return nil
}
