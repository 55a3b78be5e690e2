package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/commentary-coordinator/internal/commentary"
)

const (
	cursorFileName   = "cursor.json"
	accountsFileName = "accounts.json"
)

// FileConfig captures the parameters for the file-backed state store.
type FileConfig struct {
	// Dir is the directory where state files are kept.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// FileStore keeps coordinator state in JSON files on the local filesystem.
// Writes go through a temp file plus rename so a crash mid-save never
// leaves a half-written record behind.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore validates the directory and returns a file-backed store.
func NewFileStore(cfg FileConfig) (*FileStore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("state directory is required")
	}

	info, err := os.Stat(cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("failed to create state directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("failed to stat state directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("state directory path is not a directory")
	}

	return &FileStore{dir: cfg.Dir}, nil
}

type cursorRecord struct {
	NextResourceID int64 `json:"next_resource_id"`
}

// statusRecord is the on-disk shape of one account's ban state. The
// expiry is kept as Unix seconds so the file stays editable by hand.
type statusRecord struct {
	Banned      bool  `json:"banned"`
	BannedUntil int64 `json:"banned_until"`
	BanCount    int   `json:"ban_count"`
}

// LoadCursor reads the persisted next resource id.
func (s *FileStore) LoadCursor(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, cursorFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("read cursor file: %w", err)
	}
	var rec cursorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, fmt.Errorf("decode cursor file: %w", err)
	}
	return rec.NextResourceID, nil
}

// SaveCursor writes the next resource id.
func (s *FileStore) SaveCursor(_ context.Context, next int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(cursorRecord{NextResourceID: next}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	return s.writeAtomic(cursorFileName, data)
}

// LoadStatuses reads the persisted ban table. A missing file yields an
// empty table.
func (s *FileStore) LoadStatuses(_ context.Context) (map[string]commentary.AccountStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, accountsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]commentary.AccountStatus{}, nil
		}
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var records map[string]statusRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode accounts file: %w", err)
	}

	statuses := make(map[string]commentary.AccountStatus, len(records))
	for email, rec := range records {
		st := commentary.AccountStatus{
			Banned:   rec.Banned,
			BanCount: rec.BanCount,
		}
		if rec.BannedUntil > 0 {
			st.BannedUntil = time.Unix(rec.BannedUntil, 0).UTC()
		}
		statuses[email] = st
	}
	return statuses, nil
}

// SaveStatuses replaces the persisted ban table.
func (s *FileStore) SaveStatuses(_ context.Context, statuses map[string]commentary.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]statusRecord, len(statuses))
	for email, st := range statuses {
		rec := statusRecord{
			Banned:   st.Banned,
			BanCount: st.BanCount,
		}
		if !st.BannedUntil.IsZero() {
			rec.BannedUntil = st.BannedUntil.Unix()
		}
		records[email] = rec
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}
	return s.writeAtomic(accountsFileName, data)
}

// Close is a no-op for the file store.
func (s *FileStore) Close() {}

func (s *FileStore) writeAtomic(name string, data []byte) error {
	final := filepath.Join(s.dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}
