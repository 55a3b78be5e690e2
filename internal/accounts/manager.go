// Package accounts owns credential rotation and ban bookkeeping. The manager
// is a pure state machine: it runs no goroutines and is driven entirely from
// the coordinator's event loop, which is the only writer.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/commentary-coordinator/internal/commentary"
)

// ErrNoAccounts is returned when the credential list is empty.
var ErrNoAccounts = errors.New("no accounts configured")

// DefaultCooldown applies when a ban report does not carry its own duration.
const DefaultCooldown = 15 * time.Minute

// Clock supplies the current time so ban expiry is testable.
type Clock interface {
	Now() time.Time
}

// StatusStore persists the account standing table.
type StatusStore interface {
	LoadStatuses(ctx context.Context) (map[string]commentary.AccountStatus, error)
	SaveStatuses(ctx context.Context, statuses map[string]commentary.AccountStatus) error
}

// Selection is the outcome of choosing an account for a worker. IsBanned
// means every account in the worker's partition is cooling down and this is
// the one expiring soonest; the caller may hand it out anyway or wait.
type Selection struct {
	Index      int
	Credential commentary.Credential
	Status     commentary.AccountStatus
	IsBanned   bool
}

// View is a read-only row for the ops surface; passwords are never exposed.
type View struct {
	Index       int       `json:"index"`
	Email       string    `json:"email"`
	Banned      bool      `json:"banned"`
	BannedUntil time.Time `json:"banned_until,omitzero"`
	BanCount    int       `json:"ban_count"`
}

// Manager partitions the credential pool across workers and enforces
// time-boxed cooldowns reported by them.
type Manager struct {
	creds           []commentary.Credential
	statuses        []commentary.AccountStatus
	store           StatusStore
	clock           Clock
	logger          *zap.Logger
	defaultCooldown time.Duration
}

// Option tweaks manager construction.
type Option func(*Manager)

// WithDefaultCooldown overrides the cooldown applied to ban reports that
// carry no duration of their own.
func WithDefaultCooldown(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultCooldown = d
		}
	}
}

// New loads persisted account standing and builds a manager. Bans that have
// already expired are cleared on load; emails with no persisted entry start
// clean.
func New(ctx context.Context, creds []commentary.Credential, store StatusStore, clock Clock, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if len(creds) == 0 {
		return nil, ErrNoAccounts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	persisted, err := store.LoadStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("load account statuses: %w", err)
	}

	now := clock.Now()
	statuses := make([]commentary.AccountStatus, len(creds))
	banned := 0
	for i, c := range creds {
		st := persisted[c.Email]
		if st.Banned && !now.Before(st.BannedUntil) {
			st.Banned = false
			st.BannedUntil = time.Time{}
		}
		if st.Banned {
			banned++
		}
		statuses[i] = st
	}
	if banned > 0 {
		logger.Info("loaded account table with active bans",
			zap.Int("accounts", len(creds)),
			zap.Int("banned", banned))
	}

	m := &Manager{
		creds:           creds,
		statuses:        statuses,
		store:           store,
		clock:           clock,
		logger:          logger,
		defaultCooldown: DefaultCooldown,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Count returns the credential pool size.
func (m *Manager) Count() int { return len(m.creds) }

// AccountFor picks an account for the worker at the given ordinal in a pool
// of poolSize workers. The pool is split into contiguous partitions keyed by
// ordinal so a worker keeps landing on the same accounts while the pool is
// stable (fewer re-logins); the last ordinal absorbs the remainder and
// ordinals past the pool wrap, so every credential stays reachable. The first
// selectable partition member wins; an expired ban is cleared (and persisted)
// on the way. If the whole partition is cooling down, the member expiring
// soonest is returned with IsBanned set.
func (m *Manager) AccountFor(ctx context.Context, ordinal, poolSize int) Selection {
	now := m.clock.Now()
	members := m.partition(ordinal, poolSize)

	for _, idx := range members {
		st := m.statuses[idx]
		if !st.Selectable(now) {
			continue
		}
		if st.Banned {
			// Cooldown elapsed; this selection un-bans the account.
			st.Banned = false
			st.BannedUntil = time.Time{}
			m.statuses[idx] = st
			m.logger.Info("account cooldown expired",
				zap.String("email", m.creds[idx].Email),
				zap.Int("account_index", idx))
			if err := m.persist(ctx); err != nil {
				m.logger.Warn("persist account table failed", zap.Error(err))
			}
		}
		return Selection{Index: idx, Credential: m.creds[idx], Status: m.statuses[idx]}
	}

	// Whole partition is cooling down; surface the soonest-expiring member.
	soonest := members[0]
	for _, idx := range members[1:] {
		if m.statuses[idx].BannedUntil.Before(m.statuses[soonest].BannedUntil) {
			soonest = idx
		}
	}
	return Selection{
		Index:      soonest,
		Credential: m.creds[soonest],
		Status:     m.statuses[soonest],
		IsBanned:   true,
	}
}

// MarkBanned applies a time-boxed cooldown to an account and persists the
// table. A non-positive cooldown falls back to the manager's default.
func (m *Manager) MarkBanned(ctx context.Context, index int, cooldownMinutes int) (commentary.AccountStatus, error) {
	if index < 0 || index >= len(m.creds) {
		return commentary.AccountStatus{}, fmt.Errorf("account index %d out of range [0,%d)", index, len(m.creds))
	}
	cooldown := m.defaultCooldown
	if cooldownMinutes > 0 {
		cooldown = time.Duration(cooldownMinutes) * time.Minute
	}

	st := m.statuses[index]
	st.Banned = true
	st.BannedUntil = m.clock.Now().Add(cooldown)
	st.BanCount++
	m.statuses[index] = st

	m.logger.Warn("account banned",
		zap.String("email", m.creds[index].Email),
		zap.Int("account_index", index),
		zap.Time("banned_until", st.BannedUntil),
		zap.Int("ban_count", st.BanCount))

	if err := m.persist(ctx); err != nil {
		return st, fmt.Errorf("persist account table: %w", err)
	}
	return st, nil
}

// SoonestExpiry returns the earliest banned_until across all banned accounts,
// used by the distributor to idle instead of poll when nothing is selectable.
func (m *Manager) SoonestExpiry() (time.Time, bool) {
	var soonest time.Time
	found := false
	for _, st := range m.statuses {
		if !st.Banned {
			continue
		}
		if !found || st.BannedUntil.Before(soonest) {
			soonest = st.BannedUntil
			found = true
		}
	}
	return soonest, found
}

// AllBanned reports whether no account is currently selectable.
func (m *Manager) AllBanned() bool {
	now := m.clock.Now()
	for _, st := range m.statuses {
		if st.Selectable(now) {
			return false
		}
	}
	return true
}

// Snapshot returns the table for the ops surface.
func (m *Manager) Snapshot() []View {
	views := make([]View, len(m.creds))
	for i, c := range m.creds {
		st := m.statuses[i]
		views[i] = View{
			Index:       i,
			Email:       c.Email,
			Banned:      st.Banned,
			BannedUntil: st.BannedUntil,
			BanCount:    st.BanCount,
		}
	}
	return views
}

func (m *Manager) partition(ordinal, poolSize int) []int {
	n := len(m.creds)
	if poolSize < 1 {
		poolSize = 1
	}
	if ordinal < 0 {
		ordinal = 0
	}
	base := n / poolSize
	if base < 1 {
		base = 1
	}
	size := base
	if ordinal == poolSize-1 {
		size += n % poolSize
	}
	if size > n {
		size = n
	}
	start := (ordinal * base) % n

	members := make([]int, size)
	for k := range members {
		members[k] = (start + k) % n
	}
	return members
}

func (m *Manager) persist(ctx context.Context) error {
	table := make(map[string]commentary.AccountStatus, len(m.creds))
	for i, c := range m.creds {
		table[c.Email] = m.statuses[i]
	}
	return m.store.SaveStatuses(ctx, table)
}
