// Package schedule gates commentary distribution to market hours.
package schedule

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config captures the trading-window parameters.
type Config struct {
	// Enabled turns the gate on. When false the market counts as always
	// tradable, which is what integration environments want.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Timezone is the IANA zone the hours below are expressed in.
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
	// OpenHour and CloseHour bound the trading day (whole hours).
	OpenHour  int `mapstructure:"open_hour" yaml:"open_hour"`
	CloseHour int `mapstructure:"close_hour" yaml:"close_hour"`
	// PreOpenLogin is how long before the open distribution resumes so
	// workers have their sessions ready when trading starts.
	PreOpenLogin time.Duration `mapstructure:"pre_open_login" yaml:"pre_open_login"`
}

// DefaultConfig returns the production trading window.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Timezone:     "America/Chicago",
		OpenHour:     6,
		CloseHour:    19,
		PreOpenLogin: 40 * time.Minute,
	}
}

// Clock is the time source, injectable for tests.
type Clock interface {
	Now() time.Time
}

// Times holds the boundaries of the next trading window.
type Times struct {
	// PreOpenLogin is when distribution resumes ahead of the open.
	PreOpenLogin time.Time
	// Open and Close bound the trading day itself.
	Open  time.Time
	Close time.Time
}

// Market answers whether distribution should run right now and, if not,
// how long to wait. The window repeats daily; there is no weekend or
// holiday calendar, matching how the commentary feed actually behaves.
type Market struct {
	cfg    Config
	loc    *time.Location
	clock  Clock
	logger *zap.Logger
}

// New validates the config and resolves the timezone.
func New(cfg Config, clock Clock, logger *zap.Logger) (*Market, error) {
	if cfg.Timezone == "" {
		cfg.Timezone = "America/Chicago"
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.OpenHour < 0 || cfg.OpenHour > 23 || cfg.CloseHour < 0 || cfg.CloseHour > 23 {
		return nil, fmt.Errorf("market hours must be within 0-23, got open=%d close=%d", cfg.OpenHour, cfg.CloseHour)
	}
	if cfg.Enabled && cfg.CloseHour <= cfg.OpenHour {
		return nil, fmt.Errorf("market close hour %d must be after open hour %d", cfg.CloseHour, cfg.OpenHour)
	}
	if cfg.PreOpenLogin < 0 {
		return nil, fmt.Errorf("pre-open login lead must not be negative")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Market{cfg: cfg, loc: loc, clock: clock, logger: logger}, nil
}

// NextTimes computes the boundaries of the current or next trading day.
// Past the close, everything rolls to tomorrow.
func (m *Market) NextTimes() Times {
	now := m.clock.Now().In(m.loc)
	open := time.Date(now.Year(), now.Month(), now.Day(), m.cfg.OpenHour, 0, 0, 0, m.loc)
	closeAt := time.Date(now.Year(), now.Month(), now.Day(), m.cfg.CloseHour, 0, 0, 0, m.loc)
	if now.After(closeAt) {
		open = open.AddDate(0, 0, 1)
		closeAt = closeAt.AddDate(0, 0, 1)
	}
	return Times{
		PreOpenLogin: open.Add(-m.cfg.PreOpenLogin),
		Open:         open,
		Close:        closeAt,
	}
}

// UntilTradable returns how long distribution should pause before the next
// window opens, and zero when distribution may run now. The window starts
// at the pre-open login time so workers are logged in before the open.
func (m *Market) UntilTradable() time.Duration {
	if !m.cfg.Enabled {
		return 0
	}
	t := m.NextTimes()
	now := m.clock.Now().In(m.loc)
	if now.Before(t.PreOpenLogin) {
		wait := t.PreOpenLogin.Sub(now)
		m.logger.Info("market closed, pausing distribution",
			zap.Time("resume_at", t.PreOpenLogin),
			zap.Duration("wait", wait),
		)
		return wait
	}
	return 0
}

// Tradable reports whether distribution may run right now.
func (m *Market) Tradable() bool {
	return m.UntilTradable() == 0
}
