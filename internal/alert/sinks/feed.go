package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/commentary-coordinator/internal/alert"
)

// FeedConfig captures the trading-feed websocket endpoint and the identity
// fields stamped on each outbound message.
type FeedConfig struct {
	URL    string `mapstructure:"url" yaml:"url"`
	Name   string `mapstructure:"name" yaml:"name"`
	Sender string `mapstructure:"sender" yaml:"sender"`
	Target string `mapstructure:"target" yaml:"target"`
}

// feedMessage is the wire shape the trading feed consumes.
type feedMessage struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Ticker string `json:"ticker"`
	Sender string `json:"sender"`
	Target string `json:"target"`
}

// FeedSink pushes actionable alerts to the trading feed over a websocket.
// Alerts without an extracted ticker are skipped; the feed only understands
// symbol/action pairs. The connection is dialed lazily and redialed once
// when a write fails.
type FeedSink struct {
	cfg    FeedConfig
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewFeedSink validates the config and returns a feed-backed sink.
func NewFeedSink(cfg FeedConfig, logger *zap.Logger) (*FeedSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed url is required")
	}
	if cfg.Name == "" {
		cfg.Name = "Zacks - Commentary"
	}
	if cfg.Sender == "" {
		cfg.Sender = "zacks"
	}
	if cfg.Target == "" {
		cfg.Target = "CSS"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedSink{cfg: cfg, logger: logger}, nil
}

// Consume forwards the alert when it carries a ticker and an action.
func (s *FeedSink) Consume(ctx context.Context, a alert.Alert) error {
	if a.Ticker == "" || a.Action == "" {
		return nil
	}

	msg := feedMessage{
		Name:   s.cfg.Name,
		Type:   a.Action,
		Ticker: a.Ticker,
		Sender: s.cfg.Sender,
		Target: s.cfg.Target,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.connection(ctx)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(msg); err == nil {
		return nil
	}

	// The feed endpoint drops idle connections. One redial covers the
	// common case; anything past that is a real outage.
	s.logger.Warn("feed write failed, redialing", zap.String("url", s.cfg.URL))
	s.dropLocked()
	conn, err = s.connection(ctx)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(msg); err != nil {
		s.dropLocked()
		return fmt.Errorf("write feed message: %w", err)
	}
	return nil
}

// Close shuts the websocket down.
func (s *FeedSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked()
	return nil
}

func (s *FeedSink) connection(ctx context.Context) (*websocket.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial feed %s: %w", s.cfg.URL, err)
	}
	s.conn = conn
	return conn, nil
}

func (s *FeedSink) dropLocked() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Warn("failed to close feed connection", zap.Error(err))
	}
	s.conn = nil
}
