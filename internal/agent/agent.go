// Package agent implements the scrape worker: one persistent coordinator
// connection, one headless browser, one assignment at a time. Blocking
// browser work runs in a spawned goroutine so the loop keeps answering
// keepalives while a login or fetch is in flight.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/commentary-coordinator/internal/commentary"
	"github.com/JakeFAU/commentary-coordinator/internal/protocol"
)

// Config tunes the agent loop. Zero values fall back to the defaults below.
type Config struct {
	// WorkerID identifies this agent to the coordinator.
	WorkerID string
	// CoordinatorURL is the websocket endpoint to register with.
	CoordinatorURL string
	// Selectors locates commentary content inside fetched pages.
	Selectors commentary.Selectors
	// MaxConsecutiveFailures triggers an operational warning once this many
	// assignments in a row produced no content.
	MaxConsecutiveFailures int
	// ReconnectBackoff is the initial redial delay. It grows 1.5x per failed
	// attempt up to ReconnectBackoffMax and resets once registered.
	ReconnectBackoff    time.Duration
	ReconnectBackoffMax time.Duration
	// PongTimeout drops the connection when the coordinator has been silent
	// for this long; its pings normally arrive every few seconds.
	PongTimeout time.Duration
}

const (
	defaultMaxConsecutiveFailures = 3
	defaultReconnectBackoff       = 3 * time.Second
	defaultReconnectBackoffMax    = 30 * time.Second
	defaultPongTimeout            = 30 * time.Second

	writeTimeout  = 10 * time.Second
	inboundBuffer = 16
)

func (c Config) withDefaults() Config {
	if c.Selectors == (commentary.Selectors{}) {
		c.Selectors = commentary.DefaultSelectors()
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = defaultReconnectBackoff
	}
	if c.ReconnectBackoffMax <= 0 {
		c.ReconnectBackoffMax = defaultReconnectBackoffMax
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}
	return c
}

// Agent connects to the coordinator, executes assigned fetches through its
// browser, and reports outcomes.
type Agent struct {
	cfg     Config
	browser Browser
	logger  *zap.Logger
}

// New validates the wiring. The caller owns the browser's lifecycle.
func New(cfg Config, browser Browser, logger *zap.Logger) (*Agent, error) {
	cfg = cfg.withDefaults()
	if cfg.WorkerID == "" {
		return nil, errors.New("agent: worker id is required")
	}
	if cfg.CoordinatorURL == "" {
		return nil, errors.New("agent: coordinator url is required")
	}
	if browser == nil {
		return nil, errors.New("agent: browser is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		cfg:     cfg,
		browser: browser,
		logger:  logger.With(zap.String("worker_id", cfg.WorkerID)),
	}, nil
}

// Run connects and serves until ctx is canceled, redialing with backoff on
// any connection loss.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.ReconnectBackoff
	for {
		registered, err := a.runConn(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			backoff = a.cfg.ReconnectBackoff
		}
		a.logger.Warn("connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff = backoff * 3 / 2
		if backoff > a.cfg.ReconnectBackoffMax {
			backoff = a.cfg.ReconnectBackoffMax
		}
	}
}

// runConn dials, registers, and serves one connection to completion. The
// registered return tells Run whether to reset its backoff.
func (a *Agent) runConn(ctx context.Context) (registered bool, err error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.CoordinatorURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial coordinator: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	// ReadMessage has no context form; close the socket on cancellation to
	// unblock it.
	stop := closeOnDone(ctx, conn)
	defer stop()

	if err := a.write(conn, protocol.NewRegister(a.cfg.WorkerID)); err != nil {
		return false, err
	}
	if err := a.awaitAck(conn); err != nil {
		return false, err
	}
	a.logger.Info("registered with coordinator")

	if err := a.write(conn, protocol.NewStatusUpdate(protocol.StatusAvailable)); err != nil {
		return true, err
	}
	return true, a.serve(ctx, conn)
}

func (a *Agent) awaitAck(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(a.cfg.PongTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await registration ack: %w", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("await registration ack: %w", err)
	}
	ack, ok := msg.(protocol.RegistrationAck)
	if !ok {
		return fmt.Errorf("await registration ack: got %s", msg.Kind())
	}
	if ack.WorkerID != a.cfg.WorkerID {
		return fmt.Errorf("await registration ack: acked %q", ack.WorkerID)
	}
	return nil
}

// opDone carries the outcome of one offloaded browser operation back into
// the serve loop.
type opDone struct {
	// replies are sent to the coordinator in order.
	replies []protocol.Message
	// countFailure and resetFailures adjust the consecutive-failure streak.
	countFailure  bool
	resetFailures bool
	// session is the account the browser is authenticated as afterwards;
	// empty means no usable session remains.
	session string
}

// runner owns one connection's serving state: the in-flight browser call,
// work queued behind it, the authenticated account, and the failure streak.
type runner struct {
	a    *Agent
	conn *websocket.Conn

	opCh     chan opDone
	pending  []protocol.Message
	account  string
	failures int
}

func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Time{})

	in := make(chan protocol.Message, inboundBuffer)
	go a.readLoop(conn, in)

	// Ops run under a connection-scoped context so a redial never overlaps
	// browser work from the previous connection.
	opCtx, cancelOps := context.WithCancel(ctx)
	r := &runner{a: a, conn: conn}
	defer func() {
		cancelOps()
		if r.opCh != nil {
			<-r.opCh
		}
	}()

	watchdog := time.NewTimer(a.cfg.PongTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-in:
			if !ok {
				return errors.New("connection closed")
			}
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(a.cfg.PongTimeout)
			if err := r.handle(opCtx, msg); err != nil {
				return err
			}

		case done := <-r.opCh:
			if err := r.finish(opCtx, done); err != nil {
				return err
			}

		case <-watchdog.C:
			return fmt.Errorf("no coordinator traffic for %s", a.cfg.PongTimeout)
		}
	}
}

// readLoop feeds decoded frames to the serve loop, closing the channel when
// the connection dies.
func (a *Agent) readLoop(conn *websocket.Conn, in chan<- protocol.Message) {
	defer close(in)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			a.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		in <- msg
	}
}

func (r *runner) handle(ctx context.Context, msg protocol.Message) error {
	switch msg.(type) {
	case protocol.Ping:
		return r.send(protocol.NewPong())
	case protocol.Pong, protocol.RegistrationAck:
		return nil
	case protocol.Job, protocol.InitializeLogin, protocol.RestartBrowser:
		if r.opCh != nil {
			// A browser call is in flight; an operator restart can overlap
			// a running job this way. Serve it once the call resolves.
			r.pending = append(r.pending, msg)
			return nil
		}
		return r.start(ctx, msg)
	default:
		r.a.logger.Warn("ignoring unexpected message", zap.String("type", string(msg.Kind())))
		return nil
	}
}

func (r *runner) start(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Job:
		if r.account != m.Credential.Email {
			// The login can take long enough to look like inactivity;
			// announce it before going quiet.
			if err := r.send(protocol.NewStatusUpdate(protocol.StatusLoggingIn)); err != nil {
				return err
			}
		}
		account := r.account
		r.launch(ctx, func(ctx context.Context) opDone { return r.a.runJob(ctx, m, account) })
	case protocol.InitializeLogin:
		r.launch(ctx, func(ctx context.Context) opDone { return r.a.runLogin(ctx, m) })
	case protocol.RestartBrowser:
		r.launch(ctx, func(ctx context.Context) opDone { return r.a.runRestart(ctx, m) })
	}
	return nil
}

// launch offloads one browser call. The buffered channel lets the op
// goroutine finish even when the loop has already returned.
func (r *runner) launch(ctx context.Context, op func(context.Context) opDone) {
	ch := make(chan opDone, 1)
	r.opCh = ch
	go func() { ch <- op(ctx) }()
}

func (r *runner) finish(ctx context.Context, done opDone) error {
	r.opCh = nil
	r.account = done.session
	if done.resetFailures {
		r.failures = 0
	}
	if done.countFailure {
		r.failures++
		if r.failures >= r.a.cfg.MaxConsecutiveFailures {
			r.a.logger.Error("consecutive fetch failures at threshold, browser may need attention",
				zap.Int("failures", r.failures))
		}
	}

	for _, reply := range done.replies {
		if err := r.send(reply); err != nil {
			return err
		}
	}

	if len(r.pending) > 0 {
		next := r.pending[0]
		r.pending = r.pending[1:]
		return r.start(ctx, next)
	}
	return nil
}

// send writes one frame. All writes happen on the serve goroutine.
func (r *runner) send(msg protocol.Message) error {
	return r.a.write(r.conn, msg)
}

func (a *Agent) write(conn *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Kind(), err)
	}
	return nil
}

// runJob performs the lazy login when the session is for a different account
// and then the fetch for one assignment.
func (a *Agent) runJob(ctx context.Context, job protocol.Job, account string) opDone {
	log := a.logger.With(
		zap.Int64("resource_id", job.ResourceID),
		zap.String("account", job.Credential.Email))
	if job.IsBanned {
		log.Warn("assigned account is likely cooling down, trying anyway")
	}

	if account != job.Credential.Email {
		log.Info("logging in for assignment")
		if err := a.browser.Login(ctx, job.Credential.Email, job.Credential.Password); err != nil {
			var denied *DeniedError
			if errors.As(err, &denied) {
				log.Warn("access denied during login", zap.Int("cooldown_minutes", denied.CooldownMinutes))
				return opDone{
					replies: []protocol.Message{protocol.NewAccountBanned(job.AccountIndex, denied.CooldownMinutes)},
				}
			}
			log.Warn("login failed", zap.Error(err))
			return opDone{
				replies:      []protocol.Message{protocol.NewFailedResult(job.ResourceID, fmt.Sprintf("login: %v", err))},
				countFailure: true,
			}
		}
		account = job.Credential.Email
	}

	html, err := a.browser.Fetch(ctx, job.ResourceID)
	if err != nil {
		var denied *DeniedError
		switch {
		case errors.As(err, &denied):
			log.Warn("access denied during fetch", zap.Int("cooldown_minutes", denied.CooldownMinutes))
			return opDone{
				replies: []protocol.Message{protocol.NewAccountBanned(job.AccountIndex, denied.CooldownMinutes)},
				session: account,
			}
		case errors.Is(err, ErrContentUnavailable):
			log.Info("commentary not posted yet")
			return opDone{
				replies:      []protocol.Message{protocol.NewFailedResult(job.ResourceID, "")},
				countFailure: true,
				session:      account,
			}
		default:
			log.Warn("fetch failed", zap.Error(err))
			return opDone{
				replies:      []protocol.Message{protocol.NewFailedResult(job.ResourceID, err.Error())},
				countFailure: true,
				session:      account,
			}
		}
	}

	c, parsed, err := commentary.Parse(html, job.ResourceID, a.cfg.Selectors)
	if err != nil || !parsed {
		if err != nil {
			log.Warn("commentary page did not parse", zap.Error(err))
		} else {
			log.Info("commentary markup present but empty")
		}
		return opDone{
			replies:      []protocol.Message{protocol.NewFailedResult(job.ResourceID, "")},
			countFailure: true,
			session:      account,
		}
	}

	log.Info("commentary fetched", zap.String("title", c.Title))
	return opDone{
		replies:       []protocol.Message{protocol.NewResult(c.ResourceID, c.Title, c.Body)},
		resetFailures: true,
		session:       account,
	}
}

// runLogin services the pre-assignment login bootstrap.
func (a *Agent) runLogin(ctx context.Context, m protocol.InitializeLogin) opDone {
	log := a.logger.With(zap.String("account", m.Credential.Email))

	err := a.browser.Login(ctx, m.Credential.Email, m.Credential.Password)
	if err == nil {
		log.Info("session established")
		return opDone{
			replies: []protocol.Message{protocol.NewLoginResult(m.AccountIndex, true, false, 0)},
			session: m.Credential.Email,
		}
	}

	var denied *DeniedError
	if errors.As(err, &denied) {
		log.Warn("access denied during login bootstrap", zap.Int("cooldown_minutes", denied.CooldownMinutes))
		return opDone{
			replies: []protocol.Message{protocol.NewLoginResult(m.AccountIndex, false, true, denied.CooldownMinutes)},
		}
	}
	log.Warn("login bootstrap failed", zap.Error(err))
	return opDone{
		replies: []protocol.Message{protocol.NewLoginResult(m.AccountIndex, false, false, 0)},
	}
}

// runRestart rebuilds the browser and re-establishes the session. The
// failure streak resets either way; the fresh browser starts clean.
func (a *Agent) runRestart(ctx context.Context, m protocol.RestartBrowser) opDone {
	log := a.logger.With(zap.String("account", m.Credential.Email))
	log.Info("restarting browser")

	if err := a.browser.Restart(ctx); err != nil {
		log.Error("browser restart failed", zap.Error(err))
		return opDone{
			replies:       []protocol.Message{protocol.NewRestartComplete(m.AccountIndex, false)},
			resetFailures: true,
		}
	}
	if err := a.browser.Login(ctx, m.Credential.Email, m.Credential.Password); err != nil {
		log.Warn("login after restart failed", zap.Error(err))
		return opDone{
			replies:       []protocol.Message{protocol.NewRestartComplete(m.AccountIndex, false)},
			resetFailures: true,
		}
	}
	log.Info("browser restarted")
	return opDone{
		replies:       []protocol.Message{protocol.NewRestartComplete(m.AccountIndex, true)},
		resetFailures: true,
		session:       m.Credential.Email,
	}
}

// closeOnDone closes the socket when ctx ends so blocked reads return.
func closeOnDone(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
