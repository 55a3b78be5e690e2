// Package coordinator implements the job-distribution server. It owns the
// monotonic resource cursor and the worker pool, hands out exactly one fetch
// job at a time cluster-wide, applies the ban cooldowns agents report, and
// fans completed commentary out to the alert sinks.
//
// All pool, cursor, and session state is confined to a single reactor
// goroutine. Connections and the ops surface feed it typed events over a
// channel, so none of the hot state needs a lock.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/commentary-coordinator/internal/accounts"
	"github.com/JakeFAU/commentary-coordinator/internal/alert"
	"github.com/JakeFAU/commentary-coordinator/internal/commentary"
	"github.com/JakeFAU/commentary-coordinator/internal/metrics"
	"github.com/JakeFAU/commentary-coordinator/internal/protocol"
	"github.com/JakeFAU/commentary-coordinator/internal/schedule"
	"github.com/JakeFAU/commentary-coordinator/internal/state"
)

// ErrStopped is returned by queries once the reactor has shut down.
var ErrStopped = errors.New("coordinator stopped")

// ErrUnknownWorker is returned by RequestRestart when the id is not in the
// pool.
var ErrUnknownWorker = errors.New("unknown worker")

// Config tunes the distributor. Zero values fall back to the defaults below.
type Config struct {
	// StartResourceID seeds the cursor when no persisted value exists.
	StartResourceID int64
	// AssignmentInterval is the minimum spacing between job assignments,
	// enforced cluster-wide to stay under the target's ban threshold.
	AssignmentInterval time.Duration
	// InactivityTimeout drops workers that have sent nothing for this long.
	InactivityTimeout time.Duration
	// SweepInterval is how often the inactivity sweep runs.
	SweepInterval time.Duration
	// JobTimeout requeues an assignment that has produced no terminal reply
	// for this long and drops its holder. Negative disables the deadline.
	JobTimeout time.Duration
	// PingInterval paces application-level keepalives to every worker.
	PingInterval time.Duration
	// SessionRefreshInterval forces a periodic browser restart per worker to
	// shed accumulated session state. Negative disables refreshes.
	SessionRefreshInterval time.Duration
	// SessionScanInterval is how often session refreshes are re-evaluated.
	SessionScanInterval time.Duration
	// SlowWorkerThreshold triggers a warning when a worker's recent average
	// processing time exceeds it. Negative disables the warning.
	SlowWorkerThreshold time.Duration
	// AlertTimeout bounds one fan-out to the alert sinks so a slow delivery
	// cannot stall the reactor indefinitely.
	AlertTimeout time.Duration
	// HandshakeTimeout bounds the wait for the register frame on a fresh
	// connection.
	HandshakeTimeout time.Duration
	// SendBuffer is the per-worker outbound queue length.
	SendBuffer int
	// EventBuffer is the reactor inbox length.
	EventBuffer int
}

const (
	defaultStartResourceID    = 44640
	defaultAssignmentInterval = 800 * time.Millisecond
	defaultInactivityTimeout  = 30 * time.Second
	defaultSweepInterval      = 60 * time.Second
	defaultJobTimeout         = 90 * time.Second
	defaultPingInterval       = 5 * time.Second
	defaultSessionRefresh     = 30 * time.Minute
	defaultSessionScan        = 10 * time.Second
	defaultSlowWorker         = 20 * time.Second
	defaultAlertTimeout       = 10 * time.Second
	defaultHandshakeTimeout   = 10 * time.Second
	defaultSendBuffer         = 16
	defaultEventBuffer        = 64

	// durationRingSize bounds the per-worker processing-time history.
	durationRingSize = 10
)

func (c Config) withDefaults() Config {
	if c.StartResourceID <= 0 {
		c.StartResourceID = defaultStartResourceID
	}
	if c.AssignmentInterval <= 0 {
		c.AssignmentInterval = defaultAssignmentInterval
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaultInactivityTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = defaultJobTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.SessionRefreshInterval == 0 {
		c.SessionRefreshInterval = defaultSessionRefresh
	}
	if c.SessionScanInterval <= 0 {
		c.SessionScanInterval = defaultSessionScan
	}
	if c.SlowWorkerThreshold == 0 {
		c.SlowWorkerThreshold = defaultSlowWorker
	}
	if c.AlertTimeout <= 0 {
		c.AlertTimeout = defaultAlertTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	return c
}

// Clock supplies the current time so pacing and expiry are testable.
type Clock interface {
	Now() time.Time
}

// Deps are the collaborators the coordinator drives. Accounts, State, and
// Clock are required. A nil Alerts falls back to an empty fan-out and a nil
// Market disables the trading-window gate.
type Deps struct {
	Accounts *accounts.Manager
	State    state.CursorStore
	Alerts   alert.Sink
	Market   *schedule.Market
	Clock    Clock
	Logger   *zap.Logger
}

func (d Deps) validate() error {
	if d.Accounts == nil {
		return errors.New("accounts manager is required")
	}
	if d.State == nil {
		return errors.New("cursor store is required")
	}
	if d.Clock == nil {
		return errors.New("clock is required")
	}
	return nil
}

// coordEvent is one unit of work for the reactor goroutine.
type coordEvent interface{ isEvent() }

type connectEvent struct{ link *wsLink }

type disconnectEvent struct {
	link   *wsLink
	reason string
}

type messageEvent struct {
	link *wsLink
	msg  protocol.Message
}

type statusQuery struct{ reply chan Status }

type accountsQuery struct{ reply chan []accounts.View }

type restartRequest struct {
	workerID string
	reply    chan error
}

func (connectEvent) isEvent()    {}
func (disconnectEvent) isEvent() {}
func (messageEvent) isEvent()    {}
func (statusQuery) isEvent()     {}
func (accountsQuery) isEvent()   {}
func (restartRequest) isEvent()  {}

// sessionPhase tracks the login-bootstrap gate per worker. Jobs flow only in
// phaseReady; the gated phases wait on a control ack from the agent.
type sessionPhase string

const (
	phaseLoggingIn  sessionPhase = "logging_in"
	phaseRestarting sessionPhase = "restarting"
	phaseReady      sessionPhase = "ready"
)

// worker is the reactor's bookkeeping for one connected agent. Only the
// reactor goroutine touches it.
type worker struct {
	id      string
	link    *wsLink
	ordinal int

	status protocol.Status
	phase  sessionPhase

	joined       time.Time
	lastSeen     time.Time
	sessionStart time.Time
	accountIndex int

	durations []time.Duration
}

// recordDuration keeps the last durationRingSize processing times.
func (w *worker) recordDuration(d time.Duration) {
	if len(w.durations) == durationRingSize {
		copy(w.durations, w.durations[1:])
		w.durations[durationRingSize-1] = d
		return
	}
	w.durations = append(w.durations, d)
}

// averageDuration is the mean of the recorded processing times.
func (w *worker) averageDuration() time.Duration {
	if len(w.durations) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range w.durations {
		sum += d
	}
	return sum / time.Duration(len(w.durations))
}

// inflightJob is the single outstanding assignment.
type inflightJob struct {
	workerID     string
	resourceID   int64
	accountIndex int
	assignedAt   time.Time
}

// Coordinator owns the cursor and worker pool. Create one with New, serve
// agent connections through Handler, and drive it with Run.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	events   chan coordEvent
	stopCh   chan struct{}
	stopOnce sync.Once

	// Reactor-owned state below; never touched outside Run's goroutine.
	workers  map[string]*worker
	pool     []*worker // sorted by join time; index == ordinal
	inflight *inflightJob
	nextID   int64
	rr       int

	limiter *rate.Limiter

	assignTimer    *time.Timer
	assignActive   bool
	assignDeadline time.Time
}

// New validates deps, applies config defaults, and builds a coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.NewMulti()
	}

	timer := time.NewTimer(cfg.AssignmentInterval)
	timer.Stop()

	return &Coordinator{
		cfg:         cfg,
		deps:        deps,
		logger:      deps.Logger,
		events:      make(chan coordEvent, cfg.EventBuffer),
		stopCh:      make(chan struct{}),
		workers:     make(map[string]*worker),
		limiter:     rate.NewLimiter(rate.Every(cfg.AssignmentInterval), 1),
		assignTimer: timer,
	}, nil
}

// Run executes the reactor loop until ctx is canceled. It loads the persisted
// cursor first; a missing record seeds from Config.StartResourceID.
func (c *Coordinator) Run(ctx context.Context) error {
	cursor, err := c.deps.State.LoadCursor(ctx)
	switch {
	case errors.Is(err, state.ErrNotFound):
		cursor = c.cfg.StartResourceID
		c.logger.Info("no persisted cursor, seeding",
			zap.Int64("next_resource_id", cursor))
	case err != nil:
		return fmt.Errorf("load cursor: %w", err)
	default:
		c.logger.Info("resuming from persisted cursor",
			zap.Int64("next_resource_id", cursor))
	}
	c.nextID = cursor
	metrics.SetNextResourceID(cursor)

	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer pingTicker.Stop()
	sweepTicker := time.NewTicker(c.cfg.SweepInterval)
	defer sweepTicker.Stop()
	sessionTicker := time.NewTicker(c.cfg.SessionScanInterval)
	defer sessionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case evt := <-c.events:
			c.handleEvent(ctx, evt)
		case <-c.assignTimer.C:
			c.assignActive = false
			c.distribute(ctx)
		case <-pingTicker.C:
			c.broadcastPing()
		case <-sessionTicker.C:
			c.manageSessions(ctx)
		case <-sweepTicker.C:
			c.sweep()
		}
	}
}

func (c *Coordinator) shutdown() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	for _, w := range c.pool {
		w.link.close()
	}
	c.workers = make(map[string]*worker)
	c.pool = nil
	metrics.SetConnectedWorkers(0)
	c.logger.Info("coordinator stopped")
}

// post delivers an event from an API caller, honoring its context.
func (c *Coordinator) post(ctx context.Context, evt coordEvent) error {
	select {
	case c.events <- evt:
		return nil
	case <-c.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postEvent is the pump-side variant; it gives up once the reactor stops.
func (c *Coordinator) postEvent(evt coordEvent) bool {
	select {
	case c.events <- evt:
		return true
	case <-c.stopCh:
		return false
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, evt coordEvent) {
	switch e := evt.(type) {
	case connectEvent:
		c.handleConnect(ctx, e)
	case disconnectEvent:
		c.handleDisconnect(e)
	case messageEvent:
		c.handleMessage(ctx, e)
	case statusQuery:
		e.reply <- c.snapshot()
	case accountsQuery:
		e.reply <- c.deps.Accounts.Snapshot()
	case restartRequest:
		e.reply <- c.restartWorker(ctx, e.workerID)
	}
}

func (c *Coordinator) handleConnect(ctx context.Context, evt connectEvent) {
	id := evt.link.workerID
	if old, ok := c.workers[id]; ok {
		// A reconnect raced the sweep; the newest connection wins.
		c.logger.Warn("replacing connection for registered worker",
			zap.String("worker_id", id))
		c.releaseJobHeldBy(id, "connection replaced")
		c.removeWorker(old)
	}

	now := c.deps.Clock.Now()
	w := &worker{
		id:           id,
		link:         evt.link,
		status:       protocol.StatusAvailable,
		phase:        phaseLoggingIn,
		joined:       now,
		lastSeen:     now,
		accountIndex: -1,
	}
	c.workers[id] = w
	c.rebuildPool()

	if !c.trySend(w, protocol.NewRegistrationAck(id)) {
		return
	}
	c.logger.Info("worker registered",
		zap.String("worker_id", id),
		zap.Int("pool_size", len(c.pool)))
	c.bootstrapLogin(ctx, w)
}

func (c *Coordinator) handleDisconnect(evt disconnectEvent) {
	w, ok := c.workers[evt.link.workerID]
	if !ok || w.link != evt.link {
		return // already removed or replaced
	}
	c.logger.Info("worker disconnected",
		zap.String("worker_id", w.id),
		zap.String("reason", evt.reason))
	c.releaseJobHeldBy(w.id, "worker disconnected")
	c.removeWorker(w)
}

func (c *Coordinator) handleMessage(ctx context.Context, evt messageEvent) {
	w, ok := c.workers[evt.link.workerID]
	if !ok || w.link != evt.link {
		return
	}
	w.lastSeen = c.deps.Clock.Now()

	switch m := evt.msg.(type) {
	case protocol.StatusUpdate:
		c.handleStatusUpdate(w, m)
	case protocol.Result:
		c.handleResult(ctx, w, m)
	case protocol.AccountBanned:
		c.handleAccountBanned(ctx, w, m)
	case protocol.LoginResult:
		c.handleLoginResult(ctx, w, m)
	case protocol.RestartComplete:
		c.handleRestartComplete(w, m)
	case protocol.Ping:
		c.trySend(w, protocol.NewPong())
	case protocol.Pong:
		// lastSeen refresh is the whole point.
	default:
		c.logger.Warn("ignoring unexpected message",
			zap.String("worker_id", w.id),
			zap.String("message_type", string(evt.msg.Kind())))
	}
}

func (c *Coordinator) handleStatusUpdate(w *worker, m protocol.StatusUpdate) {
	prev := w.status
	w.status = m.Status
	if m.Status != protocol.StatusAvailable {
		return
	}
	if c.inflight != nil && c.inflight.workerID == w.id {
		// The agent considers itself free, so the job's outcome was lost in
		// transit. Requeue the id rather than wait on it forever.
		c.releaseJobHeldBy(w.id, "worker reported available mid-job")
		return
	}
	if prev != protocol.StatusAvailable {
		c.scheduleAssign(0)
	}
}

func (c *Coordinator) handleResult(ctx context.Context, w *worker, m protocol.Result) {
	if c.inflight == nil || c.inflight.workerID != w.id || c.inflight.resourceID != m.ResourceID {
		c.logger.Warn("ignoring result for unassigned job",
			zap.String("worker_id", w.id),
			zap.Int64("resource_id", m.ResourceID))
		return
	}

	duration := c.deps.Clock.Now().Sub(c.inflight.assignedAt)
	c.clearInflight()
	w.status = protocol.StatusAvailable
	w.recordDuration(duration)
	if avg := w.averageDuration(); c.cfg.SlowWorkerThreshold > 0 && avg > c.cfg.SlowWorkerThreshold {
		c.logger.Warn("worker is processing slowly",
			zap.String("worker_id", w.id),
			zap.Duration("recent_average", avg))
	}

	if !m.Success || m.Title == "" || m.Body == "" {
		outcome := "no_content"
		if m.Error != "" {
			outcome = "failed"
		}
		metrics.ObserveResult(outcome, duration)
		c.logger.Info("commentary not ready, will retry",
			zap.Int64("resource_id", m.ResourceID),
			zap.String("outcome", outcome),
			zap.String("error", m.Error))
		c.scheduleAssign(0)
		return
	}

	c.publish(ctx, m, duration)
	c.scheduleAssign(0)
}

// publish advances the cursor past a fetched id, persists it, then fans the
// alert out. Persisting before notifying keeps a restart from re-alerting an
// id that was already delivered.
func (c *Coordinator) publish(ctx context.Context, m protocol.Result, duration time.Duration) {
	ticker, action := commentary.ExtractTicker(m.Title, m.Body)

	if m.ResourceID >= c.nextID {
		c.nextID = m.ResourceID + 1
		metrics.SetNextResourceID(c.nextID)
		if err := c.deps.State.SaveCursor(ctx, c.nextID); err != nil {
			c.logger.Error("persist cursor failed",
				zap.Int64("next_resource_id", c.nextID),
				zap.Error(err))
		}
	}

	a := alert.Alert{
		ResourceID: m.ResourceID,
		Title:      m.Title,
		Body:       m.Body,
		Ticker:     ticker,
		Action:     action,
		FetchedAt:  c.deps.Clock.Now(),
	}
	alertCtx, cancel := context.WithTimeout(ctx, c.cfg.AlertTimeout)
	defer cancel()
	if err := c.deps.Alerts.Consume(alertCtx, a); err != nil {
		c.logger.Warn("alert delivery failed",
			zap.Int64("resource_id", m.ResourceID),
			zap.Error(err))
	}

	metrics.ObserveResult("published", duration)
	c.logger.Info("commentary published",
		zap.Int64("resource_id", m.ResourceID),
		zap.String("ticker", ticker),
		zap.String("action", action),
		zap.Duration("duration", duration))
}

func (c *Coordinator) handleAccountBanned(ctx context.Context, w *worker, m protocol.AccountBanned) {
	st, err := c.deps.Accounts.MarkBanned(ctx, m.AccountIndex, m.CooldownMinutes)
	if err != nil {
		c.logger.Error("recording ban failed",
			zap.String("worker_id", w.id),
			zap.Int("account_index", m.AccountIndex),
			zap.Error(err))
	} else {
		metrics.ObserveAccountBan()
		c.logger.Warn("worker reported account ban",
			zap.String("worker_id", w.id),
			zap.Int("account_index", m.AccountIndex),
			zap.Time("banned_until", st.BannedUntil))
	}

	w.status = protocol.StatusAvailable
	if c.inflight != nil && c.inflight.workerID == w.id {
		metrics.ObserveResult("banned", c.deps.Clock.Now().Sub(c.inflight.assignedAt))
		c.releaseJobHeldBy(w.id, "account banned")
	}
}

func (c *Coordinator) handleLoginResult(ctx context.Context, w *worker, m protocol.LoginResult) {
	switch {
	case m.Success:
		w.phase = phaseReady
		w.sessionStart = c.deps.Clock.Now()
		w.accountIndex = m.AccountIndex
		c.logger.Info("worker session ready",
			zap.String("worker_id", w.id),
			zap.Int("account_index", m.AccountIndex))
		c.scheduleAssign(0)
	case m.Denied:
		if _, err := c.deps.Accounts.MarkBanned(ctx, m.AccountIndex, m.CooldownMinutes); err != nil {
			c.logger.Error("recording ban failed",
				zap.String("worker_id", w.id),
				zap.Int("account_index", m.AccountIndex),
				zap.Error(err))
		} else {
			metrics.ObserveAccountBan()
		}
		c.logger.Warn("login denied, rotating account",
			zap.String("worker_id", w.id),
			zap.Int("account_index", m.AccountIndex))
		c.bootstrapLogin(ctx, w)
	default:
		// Authentication failure is not a ban. Drop the gate; every job
		// carries a credential, so the agent retries login on assignment.
		w.phase = phaseReady
		w.accountIndex = -1
		c.logger.Warn("worker login failed",
			zap.String("worker_id", w.id),
			zap.Int("account_index", m.AccountIndex))
		c.scheduleAssign(0)
	}
}

func (c *Coordinator) handleRestartComplete(w *worker, m protocol.RestartComplete) {
	// Re-stamp the session either way so a failing agent is not restarted in
	// a tight loop.
	w.phase = phaseReady
	w.sessionStart = c.deps.Clock.Now()
	if m.Success {
		w.accountIndex = m.AccountIndex
		c.logger.Info("worker browser restarted",
			zap.String("worker_id", w.id),
			zap.Int("account_index", m.AccountIndex))
	} else {
		w.accountIndex = -1
		c.logger.Warn("browser restart failed, continuing without a session",
			zap.String("worker_id", w.id))
	}
	c.scheduleAssign(0)
}

// bootstrapLogin starts the login gate for a worker so its session is warm
// before the first assignment. With no selectable partition account the gate
// is skipped; the first job retries login lazily.
func (c *Coordinator) bootstrapLogin(ctx context.Context, w *worker) {
	sel := c.deps.Accounts.AccountFor(ctx, w.ordinal, len(c.pool))
	if sel.IsBanned {
		w.phase = phaseReady
		c.logger.Info("skipping login bootstrap, partition cooling down",
			zap.String("worker_id", w.id),
			zap.Time("soonest_expiry", sel.Status.BannedUntil))
		c.scheduleAssign(0)
		return
	}
	w.phase = phaseLoggingIn
	w.accountIndex = sel.Index
	if !c.trySend(w, protocol.NewInitializeLogin(sel.Index, wireCredential(sel.Credential))) {
		return
	}
	c.logger.Info("login bootstrap started",
		zap.String("worker_id", w.id),
		zap.Int("account_index", sel.Index))
}

// distribute hands the next resource id to one ready worker. It is entered
// only from the assignment timer; every trigger goes through scheduleAssign,
// so the loop idles instead of polling.
func (c *Coordinator) distribute(ctx context.Context) {
	if c.inflight != nil {
		return
	}
	if len(c.pool) == 0 {
		if c.deps.Accounts.AllBanned() {
			c.logger.Error("no usable capacity: every account is banned and no workers are connected; waiting for cooldowns and registrations")
		}
		return
	}
	if c.deps.Market != nil {
		if wait := c.deps.Market.UntilTradable(); wait > 0 {
			c.scheduleAssign(wait)
			return
		}
	}

	n := len(c.pool)
	var soonest time.Time
	sawEligible := false
	for i := 0; i < n; i++ {
		w := c.pool[(c.rr+i)%n]
		if w.status != protocol.StatusAvailable || w.phase != phaseReady {
			continue
		}
		sawEligible = true
		sel := c.deps.Accounts.AccountFor(ctx, w.ordinal, n)
		if sel.IsBanned {
			// Partition cooling down; note when it frees up and try the
			// next worker.
			if soonest.IsZero() || sel.Status.BannedUntil.Before(soonest) {
				soonest = sel.Status.BannedUntil
			}
			continue
		}

		res := c.limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			c.scheduleAssign(delay)
			return
		}
		c.assign(w, sel)
		c.rr = ((c.rr+i)%n + 1) % n
		return
	}

	if sawEligible && !soonest.IsZero() {
		wait := soonest.Sub(c.deps.Clock.Now())
		if wait < time.Second {
			wait = time.Second
		}
		c.logger.Info("every reachable account is cooling down",
			zap.Time("resume_at", soonest),
			zap.Duration("wait", wait))
		c.scheduleAssign(wait)
	}
	// With no eligible worker at all, the next status update, login result,
	// or registration re-arms distribution.
}

func (c *Coordinator) assign(w *worker, sel accounts.Selection) {
	job := protocol.NewJob(c.nextID, sel.Index, wireCredential(sel.Credential), sel.IsBanned)
	if !c.trySend(w, job) {
		return
	}
	c.inflight = &inflightJob{
		workerID:     w.id,
		resourceID:   c.nextID,
		accountIndex: sel.Index,
		assignedAt:   c.deps.Clock.Now(),
	}
	w.status = protocol.StatusBusy
	w.accountIndex = sel.Index
	metrics.ObserveAssignment()
	metrics.SetJobInFlight(true)
	c.logger.Info("job assigned",
		zap.Int64("resource_id", c.nextID),
		zap.String("worker_id", w.id),
		zap.Int("account_index", sel.Index))
}

// manageSessions rotates browser sessions older than the refresh interval.
// The worker holding the in-flight job is skipped and caught on a later scan.
func (c *Coordinator) manageSessions(ctx context.Context) {
	if c.cfg.SessionRefreshInterval <= 0 {
		return
	}
	now := c.deps.Clock.Now()
	for _, w := range append([]*worker(nil), c.pool...) {
		if w.phase != phaseReady || w.sessionStart.IsZero() {
			continue
		}
		if now.Sub(w.sessionStart) < c.cfg.SessionRefreshInterval {
			continue
		}
		if c.inflight != nil && c.inflight.workerID == w.id {
			continue
		}
		if err := c.startRestart(ctx, w, "session refresh"); err != nil {
			c.logger.Debug("session refresh deferred",
				zap.String("worker_id", w.id),
				zap.Error(err))
		}
	}
}

// startRestart tears down a worker's browser session and re-enters the login
// gate with a freshly selected account.
func (c *Coordinator) startRestart(ctx context.Context, w *worker, reason string) error {
	sel := c.deps.Accounts.AccountFor(ctx, w.ordinal, len(c.pool))
	if sel.IsBanned {
		return fmt.Errorf("no selectable account for worker %s", w.id)
	}
	w.phase = phaseRestarting
	w.accountIndex = sel.Index
	if !c.trySend(w, protocol.NewRestartBrowser(sel.Index, wireCredential(sel.Credential))) {
		return fmt.Errorf("send restart to worker %s failed", w.id)
	}
	c.logger.Info("browser restart requested",
		zap.String("worker_id", w.id),
		zap.Int("account_index", sel.Index),
		zap.String("reason", reason))
	return nil
}

// restartWorker services an operator restart from the admin surface. A job
// held by the worker is requeued first, so a wedged fetch cannot block the
// restart.
func (c *Coordinator) restartWorker(ctx context.Context, workerID string) error {
	w, ok := c.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %q: %w", workerID, ErrUnknownWorker)
	}
	c.releaseJobHeldBy(workerID, "operator restart")
	w.status = protocol.StatusAvailable
	return c.startRestart(ctx, w, "operator request")
}

// sweep drops workers that have gone silent past the inactivity timeout and
// requeues any job in flight past the job deadline. Ping traffic refreshes
// lastSeen, so a worker whose loop keeps answering keepalives while its
// terminal reply was lost is only ever caught by the second check.
func (c *Coordinator) sweep() {
	now := c.deps.Clock.Now()
	for _, w := range append([]*worker(nil), c.pool...) {
		idle := now.Sub(w.lastSeen)
		if idle <= c.cfg.InactivityTimeout {
			continue
		}
		c.logger.Warn("dropping inactive worker",
			zap.String("worker_id", w.id),
			zap.Duration("idle", idle))
		c.releaseJobHeldBy(w.id, "inactivity timeout")
		c.removeWorker(w)
	}

	if c.cfg.JobTimeout <= 0 || c.inflight == nil {
		return
	}
	if age := now.Sub(c.inflight.assignedAt); age > c.cfg.JobTimeout {
		holder, ok := c.workers[c.inflight.workerID]
		c.logger.Warn("dropping worker past the job deadline",
			zap.String("worker_id", c.inflight.workerID),
			zap.Duration("age", age))
		c.releaseJobHeldBy(c.inflight.workerID, "job deadline exceeded")
		if ok {
			c.removeWorker(holder)
		}
	}
}

func (c *Coordinator) broadcastPing() {
	for _, w := range append([]*worker(nil), c.pool...) {
		c.trySend(w, protocol.NewPing())
	}
}

// releaseJobHeldBy requeues the in-flight id when its holder resolves or goes
// away. The id is never skipped: the next assignment re-offers it.
func (c *Coordinator) releaseJobHeldBy(workerID, reason string) {
	if c.inflight == nil || c.inflight.workerID != workerID {
		return
	}
	c.logger.Warn("requeuing in-flight job",
		zap.Int64("resource_id", c.inflight.resourceID),
		zap.String("worker_id", workerID),
		zap.String("reason", reason))
	c.clearInflight()
	c.scheduleAssign(0)
}

func (c *Coordinator) clearInflight() {
	c.inflight = nil
	metrics.SetJobInFlight(false)
}

// removeWorker detaches a worker and recomputes ordinals. Callers release
// any job it holds first.
func (c *Coordinator) removeWorker(w *worker) {
	w.link.close()
	delete(c.workers, w.id)
	c.rebuildPool()
}

// rebuildPool recomputes ordinals from join order so account partitioning
// stays stable while the pool is.
func (c *Coordinator) rebuildPool() {
	pool := make([]*worker, 0, len(c.workers))
	for _, w := range c.workers {
		pool = append(pool, w)
	}
	sort.Slice(pool, func(i, j int) bool {
		if !pool[i].joined.Equal(pool[j].joined) {
			return pool[i].joined.Before(pool[j].joined)
		}
		return pool[i].id < pool[j].id
	})
	for i, w := range pool {
		w.ordinal = i
	}
	c.pool = pool
	metrics.SetConnectedWorkers(len(pool))
}

// trySend queues a message for a worker without blocking the reactor. A full
// queue means the link has stalled; the worker is dropped and its job, if
// any, requeued.
func (c *Coordinator) trySend(w *worker, msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("encode outbound message failed",
			zap.String("worker_id", w.id),
			zap.String("message_type", string(msg.Kind())),
			zap.Error(err))
		return false
	}
	if w.link.enqueue(data) {
		return true
	}
	c.logger.Warn("worker send queue full, dropping connection",
		zap.String("worker_id", w.id))
	c.releaseJobHeldBy(w.id, "send queue full")
	c.removeWorker(w)
	return false
}

// scheduleAssign arms the distribution timer for now+d, keeping the earlier
// deadline when one is already pending.
func (c *Coordinator) scheduleAssign(d time.Duration) {
	if d < 0 {
		d = 0
	}
	deadline := c.deps.Clock.Now().Add(d)
	if c.assignActive && !deadline.Before(c.assignDeadline) {
		return
	}
	c.assignDeadline = deadline
	if c.assignActive {
		if !c.assignTimer.Stop() {
			select {
			case <-c.assignTimer.C:
			default:
			}
		}
	}
	c.assignTimer.Reset(d)
	c.assignActive = true
}

func wireCredential(cred commentary.Credential) protocol.Credential {
	return protocol.Credential{Email: cred.Email, Password: cred.Password}
}
