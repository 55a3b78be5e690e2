package agent_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/commentary-coordinator/internal/agent"
	"github.com/JakeFAU/commentary-coordinator/internal/protocol"
)

const waitFor = 2 * time.Second

const samplePage = `<html><body><div id="cdate-most-recent"><article><div>` +
	`<h2>Time to Buy This Dip</h2>` +
	`<p>We are adding shares of Nvidia (NVDA) to the portfolio today.</p>` +
	`</div></article></div></body></html>`

var cred = protocol.Credential{Email: "a@example.com", Password: "hunter2"}

func TestLazyLoginThenFetch(t *testing.T) {
	stub := newCoordStub(t)
	fake := newFakeBrowser()
	fake.setPage(100, samplePage)
	startAgent(t, agentConfig(stub), fake, zap.NewNop())

	sc := stub.acceptReady()
	sc.send(protocol.NewJob(100, 0, cred, false))

	sc.expectStatus(protocol.StatusLoggingIn)
	res := sc.expectResult()
	assert.True(t, res.Success)
	assert.Equal(t, int64(100), res.ResourceID)
	assert.Equal(t, "Time to Buy This Dip", res.Title)
	assert.Equal(t, "We are adding shares of Nvidia (NVDA) to the portfolio today.", res.Body)
	assert.Equal(t, []string{"a@example.com"}, fake.loginCalls())
}

// TestSessionAffinitySkipsRepeatLogin sends two jobs for the same account and
// expects a single login: the second job goes straight to the fetch.
func TestSessionAffinitySkipsRepeatLogin(t *testing.T) {
	stub := newCoordStub(t)
	fake := newFakeBrowser()
	fake.setPage(100, samplePage)
	fake.setPage(101, samplePage)
	startAgent(t, agentConfig(stub), fake, zap.NewNop())

	sc := stub.acceptReady()
	sc.send(protocol.NewJob(100, 0, cred, false))
	sc.expectStatus(protocol.StatusLoggingIn)
	_ = sc.expectResult()

	sc.send(protocol.NewJob(101, 0, cred, false))
	res := sc.expectResult()
	assert.Equal(t, int64(101), res.ResourceID)
	assert.Equal(t, []string{"a@example.com"}, fake.loginCalls())
}

func TestDenyDuringLoginReportsBanWithoutFetching(t *testing.T) {
	stub := newCoordStub(t)
	fake := newFakeBrowser()
	fake.setLoginErr(cred.Email, &agent.DeniedError{CooldownMinutes: 7})
	startAgent(t, agentConfig(stub), fake, zap.NewNop())

	sc := stub.acceptReady()
	sc.send(protocol.NewJob(100, 2, cred, false))

	sc.expectStatus(protocol.StatusLoggingIn)
	ban := sc.expectBan()
	assert.Equal(t, 2, ban.AccountIndex)
	assert.Equal(t, 7, ban.CooldownMinutes)
	assert.Empty(t, fake.fetchCalls())
}

// TestAuthFailureReportsFailedResult distinguishes a login that simply did
// not work from the deny page: the job fails, the account is not reported
// banned.
func TestAuthFailureReportsFailedResult(t *testing.T) {
	stub := newCoordStub(t)
	fake := newFakeBrowser()
	fake.setLoginErr(cred.Email, errors.New("password rejected"))
	startAgent(t, agentConfig(stub), fake, zap.NewNop())

	sc := stub.acceptReady()
	sc.send(protocol.NewJob(100, 0, cred, false))

	sc.expectStatus(protocol.StatusLoggingIn)
	res := sc.expectResult()
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "password rejected")
	assert.Empty(t, fake.fetchCalls())
}

func TestContentNotPostedReportsPlainFailure(t *testing.T) {
	stub := newCoordStub(t)
	fake := newFakeBrowser()
	startAgent(t, agentConfig(stub), fake, zap.NewNop())

	sc := stub.acceptReady()
	sc.send(protocol.NewJob(100, 0, cred, false))

	sc.expectStatus(protocol.StatusLoggingIn)
	res := sc.expectResult()
	assert.False(t, res.Success)
	assert.Empty(t, res.Error)
}

// TestDenyDuringFetchKeepsSession reports the ban but keeps the
// authenticated session, so the next job for the same account skips login.
func TestDenyDuringFetchKeepsSession(t *testing.T) {
	stub := newCoordStub(t)
	fake := newFakeBrowser()
	fake.setFetchErr(&agent.DeniedError{CooldownMinutes: 25})
	startAgent(t, agentConfig(stub), fake, zap.NewNop())

	sc := stub.acceptReady()
	sc.send(protocol.NewJob(100, 0, cred, false))
	sc.expectStatus(protocol.StatusLoggingIn)
	ban := sc.expectBan()
	assert.Equal(t, 25, ban.CooldownMinutes)

	fake.setFetchErr(nil)
	fake.setPage(100, samplePage)
	sc.send(protocol.NewJob(100, 0, cred, false))
	res := sc.expectResult()
	assert.True(t, res.Success)
	assert.Equal(t, []string{"a@example.com"}, fake.loginCalls())
}

func TestInitializeLoginOutcomes(t *testing.T) {
	stub := newCoordStub(t)
	fake := newFakeBrowser()
	fake.setLoginErr("banned@example.com", &agent.DeniedError{CooldownMinutes: 40})
	fake.setLoginErr("broken@example.com", errors.New("form did not submit"))
	startAgent(t, agentConfig(stub), fake, zap.NewNop())

	sc := stub.acceptReady()

	sc.send(protocol.NewInitializeLogin(0, cred))
	lr := sc.expectLoginResult()
	assert.True(t, lr.Success)
	assert.Equal(t, 0, lr.AccountIndex)

	sc.send(protocol.NewInitializeLogin(1, protocol.Credential{Email: "banned@example.com", Password: "pw"}))
	lr = sc.expectLoginResult()
	assert.False(t, lr.Success)
	assert.True(t, lr.Denied)
	assert.Equal(t, 40, lr.CooldownMinutes)

	sc.send(protocol.NewInitializeLogin(2, protocol.Credential{Email: "broken@example.com", Password: "pw"}))
	lr = sc.expectLoginResult()
	assert.False(t, lr.Success)
	assert.False(t, lr.Denied)
}

func TestRestartBrowserRebuildsSession(t *testing.T) {
	stub := newCoordStub(t)
	fake := newFakeBrowser()
	startAgent(t, agentConfig(stub), fake, zap.NewNop())

	sc := stub.acceptReady()
	sc.send(protocol.NewRestartBrowser(0, cred))
	rc := sc.expectRestartComplete()
	assert.True(t, rc.Success)
	assert.Equal(t, 1, fake.restartCount())
	assert.Equal(t, []string{"a@example.com"}, fake.loginCalls())

	fake.setRestartErr(errors.New("chrome did not come back"))
	sc.send(protocol.NewRestartBrowser(0, cred))
	rc = sc.expectRestartComplete()
	assert.False(t, rc.Success)
}

// TestAnswersPingMidFetch is the offloading contract: keepalives are served
// while a browser call blocks.
func TestAnswersPingMidFetch(t *testing.T) {
	stub := newCoordStub(t)
	fake := newFakeBrowser()
	fake.fetchStarted = make(chan struct{})
	fake.fetchGate = make(chan struct{})
	fake.setPage(100, samplePage)
	startAgent(t, agentConfig(stub), fake, zap.NewNop())

	sc := stub.acceptReady()
	sc.send(protocol.NewJob(100, 0, cred, false))
	sc.expectStatus(protocol.StatusLoggingIn)

	waitClosed(t, fake.fetchStarted, "fetch never started")
	sc.send(protocol.NewPing())
	sc.expectPong()

	close(fake.fetchGate)
	res := sc.expectResult()
	assert.True(t, res.Success)
}

// TestQueuesOverlappingRequestBehindJob parks a restart that arrives while a
// fetch is in flight and runs it after the job resolves.
func TestQueuesOverlappingRequestBehindJob(t *testing.T) {
	stub := newCoordStub(t)
	fake := newFakeBrowser()
	fake.fetchStarted = make(chan struct{})
	fake.fetchGate = make(chan struct{})
	fake.setPage(100, samplePage)
	startAgent(t, agentConfig(stub), fake, zap.NewNop())

	sc := stub.acceptReady()
	sc.send(protocol.NewJob(100, 0, cred, false))
	sc.expectStatus(protocol.StatusLoggingIn)
	waitClosed(t, fake.fetchStarted, "fetch never started")

	sc.send(protocol.NewRestartBrowser(0, cred))
	close(fake.fetchGate)

	res := sc.expectResult()
	assert.True(t, res.Success)
	rc := sc.expectRestartComplete()
	assert.True(t, rc.Success)
}

func TestRedialsAfterServerDrop(t *testing.T) {
	stub := newCoordStub(t)
	fake := newFakeBrowser()
	startAgent(t, agentConfig(stub), fake, zap.NewNop())

	sc := stub.acceptReady()
	_ = sc.conn.Close()

	sc2 := stub.acceptReady()
	assert.Equal(t, "w1", sc2.workerID)
}

func TestRedialsWhenCoordinatorGoesSilent(t *testing.T) {
	stub := newCoordStub(t)
	fake := newFakeBrowser()
	cfg := agentConfig(stub)
	cfg.PongTimeout = 60 * time.Millisecond
	startAgent(t, cfg, fake, zap.NewNop())

	_ = stub.acceptReady()

	// No pings arrive; the watchdog drops the link and the agent redials.
	sc2 := stub.acceptReady()
	assert.Equal(t, "w1", sc2.workerID)
}

// TestWarnsAfterConsecutiveFailures expects the operational alert at the
// threshold and no browser restart: recovery stays with the operator.
func TestWarnsAfterConsecutiveFailures(t *testing.T) {
	stub := newCoordStub(t)
	fake := newFakeBrowser()
	core, logs := observer.New(zap.WarnLevel)
	startAgent(t, agentConfig(stub), fake, zap.New(core))

	sc := stub.acceptReady()
	for i := 0; i < 3; i++ {
		sc.send(protocol.NewJob(int64(100+i), 0, cred, false))
		if i == 0 {
			sc.expectStatus(protocol.StatusLoggingIn)
		}
		res := sc.expectResult()
		require.False(t, res.Success)
	}

	entries := logs.FilterMessage("consecutive fetch failures at threshold, browser may need attention").All()
	require.Len(t, entries, 1)
	assert.Equal(t, 0, fake.restartCount())

	// A success clears the streak and the agent keeps serving.
	fake.setPage(200, samplePage)
	sc.send(protocol.NewJob(200, 0, cred, false))
	res := sc.expectResult()
	assert.True(t, res.Success)
}

// --- harness ---

func agentConfig(stub *coordStub) agent.Config {
	return agent.Config{
		WorkerID:               "w1",
		CoordinatorURL:         stub.url(),
		MaxConsecutiveFailures: 3,
		ReconnectBackoff:       10 * time.Millisecond,
		ReconnectBackoffMax:    50 * time.Millisecond,
		PongTimeout:            time.Hour,
	}
}

func startAgent(t *testing.T, cfg agent.Config, browser agent.Browser, logger *zap.Logger) {
	t.Helper()

	a, err := agent.New(cfg, browser, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Error("agent did not stop")
		}
	})
}

func waitClosed(t *testing.T, ch chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatal(msg)
	}
}

// coordStub accepts agent connections, acks registrations, and hands each
// connection to the test for scripting.
type coordStub struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *stubConn
}

type stubConn struct {
	t        *testing.T
	conn     *websocket.Conn
	in       chan protocol.Message
	workerID string
}

func newCoordStub(t *testing.T) *coordStub {
	t.Helper()

	s := &coordStub{t: t, conns: make(chan *stubConn, 4)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			_ = conn.Close()
			return
		}
		reg, ok := msg.(protocol.Register)
		if !ok {
			_ = conn.Close()
			return
		}
		ack, err := protocol.Encode(protocol.NewRegistrationAck(reg.WorkerID))
		if err != nil {
			_ = conn.Close()
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
			_ = conn.Close()
			return
		}

		sc := &stubConn{t: t, conn: conn, in: make(chan protocol.Message, 32), workerID: reg.WorkerID}
		go sc.readLoop()
		s.conns <- sc
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *coordStub) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *coordStub) accept() *stubConn {
	s.t.Helper()
	select {
	case sc := <-s.conns:
		return sc
	case <-time.After(waitFor):
		s.t.Fatal("timed out waiting for an agent connection")
		return nil
	}
}

// acceptReady takes the next agent connection and consumes its hello.
func (s *coordStub) acceptReady() *stubConn {
	s.t.Helper()
	sc := s.accept()
	sc.expectStatus(protocol.StatusAvailable)
	return sc
}

func (sc *stubConn) readLoop() {
	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			close(sc.in)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		sc.in <- msg
	}
}

func (sc *stubConn) send(msg protocol.Message) {
	sc.t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(sc.t, err)
	require.NoError(sc.t, sc.conn.WriteMessage(websocket.TextMessage, data))
}

// next returns the next message from the agent that is not a keepalive.
func (sc *stubConn) next() protocol.Message {
	sc.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case msg, ok := <-sc.in:
			if !ok {
				sc.t.Fatal("agent connection closed while waiting for a message")
			}
			switch msg.(type) {
			case protocol.Ping, protocol.Pong:
				continue
			}
			return msg
		case <-deadline:
			sc.t.Fatal("timed out waiting for a message")
		}
	}
}

func (sc *stubConn) expectStatus(status protocol.Status) {
	sc.t.Helper()
	msg := sc.next()
	st, ok := msg.(protocol.StatusUpdate)
	require.True(sc.t, ok, "expected status_update, got %T", msg)
	require.Equal(sc.t, status, st.Status)
}

func (sc *stubConn) expectResult() protocol.Result {
	sc.t.Helper()
	msg := sc.next()
	res, ok := msg.(protocol.Result)
	require.True(sc.t, ok, "expected result, got %T", msg)
	return res
}

func (sc *stubConn) expectBan() protocol.AccountBanned {
	sc.t.Helper()
	msg := sc.next()
	ban, ok := msg.(protocol.AccountBanned)
	require.True(sc.t, ok, "expected account_banned, got %T", msg)
	return ban
}

func (sc *stubConn) expectLoginResult() protocol.LoginResult {
	sc.t.Helper()
	msg := sc.next()
	lr, ok := msg.(protocol.LoginResult)
	require.True(sc.t, ok, "expected login_result, got %T", msg)
	return lr
}

func (sc *stubConn) expectRestartComplete() protocol.RestartComplete {
	sc.t.Helper()
	msg := sc.next()
	rc, ok := msg.(protocol.RestartComplete)
	require.True(sc.t, ok, "expected browser_restart_complete, got %T", msg)
	return rc
}

func (sc *stubConn) expectPong() {
	sc.t.Helper()
	select {
	case msg, ok := <-sc.in:
		require.True(sc.t, ok, "agent connection closed while waiting for pong")
		_, isPong := msg.(protocol.Pong)
		require.True(sc.t, isPong, "expected pong, got %T", msg)
	case <-time.After(waitFor):
		sc.t.Fatal("timed out waiting for pong")
	}
}

// fakeBrowser scripts login and fetch outcomes and records calls.
type fakeBrowser struct {
	mu         sync.Mutex
	loginErr   map[string]error
	pages      map[int64]string
	fetchErr   error
	restartErr error

	// fetchStarted is closed when the first Fetch begins; fetchGate, when
	// set, blocks Fetch until closed. Both are assigned before the agent
	// starts.
	fetchStarted chan struct{}
	fetchGate    chan struct{}

	logins   []string
	fetches  []int64
	restarts int
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		loginErr: map[string]error{},
		pages:    map[int64]string{},
	}
}

func (f *fakeBrowser) Login(_ context.Context, email, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, email)
	return f.loginErr[email]
}

func (f *fakeBrowser) Fetch(ctx context.Context, resourceID int64) (string, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, resourceID)
	started := f.fetchStarted
	gate := f.fetchGate
	err := f.fetchErr
	page, ok := f.pages[resourceID]
	f.mu.Unlock()

	if started != nil {
		select {
		case <-started:
		default:
			close(started)
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "", agent.ErrContentUnavailable
	}
	return page, nil
}

func (f *fakeBrowser) Restart(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return f.restartErr
}

func (f *fakeBrowser) Close() {}

func (f *fakeBrowser) setPage(id int64, html string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[id] = html
}

func (f *fakeBrowser) setLoginErr(email string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginErr[email] = err
}

func (f *fakeBrowser) setFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

func (f *fakeBrowser) setRestartErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartErr = err
}

func (f *fakeBrowser) loginCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.logins...)
}

func (f *fakeBrowser) fetchCalls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.fetches...)
}

func (f *fakeBrowser) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}
