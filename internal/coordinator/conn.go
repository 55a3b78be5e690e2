package coordinator

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/commentary-coordinator/internal/protocol"
)

const (
	// writeTimeout bounds a single frame write to a worker.
	writeTimeout = 10 * time.Second
	// maxFrameBytes caps inbound frames; commentary bodies run a few KB, so
	// anything near this is garbage.
	maxFrameBytes = 1 << 20
)

// wsLink is the connection-side half of a worker: a websocket plus a bounded
// outbound queue drained by a dedicated writer goroutine. The reactor never
// touches the socket directly.
type wsLink struct {
	workerID string
	conn     *websocket.Conn
	sendCh   chan []byte
	done     chan struct{}
	logger   *zap.Logger

	closeOnce sync.Once
}

func newLink(workerID string, conn *websocket.Conn, buffer int, logger *zap.Logger) *wsLink {
	return &wsLink{
		workerID: workerID,
		conn:     conn,
		sendCh:   make(chan []byte, buffer),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// enqueue hands a frame to the writer goroutine without blocking; false means
// the queue is full.
func (l *wsLink) enqueue(data []byte) bool {
	select {
	case l.sendCh <- data:
		return true
	default:
		return false
	}
}

// close tears the link down. Safe to call from any goroutine, repeatedly.
func (l *wsLink) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		if err := l.conn.Close(); err != nil {
			l.logger.Debug("closing worker connection",
				zap.String("worker_id", l.workerID),
				zap.Error(err))
		}
	})
}

// writePump drains the outbound queue onto the socket until the link closes
// or a write fails.
func (l *wsLink) writePump() {
	defer l.close()
	for {
		select {
		case data := <-l.sendCh:
			if err := l.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.logger.Debug("write to worker failed",
					zap.String("worker_id", l.workerID),
					zap.Error(err))
				return
			}
		case <-l.done:
			return
		}
	}
}

// Handler upgrades agent connections. The first frame must be a register
// message; everything after it flows through the reactor.
func (c *Coordinator) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			c.logger.Warn("websocket upgrade failed",
				zap.String("remote", r.RemoteAddr),
				zap.Error(err))
			return
		}
		c.serveConn(conn, r.RemoteAddr)
	})
}

func (c *Coordinator) serveConn(conn *websocket.Conn, remote string) {
	conn.SetReadLimit(maxFrameBytes)

	reg, err := c.awaitRegister(conn)
	if err != nil {
		c.logger.Warn("worker handshake failed",
			zap.String("remote", remote),
			zap.Error(err))
		_ = conn.Close()
		return
	}

	link := newLink(reg.WorkerID, conn, c.cfg.SendBuffer, c.logger)
	go link.writePump()
	if !c.postEvent(connectEvent{link: link}) {
		link.close()
		return
	}
	c.readPump(link)
}

// awaitRegister reads the handshake frame within the configured deadline.
func (c *Coordinator) awaitRegister(conn *websocket.Conn) (protocol.Register, error) {
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return protocol.Register{}, fmt.Errorf("set handshake deadline: %w", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Register{}, fmt.Errorf("read register frame: %w", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return protocol.Register{}, err
	}
	reg, ok := msg.(protocol.Register)
	if !ok {
		return protocol.Register{}, fmt.Errorf("expected register, got %s", msg.Kind())
	}
	return reg, nil
}

// readPump feeds inbound frames to the reactor until the connection dies.
// Malformed frames are logged and skipped; the link stays up. The read
// deadline is a socket-level backstop well above the inactivity sweep.
func (c *Coordinator) readPump(link *wsLink) {
	defer link.close()
	window := 2 * c.cfg.InactivityTimeout
	for {
		if err := link.conn.SetReadDeadline(time.Now().Add(window)); err != nil {
			c.postEvent(disconnectEvent{link: link, reason: "set read deadline: " + err.Error()})
			return
		}
		_, data, err := link.conn.ReadMessage()
		if err != nil {
			c.postEvent(disconnectEvent{link: link, reason: err.Error()})
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("discarding malformed frame",
				zap.String("worker_id", link.workerID),
				zap.Error(err))
			continue
		}
		if !c.postEvent(messageEvent{link: link, msg: msg}) {
			return
		}
	}
}
