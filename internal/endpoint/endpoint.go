// Package endpoint wraps one live client connection with an ordered outbound
// queue and heartbeat liveness checking.
package endpoint

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"juttled/internal/protocol"
)

// Conn is the transport beneath an endpoint. ReadMessage and WriteMessage are
// each called from a single goroutine; Close may be called concurrently.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
	RemoteAddr() string
}

// Endpoint delivers messages to one connection in FIFO order.
//
// Send never blocks: messages are queued and written by the endpoint's own
// writer goroutine. Close handlers run on a separate goroutine so owners may
// call Close while holding their own locks.
type Endpoint struct {
	conn   Conn
	cfg    Config
	desc   string
	logger *slog.Logger

	mu       sync.Mutex
	queue    []any
	inflight bool
	closing  bool
	closed   bool
	missed   int
	closeFns []func()

	// dispatchMu orders inbound delivery against handler registration.
	dispatchMu sync.Mutex
	messageFns []func(json.RawMessage)
	inbox      []json.RawMessage

	wake chan struct{}
	done chan struct{}
}

// New wraps conn and starts the endpoint's reader and writer goroutines.
func New(conn Conn, cfg Config) *Endpoint {
	cfg = cfg.withDefaults()
	desc := conn.RemoteAddr()
	e := &Endpoint{
		conn:   conn,
		cfg:    cfg,
		desc:   desc,
		logger: slog.With("component", "endpoint", "remote", desc),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	go e.writeLoop()
	go e.readLoop()

	e.logger.Debug("Endpoint created")
	return e
}

// Describe identifies the remote peer.
func (e *Endpoint) Describe() string {
	return e.desc
}

// Send queues one message for delivery.
func (e *Endpoint) Send(msg any) {
	e.SendMany([]any{msg})
}

// SendMany queues msgs for delivery, preserving their order.
// Messages sent after the endpoint has closed are dropped.
func (e *Endpoint) SendMany(msgs []any) {
	if len(msgs) == 0 {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, msgs...)
	e.mu.Unlock()
	e.signal()
}

// Close shuts the endpoint down. Unless force is set, closing waits until
// every queued message has been written.
func (e *Endpoint) Close(force bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if !force && (len(e.queue) > 0 || e.inflight) {
		e.closing = true
		e.mu.Unlock()
		e.signal()
		return
	}
	e.closed = true
	e.queue = nil
	fns := e.closeFns
	e.closeFns = nil
	e.mu.Unlock()

	close(e.done)
	if err := e.conn.Close(); err != nil {
		e.logger.Debug("Connection close error", "error", err)
	}
	e.logger.Debug("Endpoint closed", "force", force)

	go func() {
		for _, fn := range fns {
			fn()
		}
	}()
}

// OnClose registers fn to run once the endpoint has closed. If it already
// has, fn runs immediately on its own goroutine.
func (e *Endpoint) OnClose(fn func()) {
	e.mu.Lock()
	if !e.closed {
		e.closeFns = append(e.closeFns, fn)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	go fn()
}

// OnMessage registers fn for inbound messages other than pongs. Messages that
// arrived before the first handler was registered are delivered to it first.
// fn runs on the reader goroutine; callers must not hold a lock that fn
// itself acquires while registering.
func (e *Endpoint) OnMessage(fn func(json.RawMessage)) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	e.messageFns = append(e.messageFns, fn)
	pending := e.inbox
	e.inbox = nil
	for _, msg := range pending {
		fn(msg)
	}
}

// Done is closed once the endpoint has closed.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

func (e *Endpoint) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Endpoint) writeLoop() {
	ticker := time.NewTicker(e.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.ping()
		case <-e.wake:
		}
		e.drain()
	}
}

// drain writes queued messages until the queue is empty or the endpoint closes.
func (e *Endpoint) drain() {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		if len(e.queue) == 0 {
			closing := e.closing
			e.mu.Unlock()
			if closing {
				e.Close(true)
			}
			return
		}
		msg := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.inflight = true
		e.mu.Unlock()

		err := e.write(msg)

		e.mu.Lock()
		e.inflight = false
		e.mu.Unlock()

		if err != nil {
			e.logger.Info("Error sending data, closing", "error", err)
			e.Close(true)
			return
		}
	}
}

func (e *Endpoint) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		// An unencodable message is dropped; the rest of the queue still goes out.
		e.logger.Error("Failed to encode message", "error", err)
		return nil
	}
	return e.conn.WriteMessage(data)
}

func (e *Endpoint) ping() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.missed++
	missed := e.missed
	e.mu.Unlock()

	if missed > e.cfg.MissedPongLimit {
		e.logger.Warn("Client has not answered pings, closing connection", "missed", missed-1)
		e.Close(true)
		return
	}
	e.Send(protocol.NewPing())
}

func (e *Endpoint) pong() {
	e.mu.Lock()
	e.missed = 0
	e.mu.Unlock()
}

func (e *Endpoint) readLoop() {
	for {
		data, err := e.conn.ReadMessage()
		if err != nil {
			e.logger.Debug("Read ended", "error", err)
			e.Close(true)
			return
		}

		if !json.Valid(data) {
			e.logger.Info("Received invalid message, closing connection")
			e.Close(true)
			return
		}

		if protocol.MessageType(data) == protocol.TypePong {
			e.pong()
			continue
		}

		e.dispatch(json.RawMessage(slices.Clone(data)))
	}
}

func (e *Endpoint) dispatch(msg json.RawMessage) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	if len(e.messageFns) == 0 {
		e.inbox = append(e.inbox, msg)
		return
	}
	for _, fn := range e.messageFns {
		fn(msg)
	}
}
