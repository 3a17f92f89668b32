package testutil

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrConnClosed is returned by FakeConn writes after Close.
var ErrConnClosed = errors.New("connection closed")

// FakeConn is an in-memory message connection. Inbound messages are pushed
// with Push; outbound ones are recorded and can be read back with Written.
type FakeConn struct {
	Addr       string
	WriteDelay time.Duration

	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
	failAt  int
}

func NewFakeConn(addr string) *FakeConn {
	return &FakeConn{
		Addr:   addr,
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
		failAt: -1,
	}
}

// Push delivers a message to the reader side.
func (c *FakeConn) Push(data []byte) {
	select {
	case c.in <- data:
	case <-c.closed:
	}
}

// PushJSON marshals v and delivers it.
func (c *FakeConn) PushJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.Push(data)
}

// FailWritesAfter makes every write after the first n fail.
func (c *FakeConn) FailWritesAfter(n int) {
	c.mu.Lock()
	c.failAt = n
	c.mu.Unlock()
}

func (c *FakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *FakeConn) WriteMessage(data []byte) error {
	if c.WriteDelay > 0 {
		time.Sleep(c.WriteDelay)
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAt >= 0 && len(c.written) >= c.failAt {
		return errors.New("write failed")
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *FakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *FakeConn) RemoteAddr() string {
	return c.Addr
}

// IsClosed reports whether Close has been called.
func (c *FakeConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Written returns a copy of every message written so far.
func (c *FakeConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// Types returns the "type" field of each written message, or "" when absent.
func (c *FakeConn) Types() []string {
	var types []string
	for _, msg := range c.Written() {
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(msg, &head)
		types = append(types, head.Type)
	}
	return types
}

// WrittenExcept returns written messages whose type is not one of skip.
func (c *FakeConn) WrittenExcept(skip ...string) [][]byte {
	var out [][]byte
	for _, msg := range c.Written() {
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(msg, &head)
		keep := true
		for _, s := range skip {
			if head.Type == s {
				keep = false
			}
		}
		if keep {
			out = append(out, msg)
		}
	}
	return out
}
