package job

import (
	"encoding/json"
	"sync"

	"juttled/internal/protocol"
)

type pointEntry struct {
	Type  string          `json:"type"`
	Point json.RawMessage `json:"point"`
}

type markEntry struct {
	Type string `json:"type"`
	Time string `json:"time,omitempty"`
}

// collector is the subscriber behind wait mode. It accumulates a job's output
// per sink and completes when the job closes it.
type collector struct {
	mu       sync.Mutex
	output   map[string]*SinkOutput
	errors   []json.RawMessage
	warnings []json.RawMessage
	closed   bool
	closeFns []func()
	done     chan struct{}
}

func newCollector() *collector {
	return &collector{
		output:   make(map[string]*SinkOutput),
		errors:   []json.RawMessage{},
		warnings: []json.RawMessage{},
		done:     make(chan struct{}),
	}
}

func (c *collector) Describe() string { return "wait" }

func (c *collector) Send(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.add(msg)
}

func (c *collector) SendMany(msgs []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, msg := range msgs {
		c.add(msg)
	}
}

func (c *collector) add(msg any) {
	switch m := msg.(type) {
	case protocol.JobStart:
		for _, s := range m.Sinks {
			out := c.sink(s.SinkID)
			out.Type = s.Type
			if s.Options != nil {
				out.Options = s.Options
			}
		}
	case protocol.SinkData:
		out := c.sink(m.SinkID)
		switch m.Type {
		case protocol.DataPoints:
			for _, p := range m.Points {
				out.Data = append(out.Data, pointEntry{Type: "point", Point: p})
			}
		case protocol.DataMark:
			out.Data = append(out.Data, markEntry{Type: m.Type, Time: m.Time})
		}
	case protocol.Notice:
		switch m.Type {
		case protocol.TypeError:
			c.errors = append(c.errors, m.Error)
		case protocol.TypeWarning:
			c.warnings = append(c.warnings, m.Warning)
		}
	}
}

func (c *collector) sink(id string) *SinkOutput {
	out, ok := c.output[id]
	if !ok {
		out = &SinkOutput{Options: map[string]any{}, Data: []any{}}
		c.output[id] = out
	}
	return out
}

func (c *collector) Close(bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fns := c.closeFns
	c.closeFns = nil
	c.mu.Unlock()

	close(c.done)
	if len(fns) > 0 {
		go func() {
			for _, fn := range fns {
				fn()
			}
		}()
	}
}

func (c *collector) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		go fn()
		return
	}
	c.closeFns = append(c.closeFns, fn)
}

// Done is closed once the job has ended.
func (c *collector) Done() <-chan struct{} {
	return c.done
}

// Result returns the collected output. Call it after Done.
func (c *collector) Result() *WaitResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &WaitResult{Output: c.output, Errors: c.errors, Warnings: c.warnings}
}
