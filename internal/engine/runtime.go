package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"juttled/internal/protocol"
)

type itemKind int

const (
	itemPoint itemKind = iota
	itemMark
	itemTick
	itemEOF
)

type item struct {
	kind  itemKind
	time  time.Time
	point map[string]any
}

type runContext struct {
	emit func(protocol.Event)
}

func (rc *runContext) warn(e *Error) {
	rc.emit(protocol.Warning{Warning: e.JSON()})
}

type stage interface {
	process(rc *runContext, it item, out func(item))
}

type graph struct {
	source *emitSource
	stages []stage
	sink   *sink
}

// Run executes every flowgraph concurrently and returns once all of them have
// finished or ctx is cancelled. emit is never called concurrently.
func (p *Program) Run(ctx context.Context, emit func(protocol.Event)) error {
	var mu sync.Mutex
	rc := &runContext{emit: func(ev protocol.Event) {
		mu.Lock()
		defer mu.Unlock()
		emit(ev)
	}}

	g, gctx := errgroup.WithContext(ctx)
	for _, fg := range p.graphs {
		g.Go(func() error {
			return fg.run(gctx, rc)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (g *graph) run(ctx context.Context, rc *runContext) error {
	// Chain stages back to front so each stage's output feeds the next.
	next := func(it item) { g.sink.process(rc, it) }
	for i := len(g.stages) - 1; i >= 0; i-- {
		st, out := g.stages[i], next
		next = func(it item) { st.process(rc, it, out) }
	}

	return g.source.run(ctx, func(items []item) {
		for _, it := range items {
			next(it)
		}
		g.sink.flush(rc)
	})
}

// emitSource generates points with a time field. With -every it paces them in
// real time; without -limit it runs until cancelled.
type emitSource struct {
	limit int
	every time.Duration
	from  time.Time
}

const emitChunk = 1000

func (e *emitSource) point(i int) item {
	step := e.every
	if step == 0 {
		step = time.Second
	}
	t := e.from.Add(time.Duration(i) * step)
	return item{kind: itemPoint, time: t, point: map[string]any{"time": formatTime(t)}}
}

func (e *emitSource) run(ctx context.Context, send func([]item)) error {
	if e.every == 0 {
		for i := 0; i < e.limit; i += emitChunk {
			if err := ctx.Err(); err != nil {
				return nil
			}
			n := min(emitChunk, e.limit-i)
			items := make([]item, 0, n)
			for j := range n {
				items = append(items, e.point(i+j))
			}
			send(items)
		}
		send([]item{{kind: itemEOF}})
		return nil
	}

	ticker := time.NewTicker(e.every)
	defer ticker.Stop()
	for i := 0; e.limit < 0 || i < e.limit; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		send([]item{e.point(i)})
	}
	send([]item{{kind: itemEOF}})
	return nil
}

type assignment struct {
	field string
	value any
	ref   string
	loc   Location
}

type putStage struct {
	assigns []assignment
	warned  map[string]bool
}

func (s *putStage) process(rc *runContext, it item, out func(item)) {
	if it.kind != itemPoint {
		out(it)
		return
	}
	for _, a := range s.assigns {
		if a.ref == "" {
			it.point[a.field] = a.value
			continue
		}
		v, ok := it.point[a.ref]
		if !ok && !s.warned[a.ref] {
			if s.warned == nil {
				s.warned = map[string]bool{}
			}
			s.warned[a.ref] = true
			rc.warn(newError(CodeFieldNotFound, a.loc,
				fmt.Sprintf("Warning: field %q does not exist.", a.ref),
				map[string]any{"field": a.ref}))
		}
		it.point[a.field] = v
	}
	out(it)
}

// headStage passes the first n points of each batch.
type headStage struct {
	n    int
	seen int
}

func (s *headStage) process(_ *runContext, it item, out func(item)) {
	switch it.kind {
	case itemPoint:
		if s.seen >= s.n {
			return
		}
		s.seen++
	case itemMark:
		s.seen = 0
	}
	out(it)
}

// batchStage groups points into fixed windows. A window that held points
// closes with a mark, an empty one with a tick.
type batchStage struct {
	every  time.Duration
	end    time.Time
	filled bool
}

func (s *batchStage) process(_ *runContext, it item, out func(item)) {
	switch it.kind {
	case itemPoint:
		if s.end.IsZero() {
			s.end = it.time.Truncate(s.every).Add(s.every)
		}
		for !it.time.Before(s.end) {
			s.close(out)
		}
		s.filled = true
		out(it)
	case itemEOF:
		if s.filled {
			s.close(out)
		}
		out(it)
	default:
		out(it)
	}
}

func (s *batchStage) close(out func(item)) {
	kind := itemTick
	if s.filled {
		kind = itemMark
	}
	out(item{kind: kind, time: s.end})
	s.end = s.end.Add(s.every)
	s.filled = false
}

// sink turns items into data events for one view.
type sink struct {
	desc    protocol.Sink
	pending []json.RawMessage
}

func (s *sink) process(rc *runContext, it item) {
	switch it.kind {
	case itemPoint:
		raw, err := json.Marshal(it.point)
		if err != nil {
			return
		}
		s.pending = append(s.pending, raw)
	case itemMark:
		s.flush(rc)
		s.send(rc, protocol.SinkData{Type: protocol.DataMark, Time: formatTime(it.time)})
	case itemTick:
		s.flush(rc)
		s.send(rc, protocol.SinkData{Type: protocol.DataTick, Time: formatTime(it.time)})
	case itemEOF:
		s.flush(rc)
		s.send(rc, protocol.SinkData{Type: protocol.DataSinkEnd})
	}
}

func (s *sink) flush(rc *runContext) {
	if len(s.pending) == 0 {
		return
	}
	s.send(rc, protocol.SinkData{Type: protocol.DataPoints, Points: s.pending})
	s.pending = nil
}

func (s *sink) send(rc *runContext, d protocol.SinkData) {
	d.SinkID = s.desc.SinkID
	rc.emit(protocol.Data{Data: d})
}
