// Package pipeline assembles a declarative stage description into a running
// capture/dispatch topology: one input stage feeding a bounded frame ring,
// a dispatcher fanning every unit out to an ordered set of sinks, and a
// per-pipeline event bus for out-of-band events.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zmkit/zmhost/internal/bus"
	"github.com/zmkit/zmhost/internal/envelope"
	"github.com/zmkit/zmhost/internal/loader"
	"github.com/zmkit/zmhost/internal/ring"
	"github.com/zmkit/zmhost/internal/stage"
)

// inputStopTimeout bounds how long Stop waits for the input stage before
// surfacing a watchdog event. The wait itself continues until the stage
// returns; sinks are never stopped while the input may still push.
const inputStopTimeout = 5 * time.Second

// Pipeline is the composite runtime object: the ring, the event bus, all
// stage handles, the dispatcher and drop-reporter goroutines, and the
// lifecycle state machine. Construct with Assemble; a Pipeline runs at most once.
type Pipeline struct {
	id  string
	cfg Config
	log *slog.Logger

	bus  *bus.Bus
	ring *ring.Ring

	handles  []*loader.Handle
	input    *loader.Handle
	inputIdx int
	sinks    []*sinkSlot

	captureHost *stage.HostAPI
	sinkHost    *stage.HostAPI

	mu      sync.Mutex
	started bool

	stopOnce sync.Once
	g        *errgroup.Group
	runCtx   context.Context
	stopRun  context.CancelFunc

	malformed  atomic.Uint64
	sinkPanics atomic.Uint64
}

// ID returns the pipeline's unique identifier.
func (p *Pipeline) ID() string { return p.id }

// Bus returns the pipeline's event bus. Callers subscribe here for
// operational events; the bus lives exactly as long as the pipeline.
func (p *Pipeline) Bus() *bus.Bus { return p.bus }

// SinkCount returns the number of sink slots.
func (p *Pipeline) SinkCount() int { return len(p.sinks) }

// MalformedCount returns how many units the dispatcher rejected as neither
// frame nor event.
func (p *Pipeline) MalformedCount() uint64 { return p.malformed.Load() }

// SinkPanicCount returns how many sink on-frame calls panicked and were
// isolated.
func (p *Pipeline) SinkPanicCount() uint64 { return p.sinkPanics.Load() }

// Start runs the start protocol: every sink in declaration order, then the
// dispatcher, then the input stage with a host API whose on-frame and
// publish-event callbacks push into the ring. A sink start failure stops
// the sinks already started in reverse order and returns
// *StageStartFailedError; the pipeline is then inert and safe to discard.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pipeline: already started")
	}
	if p.ring.Cancelled() {
		return errors.New("pipeline: already stopped")
	}

	p.captureHost = p.newHostAPI(true)
	p.sinkHost = p.newHostAPI(false)

	started := 0
	for i, s := range p.sinks {
		rec := s.handle.Record
		if rc := rec.Start(rec, p.sinkHost, p, s.handle.ConfigJSON); rc != 0 {
			p.stopSinks(started)
			return &StageStartFailedError{Index: s.index, Code: rc}
		}
		started = i + 1
		p.log.Debug("sink started", "slot", s.index, "kind", rec.Kind.String())
	}

	p.runCtx, p.stopRun = context.WithCancel(context.Background())
	p.g = new(errgroup.Group)
	p.g.Go(func() error { p.dispatch(); return nil })
	p.g.Go(func() error { p.dropReporter(); return nil })

	rec := p.input.Record
	if rc := rec.Start(rec, p.captureHost, p, p.input.ConfigJSON); rc != 0 {
		p.stopRun()
		p.ring.Cancel()
		_ = p.g.Wait()
		p.stopSinks(len(p.sinks))
		return &StageStartFailedError{Index: p.inputIdx, Code: rc}
	}
	p.log.Info("pipeline started", "sinks", len(p.sinks))

	p.started = true
	return nil
}

// Stop shuts the pipeline down: cancel the ring, join the dispatcher, stop
// the input stage (with a watchdog event if it overruns its bound), stop
// every sink in reverse declaration order, and release the modules last.
// It is idempotent and safe to call from any goroutine; after it returns
// no host-owned goroutine remains and no further call enters any stage.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		wasStarted := p.started
		p.started = false
		p.mu.Unlock()

		if !wasStarted {
			p.ring.Cancel()
			for i := len(p.handles) - 1; i >= 0; i-- {
				p.handles[i].Module.Close()
			}
			return
		}

		p.stopRun()
		p.ring.Cancel()
		_ = p.g.Wait()

		p.stopInput()
		p.stopSinks(len(p.sinks))

		for i := len(p.handles) - 1; i >= 0; i-- {
			p.handles[i].Module.Close()
		}
		p.log.Info("pipeline stopped")
	})
}

// stopInput stops the input stage, surfacing a watchdog event on the bus
// if the stage fails to observe its stop within the bounded time.
func (p *Pipeline) stopInput() {
	rec := p.input.Record
	done := make(chan struct{})
	go func() {
		rec.Stop(rec)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(inputStopTimeout):
		p.log.Warn("input stage exceeded stop deadline", "timeout", inputStopTimeout)
		p.bus.Publish(bus.TopicPluginEvent,
			fmt.Sprintf(`{"event":"InputStopTimeout","timeout_usec":%d}`, inputStopTimeout.Microseconds()))
		<-done
	}
}

func (p *Pipeline) stopSinks(n int) {
	for i := n - 1; i >= 0; i-- {
		rec := p.sinks[i].handle.Record
		rec.Stop(rec)
		p.log.Debug("sink stopped", "slot", p.sinks[i].index)
	}
}

// newHostAPI builds the pipeline-owned callback surface handed to stage
// starts. The capture variant routes on-frame and publish-event into the
// ring so metadata interleaves with frames in push order; the sink variant
// publishes events straight onto the bus and has no frame ingress.
func (p *Pipeline) newHostAPI(capture bool) *stage.HostAPI {
	api := &stage.HostAPI{
		Log: func(_ any, level stage.LogLevel, msg string) {
			p.stageLog(level, msg)
		},
	}
	if capture {
		// The ring takes one producer at a time, but an input stage may
		// call these from several goroutines, so pushes are serialized.
		var pushMu sync.Mutex
		push := func(b []byte) error {
			pushMu.Lock()
			defer pushMu.Unlock()
			_, err := p.ring.Push(b)
			return err
		}
		api.PublishEvent = func(_ any, json string) {
			if err := push([]byte(json)); err != nil {
				p.log.Warn("event rejected by ring", "error", err)
			}
		}
		api.OnFrame = func(_ any, buf []byte) {
			if err := push(buf); err != nil {
				p.log.Warn("frame rejected by ring", "error", err, "size", len(buf))
			}
		}
	} else {
		api.PublishEvent = func(_ any, json string) {
			p.bus.Publish(bus.TopicPluginEvent, json)
		}
	}
	return api
}

func (p *Pipeline) stageLog(level stage.LogLevel, msg string) {
	log := p.log.With("component", "stage")
	switch level {
	case stage.LogDebug:
		log.Debug(msg)
	case stage.LogWarn:
		log.Warn(msg)
	case stage.LogError:
		log.Error(msg)
	default:
		log.Info(msg)
	}
}

// dispatch drains the ring and delivers each unit to the sinks: frame
// units to every sink whose filter admits the unit's stream id, event
// units to every sink regardless of filter and onto the bus. Delivery is
// synchronous and serialized; a slow sink backs pressure onto the ring
// through oldest-drop rather than by blocking the input.
func (p *Pipeline) dispatch() {
	buf := make([]byte, p.ring.SlotSize())

	for {
		n, _, err := p.ring.Pop(buf)
		if err != nil {
			return
		}

		unit, derr := envelope.Decode(buf[:n])
		if derr != nil {
			p.malformed.Add(1)
			p.log.Debug("malformed unit dropped", "size", n)
			continue
		}

		switch unit.Kind {
		case envelope.KindEvent:
			p.bus.Publish(bus.TopicPluginEvent, string(unit.Raw))
			for _, s := range p.sinks {
				p.deliver(s, unit.Raw)
			}
		case envelope.KindFrame:
			for _, s := range p.sinks {
				if s.admits(unit.Header.StreamID) {
					p.deliver(s, unit.Raw)
				}
			}
		}
	}
}

// deliver invokes one sink's on-frame callback, isolating panics so a
// misbehaving sink cannot take down dispatch.
func (p *Pipeline) deliver(s *sinkSlot, buf []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.sinkPanics.Add(1)
			p.log.Error("sink on_frame panicked", "slot", s.index, "panic", r)
		}
	}()
	rec := s.handle.Record
	rec.OnFrame(rec, buf)
}

// dropReporter publishes RingDropped at most once per report interval
// while units were displaced. Drops are observable events, not errors.
func (p *Pipeline) dropReporter() {
	ticker := time.NewTicker(p.cfg.DropReportInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-p.runCtx.Done():
			if dropped := p.ring.TakeDisplaced(); dropped > 0 {
				p.publishRingDropped(dropped, time.Since(last))
			}
			return
		case now := <-ticker.C:
			if dropped := p.ring.TakeDisplaced(); dropped > 0 {
				p.publishRingDropped(dropped, now.Sub(last))
			}
			last = now
		}
	}
}

func (p *Pipeline) publishRingDropped(count uint64, since time.Duration) {
	ev := envelope.RingDropped{
		Event:     envelope.EventRingDropped,
		Count:     count,
		SinceUsec: since.Microseconds(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	p.log.Warn("ring displaced units", "count", count, "since", since)
	p.bus.Publish(bus.TopicPluginEvent, string(data))
}
