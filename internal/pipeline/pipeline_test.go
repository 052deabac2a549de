package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmkit/zmhost/internal/bus"
	"github.com/zmkit/zmhost/internal/descriptor"
	"github.com/zmkit/zmhost/internal/envelope"
	"github.com/zmkit/zmhost/internal/loader"
	"github.com/zmkit/zmhost/internal/stage"
)

// recorder is a sink that captures every delivered unit and its stop
// ordering. One registered kind per recorder instance.
type recorder struct {
	mu      sync.Mutex
	units   [][]byte
	stops   int
	stopLog *stopLog
	name    string
	onUnit  func([]byte) // optional hook, runs after recording
}

type stopLog struct {
	mu    sync.Mutex
	order []string
}

func (l *stopLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, name)
}

func (r *recorder) register(kind stage.Kind) {
	stage.Register(r.name, func(rec *stage.Record) {
		rec.Version = stage.ABIVersion
		rec.Kind = kind
		rec.Start = func(rec *stage.Record, _ *stage.HostAPI, _ any, _ string) int {
			rec.Instance = r
			return 0
		}
		rec.Stop = func(rec *stage.Record) {
			r.mu.Lock()
			r.stops++
			r.mu.Unlock()
			if r.stopLog != nil {
				r.stopLog.add(r.name)
			}
			rec.Instance = nil
		}
		rec.OnFrame = func(rec *stage.Record, buf []byte) {
			r.mu.Lock()
			cp := make([]byte, len(buf))
			copy(cp, buf)
			r.units = append(r.units, cp)
			hook := r.onUnit
			r.mu.Unlock()
			if hook != nil {
				hook(cp)
			}
		}
	})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.units)
}

func (r *recorder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.units))
	copy(out, r.units)
	return out
}

// scriptInput is an input stage that pushes a fixed list of units during
// Start. For continuous load, set pump.
type scriptInput struct {
	name  string
	units [][]byte
	pump  bool // push 1 KiB frames continuously from a goroutine

	mu      sync.Mutex
	stops   int
	stopLog *stopLog
	stopCh  chan struct{}
	done    chan struct{}
	pushed  int
}

func (s *scriptInput) register() {
	stage.Register(s.name, func(rec *stage.Record) {
		rec.Version = stage.ABIVersion
		rec.Kind = stage.Input
		rec.Start = func(rec *stage.Record, host *stage.HostAPI, hostCtx any, _ string) int {
			rec.Instance = s
			if s.pump {
				s.stopCh = make(chan struct{})
				s.done = make(chan struct{})
				go func() {
					defer close(s.done)
					payload := make([]byte, 1024)
					var pts int64
					for {
						select {
						case <-s.stopCh:
							return
						default:
						}
						buf := envelope.Encode(envelope.Header{
							StreamID: 0,
							PTSUsec:  pts,
						}, payload)
						host.OnFrame(hostCtx, buf)
						s.mu.Lock()
						s.pushed++
						s.mu.Unlock()
						pts += 100
					}
				}()
				return 0
			}
			for _, u := range s.units {
				host.OnFrame(hostCtx, u)
			}
			return 0
		}
		rec.Stop = func(rec *stage.Record) {
			if s.stopCh != nil {
				close(s.stopCh)
				<-s.done
			}
			s.mu.Lock()
			s.stops++
			s.mu.Unlock()
			if s.stopLog != nil {
				s.stopLog.add(s.name)
			}
			rec.Instance = nil
		}
	})
}

func entry(kind, config string) descriptor.Entry {
	if config == "" {
		config = "{}"
	}
	return descriptor.Entry{Kind: kind, ConfigJSON: config}
}

func frame(streamID uint32, flags uint32, pts int64, payload []byte) []byte {
	return envelope.Encode(envelope.Header{
		StreamID: streamID,
		HWType:   envelope.HWCPU,
		Flags:    flags,
		PTSUsec:  pts,
	}, payload)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

// TestFanOutOrderingAndKeyframes is the single-input, two-sink scenario:
// every sink sees all 1000 units in push order with 10 keyframes.
func TestFanOutOrderingAndKeyframes(t *testing.T) {
	t.Parallel()

	const total = 1000
	input := &scriptInput{name: "t1_input"}
	for i := 0; i < total; i++ {
		var flags uint32
		if i%100 == 0 {
			flags = envelope.FlagKeyframe
		}
		input.units = append(input.units, frame(0, flags, int64(i)*33333, []byte{byte(i)}))
	}
	input.register()

	a := &recorder{name: "t1_sink_a"}
	a.register(stage.Output)
	b := &recorder{name: "t1_sink_b"}
	b.register(stage.Store)

	p, err := Assemble([]descriptor.Entry{
		entry("t1_input", ""),
		entry("t1_sink_a", ""),
		entry("t1_sink_b", ""),
	}, Config{RingSlots: 2048, RingSlotBytes: 256})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return a.count() == total && b.count() == total
	}, "sinks did not receive all units")

	for _, sink := range []*recorder{a, b} {
		units := sink.snapshot()
		require.Len(t, units, total)
		keyframes := 0
		var lastPTS int64 = -1
		for i, u := range units {
			unit, err := envelope.Decode(u)
			require.NoError(t, err)
			require.Equal(t, envelope.KindFrame, unit.Kind)
			assert.Equal(t, int64(i)*33333, unit.Header.PTSUsec, "unit %d out of order", i)
			require.Greater(t, unit.Header.PTSUsec, lastPTS)
			lastPTS = unit.Header.PTSUsec
			if unit.Header.Keyframe() {
				keyframes++
			}
		}
		assert.Equal(t, 10, keyframes)
	}
}

// TestStreamFilter is the two-stream scenario: each sink sees exactly its
// admitted stream's frames, and both see every event unit.
func TestStreamFilter(t *testing.T) {
	t.Parallel()

	input := &scriptInput{name: "t2_input"}
	for i := 0; i < 100; i++ {
		input.units = append(input.units, frame(uint32(i%2), 0, int64(i), []byte("p")))
	}
	// Interleave an event mid-stream and one at the end.
	ev := []byte(`{"event":"StreamMetadata","stream_id":0}`)
	input.units = append(input.units[:50:50], append([][]byte{ev}, input.units[50:]...)...)
	input.units = append(input.units, []byte(`{"event":"StreamDisconnected","stream_id":1}`))
	input.register()

	a := &recorder{name: "t2_sink_a"}
	a.register(stage.Output)
	b := &recorder{name: "t2_sink_b"}
	b.register(stage.Output)

	p, err := Assemble([]descriptor.Entry{
		entry("t2_input", ""),
		entry("t2_sink_a", `{"stream_filter":[0]}`),
		entry("t2_sink_b", `{"stream_filter":[1]}`),
	}, Config{RingSlots: 512, RingSlotBytes: 128})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return a.count() == 52 && b.count() == 52
	}, "sinks did not receive expected units")

	for name, sink := range map[string]*recorder{"a": a, "b": b} {
		wantStream := uint32(0)
		if name == "b" {
			wantStream = 1
		}
		frames, events := 0, 0
		for _, u := range sink.snapshot() {
			unit, err := envelope.Decode(u)
			require.NoError(t, err)
			switch unit.Kind {
			case envelope.KindEvent:
				events++
			case envelope.KindFrame:
				frames++
				assert.Equal(t, wantStream, unit.Header.StreamID)
			}
		}
		assert.Equal(t, 50, frames, "sink %s frames", name)
		assert.Equal(t, 2, events, "sink %s events", name)
	}
}

// TestMetadataThenKeyframe verifies the store-protocol ordering: a sink
// that waits for metadata plus a keyframe produces its first output only
// at the keyframe, while a naive sink outputs on every frame.
func TestMetadataThenKeyframe(t *testing.T) {
	t.Parallel()

	input := &scriptInput{name: "t3_input"}
	input.units = [][]byte{
		[]byte(`{"event":"StreamMetadata","stream_id":0,"codec_id":27,"extradata":""}`),
		frame(0, 0, 100, []byte("delta")),
		frame(0, envelope.FlagKeyframe, 200, []byte("idr")),
		frame(0, 0, 300, []byte("delta")),
	}
	input.register()

	type protocolState struct {
		mu       sync.Mutex
		haveMeta bool
		started  bool
		outputs  []int64
	}
	ps := &protocolState{}
	stage.Register("t3_protocol_sink", func(rec *stage.Record) {
		rec.Version = stage.ABIVersion
		rec.Kind = stage.Store
		rec.Start = func(rec *stage.Record, _ *stage.HostAPI, _ any, _ string) int {
			rec.Instance = ps
			return 0
		}
		rec.Stop = func(rec *stage.Record) { rec.Instance = nil }
		rec.OnFrame = func(_ *stage.Record, buf []byte) {
			unit, err := envelope.Decode(buf)
			if err != nil {
				return
			}
			ps.mu.Lock()
			defer ps.mu.Unlock()
			if unit.Kind == envelope.KindEvent {
				if envelope.EventType(unit.Raw) == envelope.EventStreamMetadata {
					ps.haveMeta = true
				}
				return
			}
			if !ps.started {
				if !ps.haveMeta || !unit.Header.Keyframe() {
					return
				}
				ps.started = true
			}
			ps.outputs = append(ps.outputs, unit.Header.PTSUsec)
		}
	})

	naive := &recorder{name: "t3_naive_sink"}
	naive.register(stage.Output)

	p, err := Assemble([]descriptor.Entry{
		entry("t3_input", ""),
		entry("t3_protocol_sink", ""),
		entry("t3_naive_sink", ""),
	}, Config{RingSlots: 64, RingSlotBytes: 128})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	waitFor(t, 5*time.Second, func() bool { return naive.count() == 4 }, "naive sink")

	ps.mu.Lock()
	defer ps.mu.Unlock()
	require.Equal(t, []int64{200, 300}, ps.outputs,
		"protocol sink must start at the keyframe")
}

// TestBackpressureDropReporting blocks the consumer behind a slow sink and
// checks that drops surface as a RingDropped event while per-stream
// ordering among survivors is preserved.
func TestBackpressureDropReporting(t *testing.T) {
	t.Parallel()

	input := &scriptInput{name: "t4_input"}
	for i := 0; i < 10; i++ {
		input.units = append(input.units, frame(0, 0, int64(i+1)*1000, []byte("x")))
	}
	input.register()

	release := make(chan struct{})
	var once sync.Once
	slow := &recorder{name: "t4_slow_sink"}
	slow.onUnit = func([]byte) {
		once.Do(func() { <-release })
	}
	slow.register(stage.Output)

	p, err := Assemble([]descriptor.Entry{
		entry("t4_input", ""),
		entry("t4_slow_sink", ""),
	}, Config{RingSlots: 4, RingSlotBytes: 64, DropReportInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	var dropped []envelope.RingDropped
	var dropMu sync.Mutex
	p.Bus().Subscribe(bus.TopicPluginEvent, func(msg string) {
		if envelope.EventType([]byte(msg)) != envelope.EventRingDropped {
			return
		}
		var ev envelope.RingDropped
		if json.Unmarshal([]byte(msg), &ev) == nil {
			dropMu.Lock()
			dropped = append(dropped, ev)
			dropMu.Unlock()
		}
	})

	require.NoError(t, p.Start())
	defer p.Stop()

	// The input pushed everything during Start; give the producer side a
	// moment to overflow the 4-slot ring behind the blocked sink, then
	// release the consumer.
	waitFor(t, 5*time.Second, func() bool { return slow.count() >= 1 }, "first delivery")
	close(release)

	waitFor(t, 5*time.Second, func() bool {
		dropMu.Lock()
		defer dropMu.Unlock()
		return len(dropped) > 0
	}, "RingDropped event")

	dropMu.Lock()
	total := uint64(0)
	for _, ev := range dropped {
		total += ev.Count
	}
	dropMu.Unlock()
	assert.Positive(t, total)

	// At most: 1 unit in flight + 4 recovered from the ring.
	waitFor(t, time.Second, func() bool { return slow.count() >= 2 }, "recovered units")
	time.Sleep(50 * time.Millisecond)
	units := slow.snapshot()
	assert.LessOrEqual(t, len(units), 5)
	var lastPTS int64
	for _, u := range units {
		unit, err := envelope.Decode(u)
		require.NoError(t, err)
		require.Greater(t, unit.Header.PTSUsec, lastPTS)
		lastPTS = unit.Header.PTSUsec
	}
}

// TestAssemblyFailure checks that a dead library path fails assembly with
// the module-load error and leaves nothing constructed.
func TestAssemblyFailure(t *testing.T) {
	t.Parallel()

	_, err := Assemble([]descriptor.Entry{
		{Path: "/nonexistent/plugins/ghost/ghost.so", ConfigJSON: "{}"},
	}, Config{})
	var ae *AssemblyError
	require.ErrorAs(t, err, &ae)
	var mle *loader.ModuleLoadError
	require.ErrorAs(t, err, &mle)
}

func TestAssemblyRequiresExactlyOneInput(t *testing.T) {
	t.Parallel()

	sink := &recorder{name: "t5_sink"}
	sink.register(stage.Output)
	in1 := &scriptInput{name: "t5_input_1"}
	in1.register()
	in2 := &scriptInput{name: "t5_input_2"}
	in2.register()

	small := Config{RingSlots: 8, RingSlotBytes: 64}
	_, err := Assemble([]descriptor.Entry{entry("t5_sink", "")}, small)
	var mpe *descriptor.MalformedPipelineError
	require.ErrorAs(t, err, &mpe)

	_, err = Assemble([]descriptor.Entry{
		entry("t5_input_1", ""),
		entry("t5_input_2", ""),
		entry("t5_sink", ""),
	}, small)
	require.ErrorAs(t, err, &mpe)
}

// TestStageStartFailureUnwindsReverse checks that a failing sink start
// stops already-started sinks in reverse order and surfaces the slot.
func TestStageStartFailureUnwindsReverse(t *testing.T) {
	t.Parallel()

	log := &stopLog{}
	input := &scriptInput{name: "t6_input", stopLog: log}
	input.register()
	ok1 := &recorder{name: "t6_ok_1", stopLog: log}
	ok1.register(stage.Output)
	ok2 := &recorder{name: "t6_ok_2", stopLog: log}
	ok2.register(stage.Output)

	stage.Register("t6_failing", func(rec *stage.Record) {
		rec.Version = stage.ABIVersion
		rec.Kind = stage.Output
		rec.Start = func(*stage.Record, *stage.HostAPI, any, string) int { return 3 }
		rec.Stop = func(*stage.Record) {}
		rec.OnFrame = func(*stage.Record, []byte) {}
	})

	p, err := Assemble([]descriptor.Entry{
		entry("t6_input", ""),
		entry("t6_ok_1", ""),
		entry("t6_ok_2", ""),
		entry("t6_failing", ""),
	}, Config{RingSlots: 8, RingSlotBytes: 64})
	require.NoError(t, err)

	err = p.Start()
	var ssf *StageStartFailedError
	require.ErrorAs(t, err, &ssf)
	assert.Equal(t, 3, ssf.Index)
	assert.Equal(t, 3, ssf.Code)

	log.mu.Lock()
	defer log.mu.Unlock()
	assert.Equal(t, []string{"t6_ok_2", "t6_ok_1"}, log.order)
}

// TestCleanShutdownUnderLoad runs a pumping input against three sinks and
// checks the stop protocol: bounded stop time, exactly one stop per stage
// in reverse declaration order, input before sinks, and no deliveries
// after Stop returns.
func TestCleanShutdownUnderLoad(t *testing.T) {
	t.Parallel()

	log := &stopLog{}
	input := &scriptInput{name: "t7_input", pump: true, stopLog: log}
	input.register()

	sinks := make([]*recorder, 3)
	for i := range sinks {
		sinks[i] = &recorder{name: fmt.Sprintf("t7_sink_%d", i), stopLog: log}
		sinks[i].register(stage.Output)
	}

	p, err := Assemble([]descriptor.Entry{
		entry("t7_input", ""),
		entry("t7_sink_0", ""),
		entry("t7_sink_1", ""),
		entry("t7_sink_2", ""),
	}, Config{RingSlots: 64, RingSlotBytes: 2048})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	waitFor(t, 5*time.Second, func() bool { return sinks[0].count() > 100 }, "load")

	start := time.Now()
	p.Stop()
	require.Less(t, time.Since(start), 5*time.Second)

	// Idempotent: a second Stop is a no-op.
	p.Stop()

	log.mu.Lock()
	assert.Equal(t, []string{"t7_input", "t7_sink_2", "t7_sink_1", "t7_sink_0"}, log.order)
	log.mu.Unlock()

	input.mu.Lock()
	assert.Equal(t, 1, input.stops)
	input.mu.Unlock()
	for _, s := range sinks {
		s.mu.Lock()
		assert.Equal(t, 1, s.stops)
		s.mu.Unlock()
	}

	counts := []int{sinks[0].count(), sinks[1].count(), sinks[2].count()}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, counts, []int{sinks[0].count(), sinks[1].count(), sinks[2].count()},
		"deliveries after Stop returned")
}

// TestSinkPanicIsolation checks that a panicking sink is counted and does
// not stop dispatch to the remaining sinks.
func TestSinkPanicIsolation(t *testing.T) {
	t.Parallel()

	input := &scriptInput{name: "t8_input"}
	input.units = [][]byte{
		frame(0, 0, 1, []byte("a")),
		frame(0, 0, 2, []byte("b")),
	}
	input.register()

	stage.Register("t8_panicking", func(rec *stage.Record) {
		rec.Version = stage.ABIVersion
		rec.Kind = stage.Detect
		rec.Start = func(rec *stage.Record, _ *stage.HostAPI, _ any, _ string) int { return 0 }
		rec.Stop = func(rec *stage.Record) {}
		rec.OnFrame = func(*stage.Record, []byte) { panic("bad sink") }
	})
	healthy := &recorder{name: "t8_healthy"}
	healthy.register(stage.Output)

	p, err := Assemble([]descriptor.Entry{
		entry("t8_input", ""),
		entry("t8_panicking", ""),
		entry("t8_healthy", ""),
	}, Config{RingSlots: 16, RingSlotBytes: 64})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	waitFor(t, 5*time.Second, func() bool { return healthy.count() == 2 }, "healthy sink deliveries")
	assert.Equal(t, uint64(2), p.SinkPanicCount())
}

// TestMalformedUnitsDropped pushes garbage through the capture callback
// and checks it is counted but never delivered.
func TestMalformedUnitsDropped(t *testing.T) {
	t.Parallel()

	input := &scriptInput{name: "t9_input"}
	input.units = [][]byte{
		[]byte("garbage that is neither frame nor event"),
		frame(0, 0, 1, []byte("ok")),
	}
	input.register()
	sink := &recorder{name: "t9_sink"}
	sink.register(stage.Output)

	p, err := Assemble([]descriptor.Entry{
		entry("t9_input", ""),
		entry("t9_sink", ""),
	}, Config{RingSlots: 16, RingSlotBytes: 128})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	waitFor(t, 5*time.Second, func() bool { return sink.count() == 1 }, "valid unit delivery")
	assert.Equal(t, uint64(1), p.MalformedCount())

	unit, err := envelope.Decode(sink.snapshot()[0])
	require.NoError(t, err)
	assert.Equal(t, envelope.KindFrame, unit.Kind)
}

// TestEventUnitsReachBusSubscribers checks that ring-borne events from the
// input surface on the pipeline bus.
func TestEventUnitsReachBusSubscribers(t *testing.T) {
	t.Parallel()

	input := &scriptInput{name: "t10_input"}
	input.units = [][]byte{[]byte(`{"event":"StreamConnected","url":"rtsp://cam"}`)}
	input.register()
	sink := &recorder{name: "t10_sink"}
	sink.register(stage.Output)

	p, err := Assemble([]descriptor.Entry{
		entry("t10_input", ""),
		entry("t10_sink", ""),
	}, Config{RingSlots: 16, RingSlotBytes: 128})
	require.NoError(t, err)

	seen := make(chan string, 1)
	p.Bus().Subscribe(bus.TopicPluginEvent, func(msg string) {
		if envelope.EventType([]byte(msg)) == envelope.EventStreamConnected {
			select {
			case seen <- msg:
			default:
			}
		}
	})

	require.NoError(t, p.Start())
	defer p.Stop()

	select {
	case msg := <-seen:
		assert.Contains(t, msg, "rtsp://cam")
	case <-time.After(5 * time.Second):
		t.Fatal("StreamConnected never reached the bus")
	}
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()

	input := &scriptInput{name: "t11_input"}
	input.register()
	sink := &recorder{name: "t11_sink"}
	sink.register(stage.Output)

	p, err := Assemble([]descriptor.Entry{
		entry("t11_input", ""),
		entry("t11_sink", ""),
	}, Config{RingSlots: 8, RingSlotBytes: 64})
	require.NoError(t, err)

	p.Stop()
	require.Error(t, p.Start(), "start after stop must fail")
	assert.Zero(t, sink.count())
}

func TestErrorsUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("inner")
	ae := &AssemblyError{Index: 2, Err: inner}
	require.ErrorIs(t, ae, inner)
	assert.Contains(t, ae.Error(), "slot 2")

	ssf := &StageStartFailedError{Index: 1, Code: -1}
	assert.Contains(t, ssf.Error(), "stage 1")
}
