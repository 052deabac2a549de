package pipeline

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zmkit/zmhost/internal/bus"
	"github.com/zmkit/zmhost/internal/descriptor"
	"github.com/zmkit/zmhost/internal/loader"
	"github.com/zmkit/zmhost/internal/ring"
	"github.com/zmkit/zmhost/internal/stage"
)

// Defaults for the host configuration knobs.
const (
	DefaultRingSlots          = 256
	DefaultRingSlotBytes      = 1 << 20
	DefaultPluginsDir         = "plugins"
	DefaultDropReportInterval = 10 * time.Second
)

// Config carries the host-level knobs; per-stage configuration passes
// through untouched in each descriptor entry.
type Config struct {
	RingSlots          int
	RingSlotBytes      int
	PluginsDir         string
	MonitorID          int
	DropReportInterval time.Duration
	Logger             *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.RingSlots == 0 {
		c.RingSlots = DefaultRingSlots
	}
	if c.RingSlotBytes == 0 {
		c.RingSlotBytes = DefaultRingSlotBytes
	}
	if c.PluginsDir == "" {
		c.PluginsDir = DefaultPluginsDir
	}
	if c.DropReportInterval == 0 {
		c.DropReportInterval = DefaultDropReportInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// sinkSlot pairs an initialized sink handle with its admitted stream set.
// A nil filter admits every stream; event units bypass filters entirely.
type sinkSlot struct {
	handle *loader.Handle
	filter map[uint32]struct{}
	// index is the slot's position in the flattened description, used in
	// start-failure reporting.
	index int
}

func (s *sinkSlot) admits(streamID uint32) bool {
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[streamID]
	return ok
}

// Assemble turns a flattened pipeline description into a constructed (not
// yet started) Pipeline. On any per-slot failure every module already
// loaded is released in reverse order and an *AssemblyError is returned;
// no goroutine is left running and no stage is left initialized.
func Assemble(entries []descriptor.Entry, cfg Config) (*Pipeline, error) {
	cfg = cfg.withDefaults()

	handles := make([]*loader.Handle, 0, len(entries))
	unwind := func() {
		for i := len(handles) - 1; i >= 0; i-- {
			handles[i].Module.Close()
		}
	}

	for i, e := range entries {
		var (
			mod *loader.Module
			err error
		)
		if e.Path != "" {
			mod, err = loader.Open(e.Path)
		} else {
			mod, err = loader.OpenKind(e.Kind, cfg.PluginsDir)
		}
		if err != nil {
			unwind()
			return nil, &AssemblyError{Index: i, Err: err}
		}

		h, err := loader.Init(mod)
		if err != nil {
			mod.Close()
			unwind()
			return nil, &AssemblyError{Index: i, Err: err}
		}
		h.ConfigJSON = e.ConfigJSON
		handles = append(handles, h)
	}

	var input *loader.Handle
	inputIdx := -1
	sinks := make([]*sinkSlot, 0, len(handles))
	for i, h := range handles {
		if h.Kind() == stage.Input {
			if input != nil {
				unwind()
				return nil, &AssemblyError{Index: i, Err: &descriptor.MalformedPipelineError{
					Reason: "multiple input stages",
				}}
			}
			input = h
			inputIdx = i
			continue
		}
		filter, err := descriptor.StreamFilter(h.ConfigJSON)
		if err != nil {
			unwind()
			return nil, &AssemblyError{Index: i, Err: err}
		}
		sinks = append(sinks, &sinkSlot{handle: h, filter: filter, index: i})
	}
	if input == nil {
		unwind()
		return nil, &AssemblyError{Index: 0, Err: &descriptor.MalformedPipelineError{
			Reason: "no input stage",
		}}
	}

	rng, err := ring.New(cfg.RingSlots, cfg.RingSlotBytes)
	if err != nil {
		unwind()
		return nil, &AssemblyError{Index: 0, Err: err}
	}

	id := uuid.NewString()
	log := cfg.Logger.With("component", "pipeline", "pipeline", id)

	return &Pipeline{
		id:       id,
		cfg:      cfg,
		log:      log,
		bus:      bus.New(log),
		ring:     rng,
		handles:  handles,
		input:    input,
		inputIdx: inputIdx,
		sinks:    sinks,
	}, nil
}
