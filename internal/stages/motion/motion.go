// Package motion implements the motion_basic detector: a background
// difference over grayscale CPU payloads. When the count of changed pixels
// reaches the configured min_pixels it publishes a MotionDetected event.
package motion

import (
	"encoding/json"
	"fmt"

	"github.com/zmkit/zmhost/internal/envelope"
	"github.com/zmkit/zmhost/internal/stage"
)

// KindName is the registry name pipeline descriptions use for this sink.
const KindName = "motion_basic"

func init() {
	stage.Register(KindName, Init)
}

type config struct {
	// Threshold is the per-pixel absolute difference that counts as
	// changed, clamped to 1..255.
	Threshold int `json:"threshold"`
	// MinPixels is the changed-pixel count that triggers a detection.
	MinPixels int `json:"min_pixels"`
}

type instance struct {
	host    *stage.HostAPI
	hostCtx any
	cfg     config

	bg      []byte
	bgReady bool
	// active tracks whether we are inside a motion episode, so a steady
	// scene change emits one event rather than one per frame.
	active bool
}

// Init populates a stage record for the motion detector.
func Init(rec *stage.Record) {
	rec.Version = stage.ABIVersion
	rec.Kind = stage.Detect
	rec.Start = start
	rec.Stop = stop
	rec.OnFrame = onFrame
}

func start(rec *stage.Record, host *stage.HostAPI, hostCtx any, configJSON string) int {
	inst := &instance{
		host:    host,
		hostCtx: hostCtx,
		cfg:     config{Threshold: 18, MinPixels: 800},
	}
	if err := json.Unmarshal([]byte(configJSON), &inst.cfg); err != nil {
		host.Log(hostCtx, stage.LogError, "motion_basic: invalid config JSON: "+err.Error())
		return -1
	}
	if inst.cfg.Threshold < 1 {
		inst.cfg.Threshold = 1
	}
	if inst.cfg.Threshold > 255 {
		inst.cfg.Threshold = 255
	}
	if inst.cfg.MinPixels < 1 {
		inst.cfg.MinPixels = 1
	}
	rec.Instance = inst
	return 0
}

func stop(rec *stage.Record) {
	rec.Instance = nil
}

func onFrame(rec *stage.Record, buf []byte) {
	inst, _ := rec.Instance.(*instance)
	if inst == nil {
		return
	}

	unit, err := envelope.Decode(buf)
	if err != nil || unit.Kind != envelope.KindFrame {
		return
	}
	hdr := unit.Header
	if hdr.HWType != envelope.HWCPU || len(unit.Payload) == 0 {
		return
	}

	// The background model is keyed to the payload geometry; a resolution
	// change resets it.
	if !inst.bgReady || len(inst.bg) != len(unit.Payload) {
		inst.bg = append(inst.bg[:0], unit.Payload...)
		inst.bgReady = true
		return
	}

	changed := 0
	thr := inst.cfg.Threshold
	for i, b := range unit.Payload {
		d := int(b) - int(inst.bg[i])
		if d < 0 {
			d = -d
		}
		if d >= thr {
			changed++
		}
	}
	copy(inst.bg, unit.Payload)

	if changed >= inst.cfg.MinPixels {
		if !inst.active {
			inst.active = true
			inst.publish(hdr, changed)
		}
	} else {
		inst.active = false
	}
}

func (inst *instance) publish(hdr envelope.Header, pixels int) {
	ev := envelope.MotionDetected{
		Event:    envelope.EventMotionDetected,
		StreamID: hdr.StreamID,
		Pixels:   pixels,
		PTSUsec:  hdr.PTSUsec,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if inst.host.PublishEvent != nil {
		inst.host.PublishEvent(inst.hostCtx, string(data))
	}
	if inst.host.Log != nil {
		inst.host.Log(inst.hostCtx, stage.LogInfo,
			fmt.Sprintf("motion_basic: motion on stream %d (%d pixels)", hdr.StreamID, pixels))
	}
}
