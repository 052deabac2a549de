// Package logsink implements the log_sink output stage: it logs the shape
// of every delivered unit at debug level. Useful for pipeline smoke tests
// and as the smallest possible sink.
package logsink

import (
	"fmt"
	"sync/atomic"

	"github.com/zmkit/zmhost/internal/envelope"
	"github.com/zmkit/zmhost/internal/stage"
)

// KindName is the registry name pipeline descriptions use for this sink.
const KindName = "log_sink"

func init() {
	stage.Register(KindName, Init)
}

type instance struct {
	host    *stage.HostAPI
	hostCtx any
	frames  atomic.Uint64
	events  atomic.Uint64
}

// Init populates a stage record for the log sink.
func Init(rec *stage.Record) {
	rec.Version = stage.ABIVersion
	rec.Kind = stage.Output
	rec.Start = func(rec *stage.Record, host *stage.HostAPI, hostCtx any, _ string) int {
		rec.Instance = &instance{host: host, hostCtx: hostCtx}
		return 0
	}
	rec.Stop = func(rec *stage.Record) {
		inst, _ := rec.Instance.(*instance)
		if inst != nil && inst.host.Log != nil {
			inst.host.Log(inst.hostCtx, stage.LogInfo, fmt.Sprintf(
				"log_sink: saw %d frames, %d events", inst.frames.Load(), inst.events.Load()))
		}
		rec.Instance = nil
	}
	rec.OnFrame = func(rec *stage.Record, buf []byte) {
		inst, _ := rec.Instance.(*instance)
		if inst == nil {
			return
		}
		unit, err := envelope.Decode(buf)
		if err != nil {
			return
		}
		switch unit.Kind {
		case envelope.KindEvent:
			inst.events.Add(1)
			inst.host.Log(inst.hostCtx, stage.LogDebug,
				"log_sink: event "+envelope.EventType(unit.Raw))
		case envelope.KindFrame:
			inst.frames.Add(1)
			inst.host.Log(inst.hostCtx, stage.LogDebug, fmt.Sprintf(
				"log_sink: frame stream=%d bytes=%d pts=%d key=%v",
				unit.Header.StreamID, unit.Header.Bytes, unit.Header.PTSUsec, unit.Header.Keyframe()))
		}
	}
}
