// Package store implements the store_filesystem sink: it segments the CPU
// frame payloads it is delivered into timestamped files on disk, rotating
// on keyframes once the configured media time has elapsed. Frames of every
// admitted stream go into the same segment; stream selection is left to
// the sink's stream_filter.
//
// The sink follows the metadata-then-keyframe protocol: it records the
// codec extradata from a StreamMetadata event and defers all output until
// the first admitted keyframe, so every segment starts decodable.
package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/zmkit/zmhost/internal/envelope"
	"github.com/zmkit/zmhost/internal/stage"
)

// KindName is the registry name pipeline descriptions use for this sink.
const KindName = "store_filesystem"

func init() {
	stage.Register(KindName, Init)
}

type config struct {
	Root      string `json:"root"`
	MonitorID int    `json:"monitor_id"`
	MaxSecs   int    `json:"max_secs"`
}

type instance struct {
	host    *stage.HostAPI
	hostCtx any
	cfg     config

	mu        sync.Mutex
	extradata []byte // decoded from StreamMetadata, owned by this sink
	haveMeta  bool
	started   bool // first admitted keyframe seen
	warnedGPU bool

	file     *os.File
	curPath  string
	startPTS int64
	lastPTS  int64

	now func() time.Time // test seam
}

func defaultRoot() string {
	switch runtime.GOOS {
	case "darwin":
		return "/Shared/zm/media"
	case "windows":
		return "C:/ZM/media"
	default:
		return "/var/lib/zm/media"
	}
}

// Init populates a stage record for the store sink.
func Init(rec *stage.Record) {
	rec.Version = stage.ABIVersion
	rec.Kind = stage.Store
	rec.Start = start
	rec.Stop = stop
	rec.OnFrame = onFrame
}

func start(rec *stage.Record, host *stage.HostAPI, hostCtx any, configJSON string) int {
	inst := &instance{
		host:    host,
		hostCtx: hostCtx,
		cfg:     config{Root: defaultRoot(), MaxSecs: 300},
		now:     time.Now,
	}
	if err := json.Unmarshal([]byte(configJSON), &inst.cfg); err != nil {
		host.Log(hostCtx, stage.LogError, "store_filesystem: invalid config JSON: "+err.Error())
		return -1
	}
	if inst.cfg.MaxSecs <= 0 {
		inst.cfg.MaxSecs = 300
	}
	rec.Instance = inst
	return 0
}

func stop(rec *stage.Record) {
	inst, _ := rec.Instance.(*instance)
	if inst == nil {
		return
	}
	inst.mu.Lock()
	inst.closeFile()
	inst.mu.Unlock()
	rec.Instance = nil
}

func onFrame(rec *stage.Record, buf []byte) {
	inst, _ := rec.Instance.(*instance)
	if inst == nil {
		return
	}

	unit, err := envelope.Decode(buf)
	if err != nil {
		return
	}
	if unit.Kind == envelope.KindEvent {
		inst.onEvent(unit.Raw)
		return
	}

	hdr := unit.Header
	if hdr.HWType != envelope.HWCPU {
		if !inst.warnedGPU {
			inst.log(stage.LogWarn, "skipping GPU frame")
			inst.warnedGPU = true
		}
		return
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if !inst.started {
		if !inst.haveMeta || !hdr.Keyframe() {
			return
		}
		if !inst.openFile() {
			return
		}
		inst.started = true
	}

	if inst.file == nil {
		return
	}

	// Rotate only on keyframes so every segment starts decodable. A keyframe
	// arriving within the first two seconds of a wall-clock day also forces
	// rotation regardless of elapsed media time; a day boundary with no
	// keyframe in that window does not rotate.
	if hdr.Keyframe() && inst.startPTS != 0 {
		elapsed := (hdr.PTSUsec - inst.startPTS) / 1e6
		if elapsed >= int64(inst.cfg.MaxSecs) || pastMidnight(inst.now()) {
			inst.closeFile()
			if !inst.openFile() {
				return
			}
		}
	}

	if _, err := inst.file.Write(unit.Payload); err != nil {
		inst.log(stage.LogError, "write failed: "+err.Error())
		return
	}
	if inst.startPTS == 0 {
		inst.startPTS = hdr.PTSUsec
	}
	inst.lastPTS = hdr.PTSUsec
}

func pastMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() < 2
}

// onEvent records codec extradata from StreamMetadata events. The base64
// payload is decoded into a buffer this sink owns.
func (inst *instance) onEvent(raw []byte) {
	if envelope.EventType(raw) != envelope.EventStreamMetadata {
		return
	}
	var meta envelope.StreamMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		inst.log(stage.LogWarn, "unparseable StreamMetadata event")
		return
	}
	extradata, err := base64.StdEncoding.DecodeString(meta.Extradata)
	if err != nil {
		inst.log(stage.LogWarn, "invalid extradata base64")
		return
	}

	inst.mu.Lock()
	inst.extradata = extradata
	inst.haveMeta = true
	inst.mu.Unlock()
	inst.log(stage.LogInfo, fmt.Sprintf("received StreamMetadata, codec %d %dx%d",
		meta.CodecID, meta.Width, meta.Height))
}

// openFile creates the next segment at
// <root>/<YYYY-MM-DD>/Monitor-<id>/<HH-MM-SS>.h264 and writes the codec
// extradata so the segment decodes standalone. Caller holds mu.
func (inst *instance) openFile() bool {
	t := inst.now()
	dir := filepath.Join(inst.cfg.Root, t.Format("2006-01-02"),
		fmt.Sprintf("Monitor-%d", inst.cfg.MonitorID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		inst.log(stage.LogError, "cannot create "+dir+": "+err.Error())
		return false
	}
	path := filepath.Join(dir, t.Format("15-04-05")+".h264")
	f, err := os.Create(path)
	if err != nil {
		inst.log(stage.LogError, "cannot create "+path+": "+err.Error())
		return false
	}
	if len(inst.extradata) > 0 {
		if _, err := f.Write(inst.extradata); err != nil {
			inst.log(stage.LogError, "write extradata failed: "+err.Error())
			f.Close()
			return false
		}
	}
	inst.file = f
	inst.curPath = path
	inst.startPTS = 0
	inst.lastPTS = 0
	inst.log(stage.LogInfo, "opened segment "+path)
	return true
}

// closeFile finalizes the current segment and publishes FileClosed with
// the segment's media duration. Caller holds mu.
func (inst *instance) closeFile() {
	if inst.file == nil {
		return
	}
	if err := inst.file.Close(); err != nil {
		inst.log(stage.LogError, "close failed: "+err.Error())
	}
	ev := envelope.FileClosed{
		Event:    envelope.EventFileClosed,
		Path:     inst.curPath,
		Duration: inst.lastPTS - inst.startPTS,
	}
	if data, err := json.Marshal(ev); err == nil && inst.host.PublishEvent != nil {
		inst.host.PublishEvent(inst.hostCtx, string(data))
	}
	inst.log(stage.LogInfo, fmt.Sprintf("closed segment %s (duration=%dus)",
		inst.curPath, ev.Duration))
	inst.file = nil
}

func (inst *instance) log(level stage.LogLevel, msg string) {
	if inst.host != nil && inst.host.Log != nil {
		inst.host.Log(inst.hostCtx, level, "store_filesystem: "+msg)
	}
}
