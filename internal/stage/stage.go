// Package stage defines the contract a pipeline stage exposes to the host:
// the versioned stage record a module's init function populates, and the
// host callback surface handed to every stage at start.
package stage

import "fmt"

// ABIVersion is the only stage record version this host accepts.
const ABIVersion = 1

// InitSymbol is the exported symbol a shared-library stage module must
// provide: func(*Record), invoked on a zeroed record.
const InitSymbol = "ZMPluginInit"

// Kind classifies a stage. A pipeline has exactly one Input stage; all
// other kinds are sinks for purposes of dispatch.
type Kind int

// Stage kinds.
const (
	Input Kind = iota
	Process
	Detect
	Output
	Store
)

func (k Kind) String() string {
	switch k {
	case Input:
		return "input"
	case Process:
		return "process"
	case Detect:
		return "detect"
	case Output:
		return "output"
	case Store:
		return "store"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k names a known stage kind.
func (k Kind) Valid() bool {
	return k >= Input && k <= Store
}

// LogLevel is the severity a stage passes to the host Log callback.
type LogLevel int

// Log severities.
const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// HostAPI is the callback surface the host hands to every stage's Start.
// The ctx value is host-owned and opaque to the stage; it must be threaded
// back into every callback. Input stages call OnFrame to push units into
// the frame ring; all stages may call Log and PublishEvent. The host
// constructs a fresh HostAPI per pipeline; stages must not retain it past
// Stop.
type HostAPI struct {
	Log          func(ctx any, level LogLevel, msg string)
	PublishEvent func(ctx any, json string)
	OnFrame      func(ctx any, buf []byte)
}

// StartFunc starts a stage instance. A non-zero return aborts pipeline
// start. The stage must store its per-instance state in rec.Instance.
type StartFunc func(rec *Record, host *HostAPI, hostCtx any, configJSON string) int

// StopFunc stops a stage, releases every stage-owned resource, and clears
// rec.Instance.
type StopFunc func(rec *Record)

// OnFrameFunc delivers one unit — a frame header plus payload, or a JSON
// event beginning with '{' — to a sink. Input stages leave it nil. The
// buffer is valid only for the duration of the call; sinks that retain
// data must copy it.
type OnFrameFunc func(rec *Record, buf []byte)

// Record is the stage record an init function populates. It doubles as the
// per-instance handle: Instance is set by Start and cleared by Stop, and is
// written and read only under the pipeline's start/stop ordering.
type Record struct {
	Version  int
	Kind     Kind
	Start    StartFunc
	Stop     StopFunc
	OnFrame  OnFrameFunc
	Instance any
}

// InitFunc is the signature of a module's init symbol.
type InitFunc func(*Record)
