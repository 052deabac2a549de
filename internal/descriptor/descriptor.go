// Package descriptor parses declarative pipeline descriptions — an ordered
// tree of stages with per-stage configuration blobs — from JSON files or
// the legacy SQLite store, and flattens them into the load order the
// assembler uses.
package descriptor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MalformedPipelineError indicates a description that cannot yield a
// runnable pipeline: invalid JSON, a stage with neither path nor kind, or
// an empty plugin list.
type MalformedPipelineError struct {
	Reason string
}

func (e *MalformedPipelineError) Error() string {
	return "descriptor: malformed pipeline: " + e.Reason
}

// Stage is one node of the description tree. Either Path (a shared-library
// path) or Kind (resolved against the registry or the plugins directory)
// must be present. Config and Cfg are interchangeable spellings of the
// per-stage blob; Config wins when both appear.
type Stage struct {
	Path     string          `json:"path,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
	Cfg      json.RawMessage `json:"cfg,omitempty"`
	Children []Stage         `json:"children,omitempty"`
}

// Entry is one flattened pipeline slot, in delivery order.
type Entry struct {
	// Path is set when the description named a library path directly.
	Path string
	// Kind is set when the description named a stage kind.
	Kind string
	// ConfigJSON is the stage's configuration blob re-serialized as a
	// JSON document; "{}" when the description carried none.
	ConfigJSON string
}

type root struct {
	Plugins []Stage `json:"plugins"`
}

// ParseJSON decodes a pipeline description document and flattens the stage
// tree depth-first, preserving child order. The flattening order is the
// delivery order to sinks. Invalid JSON is a hard error.
func ParseJSON(data []byte) ([]Entry, error) {
	var r root
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &MalformedPipelineError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if len(r.Plugins) == 0 {
		return nil, &MalformedPipelineError{Reason: `"plugins" missing or empty`}
	}

	var out []Entry
	var add func(s Stage) error
	add = func(s Stage) error {
		e := Entry{Path: s.Path, Kind: s.Kind, ConfigJSON: "{}"}
		if e.Path == "" && e.Kind == "" {
			return &MalformedPipelineError{Reason: "stage with neither path nor kind"}
		}
		switch {
		case len(s.Config) > 0:
			e.ConfigJSON = string(s.Config)
		case len(s.Cfg) > 0:
			e.ConfigJSON = string(s.Cfg)
		}
		out = append(out, e)
		for _, c := range s.Children {
			if err := add(c); err != nil {
				return err
			}
		}
		return nil
	}
	for _, s := range r.Plugins {
		if err := add(s); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LoadFile loads a description from path: ".json" files are parsed as JSON
// documents, anything else is treated as a legacy SQLite store queried for
// monitorID.
func LoadFile(path string, monitorID int) ([]Entry, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &MalformedPipelineError{Reason: fmt.Sprintf("cannot read %s: %v", path, err)}
		}
		return ParseJSON(data)
	}
	return LoadDB(path, monitorID)
}

// FindInDir returns the first ".json" description in dir, in lexical
// order.
func FindInDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("descriptor: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("descriptor: no pipeline JSON found in %s", dir)
}

// StreamFilter extracts the host-recognized "stream_filter" array from a
// sink's configuration blob. A nil map means admit-all (absent or empty
// filter); a non-nil map admits exactly the enumerated stream ids.
// Filters apply to frame units only — event units are delivered to every
// sink.
func StreamFilter(configJSON string) (map[uint32]struct{}, error) {
	var probe struct {
		StreamFilter []uint32 `json:"stream_filter"`
	}
	if err := json.Unmarshal([]byte(configJSON), &probe); err != nil {
		return nil, &MalformedPipelineError{Reason: fmt.Sprintf("invalid stage config: %v", err)}
	}
	if len(probe.StreamFilter) == 0 {
		return nil, nil
	}
	filter := make(map[uint32]struct{}, len(probe.StreamFilter))
	for _, id := range probe.StreamFilter {
		filter[id] = struct{}{}
	}
	return filter, nil
}
