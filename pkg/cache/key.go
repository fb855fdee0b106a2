// Package cache implements node result reuse: content-addressed keys over a
// tool's identity, version and resolved inputs, pluggable record stores, and a
// lock-bounded manager that degrades every failure to a cache miss.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"time"

	"github.com/goccy/go-json"
)

// Key is the hex encoded sha256 of a tool invocation's canonical form.
type Key string

// String implements fmt.Stringer.
func (k Key) String() string {
	return string(k)
}

type keyMaterial struct {
	Tool    string         `json:"tool"`
	Version string         `json:"version"`
	Inputs  map[string]any `json:"inputs"`
}

// ComputeKey hashes the canonical JSON of a tool invocation. Map keys are
// serialized in sorted order so equal inputs always give the same key. Inputs
// that cannot be serialized make the invocation uncacheable.
func ComputeKey(toolID, version string, inputs map[string]any) (Key, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	data, err := json.Marshal(keyMaterial{Tool: toolID, Version: version, Inputs: inputs})
	if err != nil {
		return "", fmt.Errorf("canonicalize inputs of tool '%s': %w", toolID, err)
	}
	sum := sha256.Sum256(data)
	return Key(hex.EncodeToString(sum[:])), nil
}

// Record is a persisted node result.
type Record struct {
	HashID    Key       `json:"hash_id"`
	Output    any       `json:"output"`
	RunID     string    `json:"run_id"`
	FlowRunID string    `json:"flow_run_id"`
	Timestamp time.Time `json:"timestamp"`
}

func encodeRecord(r *Record) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if r.HashID == "" {
		return nil, fmt.Errorf("%w: missing hash id", ErrCorrupt)
	}
	return &r, nil
}

// roundTrips reports whether an output decodes back to an identical value.
// Typed numbers, typed slices and structs come back as float64, []any and
// map[string]any, so a hit on them would hand downstream nodes a different
// value than the tool produced.
func roundTrips(output any) bool {
	data, err := json.Marshal(output)
	if err != nil {
		return false
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return false
	}
	return reflect.DeepEqual(output, decoded)
}
