// Package storage persists node and line records produced while a batch runs.
//
// Every backend writes the same logical layout: one record per line under
// outputs/<line>.json and one record per node run under
// artifacts/<line>/<node>.json, with aggregation nodes under
// artifacts/reduce/<node>.json.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/wehubfusion/Daedalus/pkg/run"
)

// RunStorage receives node and line records. Implementations must be safe for
// concurrent use.
type RunStorage interface {
	PersistNodeRun(ctx context.Context, info *run.RunInfo) error
	PersistLineRun(ctx context.Context, result *run.LineResult) error
}

const (
	outputsDir   = "outputs"
	artifactsDir = "artifacts"
	reduceDir    = "reduce"
)

var (
	// ErrNilRecord is returned when a nil record is persisted.
	ErrNilRecord = errors.New("record cannot be nil")

	// ErrClosed is returned after a backend was closed.
	ErrClosed = errors.New("storage is closed")
)

// LinePath returns the relative path of a line record.
func LinePath(line int) string {
	return path.Join(outputsDir, strconv.Itoa(line)+".json")
}

// NodePath returns the relative path of a node record.
func NodePath(info *run.RunInfo) string {
	dir := strconv.Itoa(info.Index)
	if info.Aggregation {
		dir = reduceDir
	}
	return path.Join(artifactsDir, dir, info.Node+".json")
}

// LineRecord is the persisted form of a line. Node run details are written
// separately so the line record only carries the line-level view.
type LineRecord struct {
	Output            map[string]any    `json:"output"`
	AggregationInputs map[string]any    `json:"aggregation_inputs,omitempty"`
	RunInfo           *run.FlowRunInfo  `json:"run_info"`
	Nodes             map[string]string `json:"nodes,omitempty"`
}

func newLineRecord(result *run.LineResult) *LineRecord {
	rec := &LineRecord{
		Output:            result.Output,
		AggregationInputs: result.AggregationInputs,
		RunInfo:           result.RunInfo,
	}
	if len(result.NodeRunInfos) > 0 {
		rec.Nodes = make(map[string]string, len(result.NodeRunInfos))
		for name, info := range result.NodeRunInfos {
			rec.Nodes[name] = string(info.Status)
		}
	}
	return rec
}

func encodeNode(info *run.RunInfo) ([]byte, error) {
	if info == nil {
		return nil, ErrNilRecord
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run of node '%s': %w", info.Node, err)
	}
	return data, nil
}

func encodeLine(result *run.LineResult) ([]byte, error) {
	if result == nil || result.RunInfo == nil {
		return nil, ErrNilRecord
	}
	data, err := json.Marshal(newLineRecord(result))
	if err != nil {
		return nil, fmt.Errorf("failed to encode line %d: %w", result.Index(), err)
	}
	return data, nil
}
