package run

import (
	"errors"
	"fmt"
	"sort"
	"time"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ErrorPayload is the serialized form of an execution error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Node    string `json:"node,omitempty"`
	Type    string `json:"type,omitempty"`
}

// NewErrorPayload converts an error into its serialized form.
func NewErrorPayload(err error) *ErrorPayload {
	if err == nil {
		return nil
	}
	p := &ErrorPayload{
		Code:    derrors.Code(err),
		Message: err.Error(),
		Node:    derrors.NodeOf(err),
		Type:    fmt.Sprintf("%T", err),
	}
	// Report the innermost cause type for tool errors.
	if cause := errors.Unwrap(err); cause != nil {
		p.Type = fmt.Sprintf("%T", cause)
	}
	return p
}

// RunInfo is the execution record of a single node run.
type RunInfo struct {
	Node        string         `json:"node"`
	FlowRunID   string         `json:"flow_run_id"`
	RunID       string         `json:"run_id"`
	ParentRunID string         `json:"parent_run_id"`
	Index       int            `json:"index"`
	Status      Status         `json:"status"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Output      any            `json:"output"`
	Error       *ErrorPayload  `json:"error,omitempty"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`

	// CachedRunID and CachedFlowRunID are set when the output was served from cache.
	CachedRunID     string `json:"cached_run_id,omitempty"`
	CachedFlowRunID string `json:"cached_flow_run_id,omitempty"`

	// Aggregation marks runs of aggregation nodes.
	Aggregation bool `json:"aggregation,omitempty"`
}

// Duration returns the wall time of the run.
func (r *RunInfo) Duration() time.Duration {
	if r.EndTime.IsZero() || r.StartTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// FlowRunInfo is the line-level execution record.
type FlowRunInfo struct {
	RunID       string         `json:"run_id"`
	FlowID      string         `json:"flow_id"`
	ParentRunID string         `json:"parent_run_id"`
	Index       int            `json:"index"`
	Status      Status         `json:"status"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *ErrorPayload  `json:"error,omitempty"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
}

// LineResult is the outcome of executing one line through a flow.
type LineResult struct {
	Output            map[string]any      `json:"output"`
	AggregationInputs map[string]any      `json:"aggregation_inputs,omitempty"`
	RunInfo           *FlowRunInfo        `json:"run_info"`
	NodeRunInfos      map[string]*RunInfo `json:"node_run_infos"`
}

// Index returns the line number of the result.
func (l *LineResult) Index() int {
	if l.RunInfo == nil {
		return -1
	}
	return l.RunInfo.Index
}

// Status returns the line status.
func (l *LineResult) Status() Status {
	if l.RunInfo == nil {
		return StatusNotStarted
	}
	return l.RunInfo.Status
}

// AggregationResult is the outcome of the aggregation stage.
type AggregationResult struct {
	Output       map[string]any      `json:"output"`
	Metrics      map[string]any      `json:"metrics,omitempty"`
	NodeRunInfos map[string]*RunInfo `json:"node_run_infos"`
	Error        *ErrorPayload       `json:"error,omitempty"`
}

// Failed reports whether any aggregation node failed.
func (a *AggregationResult) Failed() bool {
	return a != nil && a.Error != nil
}

// LineFailure summarizes one failed line.
type LineFailure struct {
	Index int           `json:"index"`
	Error *ErrorPayload `json:"error"`
}

// BatchResult collects every line of a batch plus the aggregation outcome.
type BatchResult struct {
	RunID          string             `json:"run_id"`
	Status         Status             `json:"status"`
	TotalLines     int                `json:"total_lines"`
	CompletedLines int                `json:"completed_lines"`
	FailedLines    int                `json:"failed_lines"`
	Failures       []LineFailure      `json:"failures,omitempty"`
	LineResults    []*LineResult      `json:"line_results"`
	Aggregation    *AggregationResult `json:"aggregation,omitempty"`
	StartTime      time.Time          `json:"start_time"`
	EndTime        time.Time          `json:"end_time"`
}

// Add appends a line result and updates the counters.
func (b *BatchResult) Add(result *LineResult) {
	b.LineResults = append(b.LineResults, result)
	b.TotalLines++
	switch result.Status() {
	case StatusCompleted:
		b.CompletedLines++
	default:
		b.FailedLines++
		var payload *ErrorPayload
		if result.RunInfo != nil {
			payload = result.RunInfo.Error
		}
		b.Failures = append(b.Failures, LineFailure{Index: result.Index(), Error: payload})
	}
}

// Close sorts results by line index and sets the final status. A batch whose
// lines failed is still Completed; only an aggregation failure fails it.
func (b *BatchResult) Close(end time.Time) {
	sort.Slice(b.LineResults, func(i, j int) bool {
		return b.LineResults[i].Index() < b.LineResults[j].Index()
	})
	sort.Slice(b.Failures, func(i, j int) bool {
		return b.Failures[i].Index < b.Failures[j].Index
	})
	b.EndTime = end
	if b.Status == "" || b.Status == StatusRunning {
		b.Status = StatusCompleted
	}
	if b.Aggregation.Failed() {
		b.Status = StatusFailed
	}
}

// FailedIndexes returns the indexes of failed lines.
func (b *BatchResult) FailedIndexes() []int {
	idx := make([]int, 0, len(b.Failures))
	for _, f := range b.Failures {
		idx = append(idx, f.Index)
	}
	return idx
}

// Summary renders the "N/total lines failed" batch summary.
func (b *BatchResult) Summary() string {
	return fmt.Sprintf("%d/%d lines failed", b.FailedLines, b.TotalLines)
}
