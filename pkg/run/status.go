// Package run contains the execution records produced by the engine at node,
// line, aggregation and batch granularity.
package run

// Status is the lifecycle state of a node or line run.
type Status string

const (
	StatusNotStarted      Status = "NotStarted"
	StatusPreparing       Status = "Preparing"
	StatusRunning         Status = "Running"
	StatusCompleted       Status = "Completed"
	StatusFailed          Status = "Failed"
	StatusBypassed        Status = "Bypassed"
	StatusCanceled        Status = "Canceled"
	StatusCancelRequested Status = "CancelRequested"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBypassed, StatusCanceled:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}
