package executor

// InitRequest loads a flow and starts the worker pool.
type InitRequest struct {
	WorkingDir     string         `json:"working_dir"`
	FlowFile       string         `json:"flow_file"`
	OutputDir      string         `json:"output_dir,omitempty"`
	Connections    map[string]any `json:"connections,omitempty"`
	WorkerCount    int            `json:"worker_count,omitempty"`
	LineTimeoutSec int            `json:"line_timeout_sec,omitempty"`
	InitKwargs     map[string]any `json:"init_kwargs,omitempty"`
}

// InitResponse describes the loaded flow.
type InitResponse struct {
	FlowInputsSchema    map[string]map[string]any `json:"flow_inputs_schema"`
	HasAggregationNodes bool                      `json:"has_aggregation_nodes"`
}

// ExecuteLineRequest runs one line.
type ExecuteLineRequest struct {
	RunID      string         `json:"run_id"`
	LineNumber int            `json:"line_number"`
	Inputs     map[string]any `json:"inputs"`
}

// AggregationRequest runs the aggregation nodes over columnized line data.
type AggregationRequest struct {
	RunID             string           `json:"run_id"`
	BatchInputs       map[string][]any `json:"batch_inputs"`
	AggregationInputs map[string][]any `json:"aggregation_inputs"`
}

// FinalizeResponse acknowledges shutdown.
type FinalizeResponse struct {
	Status string `json:"status"`
}

// StatusFinalized is the status returned by Finalize.
const StatusFinalized = "finalized"
