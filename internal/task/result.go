package task

// ExecResult is the outcome of one processor run. A failed result never
// carries provenance.
type ExecResult struct {
	IsSuccess  bool       `json:"isSuccess"`
	Outputs    Outputs    `json:"outputs"`
	Provenance Provenance `json:"provenance"`
}

// Success creates a successful result.
func Success(outputs Outputs, provenance Provenance) *ExecResult {
	return &ExecResult{IsSuccess: true, Outputs: outputs, Provenance: provenance}
}

// Failure creates a failed result.
func Failure(outputs Outputs) *ExecResult {
	return &ExecResult{Outputs: outputs}
}

// Fail creates a failed result with err appended to the outputs' stderr.
func Fail(outputs Outputs, err error) *ExecResult {
	outputs.Error(err)
	return Failure(outputs)
}

// IsError reports whether the task failed.
func (r *ExecResult) IsError() bool {
	return !r.IsSuccess
}
