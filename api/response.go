package api

type Status string

const (
	StatusCompiling          Status = "compiling"
	StatusExecuting          Status = "executing"
	StatusCompleted          Status = "completed"
	StatusRuntimeError       Status = "runtime_error"
	StatusTimeout            Status = "timeout"
	StatusCompilationFailure Status = "compilation_failure"
	StatusServiceFailure     Status = "service_failure"
)

// Known reports whether s is a status this system emits. Consumers drop
// messages with unknown statuses instead of guessing at their meaning.
func (s Status) Known() bool {
	switch s {
	case StatusCompiling, StatusExecuting, StatusCompleted,
		StatusRuntimeError, StatusTimeout,
		StatusCompilationFailure, StatusServiceFailure:
		return true
	}
	return false
}

// Terminal reports whether a status ends the job. Only terminal results
// trigger grading side effects in the consumer.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompiling, StatusExecuting:
		return false
	}
	return true
}

// ResultMessage is the envelope published to the results queue for every
// intermediate and terminal status of a job.
type ResultMessage struct {
	JobId  string `json:"job_id"`
	Status Status `json:"status"`

	Out string `json:"out"`
	Err string `json:"err"`

	ExitCode    int   `json:"exit_code"`
	StartNs     int64 `json:"start_ns"`
	EndNs       int64 `json:"end_ns"`
	MaxMemoryKb int64 `json:"max_memory_kb"`

	// ElapsedMs is the guest-measured run time from the injected timing
	// probe, when the job requested one. Wall clock is StartNs/EndNs.
	ElapsedMs *int64 `json:"elapsed_ms,omitempty"`

	Tests []TestVerdict `json:"tests,omitempty"`
}

type TestVerdict struct {
	TestId string `json:"test_id"`
	Passed bool   `json:"passed"`
}
