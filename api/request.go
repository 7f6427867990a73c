package api

type JobType string

const (
	JobTypeSubmission JobType = "submission"
	JobTypeDryRun     JobType = "dry_run"
	JobTypeValidation JobType = "validation"
)

// EntryClassPlaceholder is the token in Setup/CallFunc/Call strings that the
// harness injector replaces with the resolved entry class name.
const EntryClassPlaceholder = "{entry_class}"

type JobRequest struct {
	JobId   string  `json:"job_id"`
	JobType JobType `json:"job_type"`

	UserId    string  `json:"user_id"`
	ProblemId *string `json:"problem_id,omitempty"`

	Code      string `json:"code"`
	ClassName string `json:"class_name"`

	// Insertion offsets into Code for the start and end of the entrypoint
	// method body, produced by upstream source analysis.
	MainStart int `json:"main_start"`
	MainEnd   int `json:"main_end"`

	// SigningKey marks injected output lines. Generated by the orchestrator
	// when empty.
	SigningKey string `json:"signing_key,omitempty"`

	Tests      []TestCase `json:"tests"`
	WithTiming bool       `json:"with_timing"`
}

type TestCase struct {
	Id string `json:"id"`

	Setup    string   `json:"setup"`
	Calls    []string `json:"calls"`
	CallFunc string   `json:"call_func"`
	Expected string   `json:"expected"`

	OrderMatters bool `json:"order_matters"`
}
