package harness

import "github.com/roach88/datastore/internal/schema"

// Step kinds recorded in a trace.
const (
	KindBuild  = "build"
	KindEdit   = "edit"
	KindQuery  = "query"
	KindStream = "stream"
)

// StepTrace is what one step did. Versions appear as labels.
type StepTrace struct {
	Step      int             `json:"step"`
	Kind      string          `json:"kind"`
	Version   string          `json:"version,omitempty"`
	Linked    []string        `json:"linked,omitempty"`
	Latest    string          `json:"latest,omitempty"`
	StreamID  string          `json:"stream_id,omitempty"`
	Rows      []schema.Record `json:"rows,omitempty"`
	Microgons *int64          `json:"microgons,omitempty"`
	Error     string          `json:"error,omitempty"`

	// Detail is the full error message behind Error.
	Detail string `json:"-"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every step met its expectation.
	Pass bool `json:"pass"`

	// Steps holds one trace per scenario step, in order.
	Steps []StepTrace `json:"steps"`

	// Errors contains expectation failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Versions maps labels to the version hashes they stand for.
	Versions map[string]string `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Steps:    []StepTrace{},
		Errors:   []string{},
		Versions: map[string]string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
