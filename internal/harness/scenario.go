package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Scenario defines a build and query scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Definition is the CUE definition to build. Relative paths are
	// resolved against the scenario file.
	Definition string `yaml:"definition"`

	// Config holds node settings for the run.
	Config NodeConfig `yaml:"config,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`
}

// NodeConfig mirrors the node configuration keys a scenario may set.
type NodeConfig struct {
	CorePlugins          map[string]string `yaml:"core_plugins,omitempty"`
	ComputePricePerQuery int64             `yaml:"compute_price_per_query,omitempty"`
	PaymentAddress       string            `yaml:"payment_address,omitempty"`
}

// Step is one scenario action. Exactly one of Build, Edit, Query and
// Stream is set.
type Step struct {
	Build  *BuildStep  `yaml:"build,omitempty"`
	Edit   *EditStep   `yaml:"edit,omitempty"`
	Query  *QueryStep  `yaml:"query,omitempty"`
	Stream *StreamStep `yaml:"stream,omitempty"`

	// Expect is checked against the step trace. If nil, the step only
	// has to succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// BuildStep builds and installs the definition.
type BuildStep struct {
	Timestamp  int64 `yaml:"timestamp"`
	NewHistory bool  `yaml:"new_history,omitempty"`
}

// EditStep changes the definition source.
type EditStep struct {
	// Append is added to the end of the source.
	Append string `yaml:"append,omitempty"`

	// Replace swaps the first occurrence of Old with New.
	Replace *Replacement `yaml:"replace,omitempty"`
}

// Replacement is a literal text substitution.
type Replacement struct {
	Old string `yaml:"old"`
	New string `yaml:"new"`
}

// QueryStep runs SQL against a built version.
type QueryStep struct {
	Version      string `yaml:"version"`
	SQL          string `yaml:"sql"`
	Bind         []any  `yaml:"bind,omitempty"`
	Function     string `yaml:"function,omitempty"`
	Table        string `yaml:"table,omitempty"`
	MaxMicrogons int64  `yaml:"max_microgons,omitempty"`

	// Internal runs the statement with the datastore's own privileges.
	Internal bool `yaml:"internal,omitempty"`
}

// StreamStep calls one runner or crawler, or reads one public table.
type StreamStep struct {
	Version string         `yaml:"version"`
	Name    string         `yaml:"name"`
	Input   map[string]any `yaml:"input,omitempty"`
}

// Expect specifies the expected outcome of a step. Unset fields are not
// checked.
type Expect struct {
	Version   string           `yaml:"version,omitempty"`
	Linked    []string         `yaml:"linked,omitempty"`
	Latest    string           `yaml:"latest,omitempty"`
	Rows      []map[string]any `yaml:"rows,omitempty"`
	Microgons *int64           `yaml:"microgons,omitempty"`
	Error     string           `yaml:"error,omitempty"`
}

var labelRe = regexp.MustCompile(`^v[1-9][0-9]*$`)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict decoding catches typos like "expects:" for "expect:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Definition != "" && !filepath.IsAbs(scenario.Definition) {
		scenario.Definition = filepath.Join(filepath.Dir(path), scenario.Definition)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Definition == "" {
		return fmt.Errorf("definition is required")
	}
	if _, err := os.Stat(s.Definition); err != nil {
		return fmt.Errorf("definition not found: %s", s.Definition)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	set := 0
	for _, present := range []bool{step.Build != nil, step.Edit != nil, step.Query != nil, step.Stream != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of build, edit, query and stream is required")
	}

	switch {
	case step.Build != nil:
		if step.Build.Timestamp <= 0 {
			return fmt.Errorf("build: timestamp is required")
		}
	case step.Edit != nil:
		if step.Edit.Append == "" && step.Edit.Replace == nil {
			return fmt.Errorf("edit: append or replace is required")
		}
	case step.Query != nil:
		if !labelRe.MatchString(step.Query.Version) {
			return fmt.Errorf("query: version must be a label like v1, got %q", step.Query.Version)
		}
		if step.Query.SQL == "" {
			return fmt.Errorf("query: sql is required")
		}
	case step.Stream != nil:
		if !labelRe.MatchString(step.Stream.Version) {
			return fmt.Errorf("stream: version must be a label like v1, got %q", step.Stream.Version)
		}
		if step.Stream.Name == "" {
			return fmt.Errorf("stream: name is required")
		}
	}

	if e := step.Expect; e != nil {
		for _, label := range append([]string{e.Version, e.Latest}, e.Linked...) {
			if label != "" && !labelRe.MatchString(label) {
				return fmt.Errorf("expect: %q is not a version label", label)
			}
		}
	}
	return nil
}
