package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario: a compiled pipeline, a
// sequence of writes, and assertions over the resulting trace and state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden
	// trace file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Pipeline is the path to the CUE pipeline definition, relative to
	// the scenario file location.
	Pipeline string `yaml:"pipeline"`

	// Steps are the writes driving propagation, executed in order. Each
	// step triggers its own propagation before the next step runs.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and final state.
	// Supported types: fired, not_fired, order, count, final_value
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one external write.
type Step struct {
	// Op selects the write: "set" (value write), "change" (report paths
	// changed inside a referential resource), "extend" (merge fields into
	// a map-valued resource).
	Op string `yaml:"op"`

	// Resource is the declared resource ID the write targets.
	Resource string `yaml:"resource"`

	// Value is the value for set steps.
	Value any `yaml:"value,omitempty"`

	// Paths lists the affected paths for change steps.
	Paths []string `yaml:"paths,omitempty"`

	// Fields holds the merged fields for extend steps.
	Fields map[string]any `yaml:"fields,omitempty"`
}

// Step op constants.
const (
	OpSet    = "set"
	OpChange = "change"
	OpExtend = "extend"
)

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "fired": slot fired at least once
	// - "not_fired": slot never fired
	// - "order": slots fired in the given relative order
	// - "count": slot fired exactly N times
	// - "final_value": resource holds the given value after the run
	Type string `yaml:"type"`

	// Slot is the slot key (used by fired, not_fired, count). A slot key
	// is the comma-joined sorted list of its input names.
	Slot string `yaml:"slot,omitempty"`

	// Slots is the expected relative firing order (used by order).
	Slots []string `yaml:"slots,omitempty"`

	// Count is the expected number of firings (used by count).
	Count int `yaml:"count,omitempty"`

	// Resource and Value are used by final_value.
	Resource string `yaml:"resource,omitempty"`
	Value    any    `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertFired      = "fired"
	AssertNotFired   = "not_fired"
	AssertOrder      = "order"
	AssertCount      = "count"
	AssertFinalValue = "final_value"
)

// LoadScenario reads and parses a scenario YAML file. The pipeline path
// is resolved relative to the scenario file's directory.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the pipeline path relative to the provided base path.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs
	// "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Pipeline != "" && !filepath.IsAbs(scenario.Pipeline) && basePath != "" {
		scenario.Pipeline = filepath.Join(basePath, scenario.Pipeline)
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
	if s.Pipeline == "" {
		return fmt.Errorf("pipeline is required")
	}
	if _, err := os.Stat(s.Pipeline); os.IsNotExist(err) {
		return fmt.Errorf("pipeline file not found: %s", s.Pipeline)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateStep validates a single step based on its op.
func validateStep(index int, s *Step) error {
	if s.Resource == "" {
		return fmt.Errorf("steps[%d]: resource is required", index)
	}
	switch s.Op {
	case OpSet:
		if s.Value == nil {
			return fmt.Errorf("steps[%d]: value is required for set", index)
		}
	case OpChange:
		if len(s.Paths) == 0 {
			return fmt.Errorf("steps[%d]: paths list is required for change", index)
		}
	case OpExtend:
		if len(s.Fields) == 0 {
			return fmt.Errorf("steps[%d]: fields map is required for extend", index)
		}
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, s.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertFired, AssertNotFired:
		if a.Slot == "" {
			return fmt.Errorf("assertions[%d]: slot is required for %s", index, a.Type)
		}
	case AssertOrder:
		if len(a.Slots) < 2 {
			return fmt.Errorf("assertions[%d]: at least two slots are required for order", index)
		}
	case AssertCount:
		if a.Slot == "" {
			return fmt.Errorf("assertions[%d]: slot is required for count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertFinalValue:
		if a.Resource == "" {
			return fmt.Errorf("assertions[%d]: resource is required for final_value", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
