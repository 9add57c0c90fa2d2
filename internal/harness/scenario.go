package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/vigil/internal/chaindata"
)

// Scenario is an end-to-end host scenario: chain data, one module, its
// instances, a sequence of steps and the assertions on the final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Chain is ingested into an in-memory chain source before any step.
	Chain ChainSpec `yaml:"chain"`

	// Module is deployed once, before any step.
	Module ModuleSpec `yaml:"module"`

	// Instances are created for the module, in order.
	Instances []InstanceSpec `yaml:"instances"`

	// Budget overrides the default run budget.
	Budget *BudgetSpec `yaml:"budget,omitempty"`

	// Scheduler overrides the default scheduling settings.
	Scheduler *SchedulerSpec `yaml:"scheduler,omitempty"`

	// Steps drive the host.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// ChainSpec is the chain data of a scenario. Range generates empty blocks
// with deterministic hashes; explicit records are ingested after them.
type ChainSpec struct {
	Range             *BlockRangeSpec `yaml:"range,omitempty"`
	chaindata.Fixture `yaml:",inline"`
}

// BlockRangeSpec is an inclusive block range.
type BlockRangeSpec struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

// ModuleSpec selects the module binary: a named template or a path.
type ModuleSpec struct {
	// Template is one of the Template* constants.
	Template string `yaml:"template,omitempty"`

	// Path is a .wasm file, relative to the scenario file.
	Path string `yaml:"path,omitempty"`

	// Query, Severity and Message parameterise the query_and_report
	// template.
	Query    string `yaml:"query,omitempty"`
	Severity int32  `yaml:"severity,omitempty"`
	Message  string `yaml:"message,omitempty"`

	Owner     string `yaml:"owner,omitempty"`
	ChainType string `yaml:"chain_type,omitempty"`
}

// Module templates.
const (
	TemplateNoop           = "noop"
	TemplateTrap           = "trap"
	TemplateSpin           = "spin"
	TemplateHostCallFlood  = "host_call_flood"
	TemplateQueryAndReport = "query_and_report"
)

// InstanceSpec declares one instance. ID is assigned verbatim.
type InstanceSpec struct {
	ID         string `yaml:"id"`
	Chain      string `yaml:"chain"`
	Address    string `yaml:"address,omitempty"`
	StartBlock uint64 `yaml:"start_block"`
}

// BudgetSpec overrides run budget fields.
type BudgetSpec struct {
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	MaxHostCalls int           `yaml:"max_host_calls,omitempty"`
}

// SchedulerSpec overrides scheduling fields.
type SchedulerSpec struct {
	MaxRetries      *int          `yaml:"max_retries,omitempty"`
	InitialBackoff  time.Duration `yaml:"initial_backoff,omitempty"`
	MaxWindowBlocks uint64        `yaml:"max_window_blocks,omitempty"`
}

// Step is one action against the host.
type Step struct {
	// Action is one of the Step* constants.
	Action string `yaml:"action"`

	// Instance names the target of ack.
	Instance string `yaml:"instance,omitempty"`

	// Duration is how far advance moves the clock.
	Duration time.Duration `yaml:"duration,omitempty"`

	// Blocks is how many empty blocks extend appends to the chain.
	Blocks uint64 `yaml:"blocks,omitempty"`
}

// Step actions.
const (
	// StepTick runs one scheduler tick and waits for its runs.
	StepTick = "tick"
	// StepCrash runs every due window but stops the host before any
	// cursor or status is written, then starts a fresh scheduler.
	StepCrash = "crash"
	// StepAck acknowledges a degraded instance.
	StepAck = "ack"
	// StepAdvance moves the clock.
	StepAdvance = "advance"
	// StepExtend appends empty blocks to the chain.
	StepExtend = "extend"
	// StepDeliver drains the ledger outbox once.
	StepDeliver = "deliver"
)

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Instance scopes the assertion. Optional for incident_count.
	Instance string `yaml:"instance,omitempty"`

	// Count is the expected number (incident_count, outbox_pending).
	Count *int `yaml:"count,omitempty"`

	// Expect holds expected incident fields (incident). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Next is the expected first unprocessed block (cursor).
	Next *uint64 `yaml:"next,omitempty"`

	// State and Failures are the expected scheduling state
	// (instance_state).
	State    string `yaml:"state,omitempty"`
	Failures *int   `yaml:"failures,omitempty"`

	// Statuses are the expected execution statuses in order
	// (execution_statuses).
	Statuses []string `yaml:"statuses,omitempty"`
}

// Assertion types.
const (
	AssertIncidentCount     = "incident_count"
	AssertIncident          = "incident"
	AssertCursor            = "cursor"
	AssertInstanceState     = "instance_state"
	AssertExecutionStatuses = "execution_statuses"
	AssertOutboxPending     = "outbox_pending"
)

// LoadScenario reads and parses a scenario YAML file. A relative module
// path is resolved against the scenario's directory.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if s.Module.Path != "" && !filepath.IsAbs(s.Module.Path) {
		s.Module.Path = filepath.Join(filepath.Dir(path), s.Module.Path)
	}
	return s, nil
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
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

	if r := s.Chain.Range; r != nil && r.Start > r.End {
		return fmt.Errorf("chain.range: start %d is after end %d", r.Start, r.End)
	}

	switch {
	case s.Module.Template == "" && s.Module.Path == "":
		return fmt.Errorf("module: template or path is required")
	case s.Module.Template != "" && s.Module.Path != "":
		return fmt.Errorf("module: template and path are mutually exclusive")
	}
	switch s.Module.Template {
	case "", TemplateNoop, TemplateTrap, TemplateSpin, TemplateHostCallFlood:
	case TemplateQueryAndReport:
		if s.Module.Query == "" {
			return fmt.Errorf("module: query is required for %s", TemplateQueryAndReport)
		}
	default:
		return fmt.Errorf("module: unknown template %q", s.Module.Template)
	}

	if len(s.Instances) == 0 {
		return fmt.Errorf("instances list is required and must be non-empty")
	}
	seen := make(map[string]bool)
	for i, inst := range s.Instances {
		if inst.ID == "" {
			return fmt.Errorf("instances[%d]: id is required", i)
		}
		if seen[inst.ID] {
			return fmt.Errorf("instances[%d]: duplicate id %q", i, inst.ID)
		}
		seen[inst.ID] = true
		if inst.Chain == "" {
			return fmt.Errorf("instances[%d]: chain is required", i)
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(i, step, seen); err != nil {
			return err
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, seen); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step, instances map[string]bool) error {
	switch step.Action {
	case StepTick, StepCrash, StepDeliver:
	case StepAck:
		if !instances[step.Instance] {
			return fmt.Errorf("steps[%d]: ack needs a declared instance, got %q", index, step.Instance)
		}
	case StepAdvance:
		if step.Duration <= 0 {
			return fmt.Errorf("steps[%d]: advance needs a positive duration", index)
		}
	case StepExtend:
		if step.Blocks == 0 {
			return fmt.Errorf("steps[%d]: extend needs blocks > 0", index)
		}
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, step.Action)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, instances map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needInstance := func() error {
		if !instances[a.Instance] {
			return fmt.Errorf("assertions[%d]: %s needs a declared instance, got %q", index, a.Type, a.Instance)
		}
		return nil
	}

	switch a.Type {
	case AssertIncidentCount:
		if a.Instance != "" {
			if err := needInstance(); err != nil {
				return err
			}
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for %s", index, a.Type)
		}
	case AssertIncident:
		if err := needInstance(); err != nil {
			return err
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
		}
	case AssertCursor:
		if err := needInstance(); err != nil {
			return err
		}
		if a.Next == nil {
			return fmt.Errorf("assertions[%d]: next is required for %s", index, a.Type)
		}
	case AssertInstanceState:
		if err := needInstance(); err != nil {
			return err
		}
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for %s", index, a.Type)
		}
	case AssertExecutionStatuses:
		if err := needInstance(); err != nil {
			return err
		}
		if a.Statuses == nil {
			return fmt.Errorf("assertions[%d]: statuses is required for %s", index, a.Type)
		}
	case AssertOutboxPending:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
