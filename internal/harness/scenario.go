package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/slaclab/cpsw-tpg/internal/config"
)

// Scenario defines one TPG test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Programs lists CUE program files or directories to compile.
	// Relative paths are resolved against the scenario file's directory.
	Programs []string `yaml:"programs"`

	// TPG sizes the simulated generator. Default: one beam engine with an
	// 11-bit address width.
	TPG *config.TPG `yaml:"tpg,omitempty"`

	// Steps run in order on a single goroutine.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace, the simulated engines and the store.
	Assertions []Assertion `yaml:"assertions"`

	// Session is an optional fixed session token.
	// Default: "test-session-default".
	Session string `yaml:"session,omitempty"`
}

// Step actions.
const (
	DoInsert         = "insert"
	DoRemove         = "remove"
	DoSetAddress     = "set_address"
	DoReset          = "reset"
	DoMPSJump        = "mps_jump"
	DoBCSJump        = "bcs_jump"
	DoMPSState       = "mps_state"
	DoSetRequired    = "set_required"
	DoSetDestination = "set_destination"
	DoTick           = "tick"
	DoPoll           = "poll"
	DoInterval       = "interval"
	DoFault          = "fault"
	DoBSA            = "bsa"
)

var stepActions = map[string]bool{
	DoInsert: true, DoRemove: true, DoSetAddress: true, DoReset: true,
	DoMPSJump: true, DoBCSJump: true, DoMPSState: true,
	DoSetRequired: true, DoSetDestination: true,
	DoTick: true, DoPoll: true, DoInterval: true, DoFault: true, DoBSA: true,
}

// Step is one scenario action. Fields not used by Do are ignored.
type Step struct {
	Do string `yaml:"do"`

	// Engine is the target engine index.
	Engine int `yaml:"engine"`

	// Engines lists the engines of a shared reset. Empty resets Engine
	// alone through its own restart bit.
	Engines []int `yaml:"engines,omitempty"`

	// Program names the program to insert; As names the new sequence.
	Program string `yaml:"program,omitempty"`
	As      string `yaml:"as,omitempty"`

	// Sequence is an alias from an earlier insert or a numeric id.
	Sequence string `yaml:"sequence,omitempty"`
	Offset   int    `yaml:"offset,omitempty"`

	Sync        uint32 `yaml:"sync,omitempty"`
	Class       int    `yaml:"class,omitempty"` // MPS class of mps_jump
	PowerClass  uint32 `yaml:"power_class,omitempty"`
	State       int    `yaml:"state,omitempty"` // MPS state of mps_state
	Mask        uint32 `yaml:"mask,omitempty"`
	Destination uint32 `yaml:"destination,omitempty"`
	Array       int    `yaml:"array,omitempty"`

	// Count repeats tick and poll. Default: 1.
	Count int `yaml:"count,omitempty"`

	// ExpectError is the engine error code the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertSimState      = "sim_state"
	AssertFinalState    = "final_state"
)

// Assertion validates the trace, an engine's simulated state or a table
// of the store.
type Assertion struct {
	Type string `yaml:"type"`

	// Event is an event key (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Events are event keys in expected order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Engine selects the engine (sim_state).
	Engine int `yaml:"engine,omitempty"`

	// Table and Where select one store row (final_state).
	Table string         `yaml:"table,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`

	// Expect holds expected field values (sim_state, final_state).
	// Subset match: only listed fields are compared.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// LoadScenario reads and validates a scenario file. Program paths are
// resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	for i, p := range scenario.Programs {
		if !filepath.IsAbs(p) {
			scenario.Programs[i] = filepath.Join(base, p)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Programs) == 0 {
		return fmt.Errorf("programs list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for _, p := range s.Programs {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("program file not found: %s", p)
		}
	}

	aliases := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, &step, aliases); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step, aliases map[string]bool) error {
	if s.Do == "" {
		return fmt.Errorf("steps[%d]: do is required", index)
	}
	if !stepActions[s.Do] {
		return fmt.Errorf("steps[%d]: unknown action %q", index, s.Do)
	}
	if s.Count < 0 {
		return fmt.Errorf("steps[%d]: count must be non-negative", index)
	}

	switch s.Do {
	case DoInsert:
		if s.Program == "" {
			return fmt.Errorf("steps[%d]: program is required for insert", index)
		}
		if s.As != "" {
			if aliases[s.As] {
				return fmt.Errorf("steps[%d]: alias %q already used", index, s.As)
			}
			aliases[s.As] = true
		}
	case DoRemove, DoSetAddress, DoMPSJump, DoBCSJump:
		if s.Sequence == "" {
			return fmt.Errorf("steps[%d]: sequence is required for %s", index, s.Do)
		}
	case DoBSA:
		if s.Array < 0 || s.Array >= 64 {
			return fmt.Errorf("steps[%d]: bsa array %d outside [0, 64)", index, s.Array)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertSimState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for sim_state", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
