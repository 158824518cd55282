package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario defines a multi-device sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Root is the storage root every device and server holds.
	Root string `yaml:"root"`

	// Servers are the remote handlers devices sync through.
	Servers []string `yaml:"servers"`

	// Devices are the syncing clients, in trace order.
	Devices []Device `yaml:"devices"`

	// Steps run in order against the devices.
	Steps []Step `yaml:"steps"`

	// Assertions validate the event logs and final stores.
	Assertions []Assertion `yaml:"assertions"`
}

// Device is one syncing client.
type Device struct {
	Name string `yaml:"name"`

	// Seed selects the device identity; devices with the same seed are the
	// same member.
	Seed byte `yaml:"seed"`

	// Remotes lists the servers this device pulls from and pushes to.
	Remotes []string `yaml:"remotes"`
}

// Step is one action taken by a device.
type Step struct {
	Device string `yaml:"device"`
	Op     string `yaml:"op"`
	Path   string `yaml:"path,omitempty"`

	// Kind overrides the kind of the last path element.
	Kind string `yaml:"kind,omitempty"`

	// Data is the plaintext written by write.
	Data string `yaml:"data,omitempty"`

	// Remote is the server used by push and pull.
	Remote string `yaml:"remote,omitempty"`

	// Member and Role are used by share and revoke; Member names a device.
	Member string `yaml:"member,omitempty"`
	Role   string `yaml:"role,omitempty"`

	// Expect checks the step outcome. Without it the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the expected outcome of a step.
type Expect struct {
	// State is the expected sync state of a push or pull.
	State string `yaml:"state,omitempty"`

	// Error is the expected failure kind, e.g. NOT_FOUND.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the final state of a scenario.
type Assertion struct {
	Type string `yaml:"type"`

	// Device is the device or server inspected.
	Device string `yaml:"device,omitempty"`

	// Devices are compared by in_sync.
	Devices []string `yaml:"devices,omitempty"`

	Path string `yaml:"path,omitempty"`

	// Data is the expected plaintext (content).
	Data string `yaml:"data,omitempty"`

	// Kind is the event kind (event_contains, event_count).
	Kind string `yaml:"kind,omitempty"`

	// Remote narrows event_contains to one remote.
	Remote string `yaml:"remote,omitempty"`

	// Count is the expected number of events (event_count).
	Count int `yaml:"count,omitempty"`
}

// Step operations.
const (
	OpMkdir  = "mkdir"
	OpWrite  = "write"
	OpDelete = "delete"
	OpShare  = "share"
	OpRevoke = "revoke"
	OpPush   = "push"
	OpPull   = "pull"
	OpSync   = "sync"
	OpNotify = "notify"
	OpDrain  = "drain"
)

// Assertion type constants.
const (
	AssertContent       = "content"
	AssertAbsent        = "absent"
	AssertInSync        = "in_sync"
	AssertEventContains = "event_contains"
	AssertEventCount    = "event_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
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

// validateScenario checks that required fields are present and that every
// name a step or assertion uses is declared.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Root == "" {
		return fmt.Errorf("root is required")
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	names := map[string]bool{}
	for _, srv := range s.Servers {
		if srv == "" || names[srv] {
			return fmt.Errorf("servers: duplicate or empty name %q", srv)
		}
		names[srv] = true
	}
	for i, d := range s.Devices {
		if d.Name == "" || names[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate or empty name %q", i, d.Name)
		}
		names[d.Name] = true
		for _, r := range d.Remotes {
			if !slices.Contains(s.Servers, r) {
				return fmt.Errorf("devices[%d]: unknown server %q", i, r)
			}
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(s, i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, names); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scenario) device(name string) (Device, bool) {
	for _, d := range s.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}

func validateStep(s *Scenario, index int, step *Step) error {
	d, ok := s.device(step.Device)
	if !ok {
		return fmt.Errorf("steps[%d]: unknown device %q", index, step.Device)
	}
	switch step.Op {
	case OpMkdir, OpWrite, OpDelete:
		if step.Path == "" {
			return fmt.Errorf("steps[%d]: path is required for %s", index, step.Op)
		}
	case OpShare, OpRevoke:
		if step.Path == "" {
			return fmt.Errorf("steps[%d]: path is required for %s", index, step.Op)
		}
		if _, ok := s.device(step.Member); !ok {
			return fmt.Errorf("steps[%d]: unknown member %q", index, step.Member)
		}
		if step.Op == OpShare && step.Role == "" {
			return fmt.Errorf("steps[%d]: role is required for share", index)
		}
	case OpPush, OpPull:
		if !slices.Contains(d.Remotes, step.Remote) {
			return fmt.Errorf("steps[%d]: device %s has no remote %q", index, d.Name, step.Remote)
		}
	case OpSync, OpNotify, OpDrain:
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, step.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, names map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertContent, AssertAbsent:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for %s", index, a.Type)
		}
	case AssertInSync:
		if len(a.Devices) < 2 {
			return fmt.Errorf("assertions[%d]: in_sync needs at least two devices", index)
		}
		for _, d := range a.Devices {
			if !names[d] {
				return fmt.Errorf("assertions[%d]: unknown device %q", index, d)
			}
		}
		return nil
	case AssertEventContains:
		if a.Kind == "" || a.Path == "" {
			return fmt.Errorf("assertions[%d]: kind and path are required for event_contains", index)
		}
	case AssertEventCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for event_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if !names[a.Device] {
		return fmt.Errorf("assertions[%d]: unknown device %q", index, a.Device)
	}
	return nil
}
