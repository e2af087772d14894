// Package inventory loads the YAML list of agents to monitor.
package inventory

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/t77yq/agent-heartbeat/internal/heartbeat"
)

//go:embed schema.json
var schemaJSON []byte

// ErrInvalidInventory is wrapped by every validation failure
var ErrInvalidInventory = errors.New("invalid inventory")

var (
	compiledSchema *gojsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

func getSchema() (*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiledSchema, compileErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	})
	return compiledSchema, compileErr
}

// Agent is one inventory entry
type Agent struct {
	ID        string                  `yaml:"id"`
	Endpoint  string                  `yaml:"endpoint"`
	Labels    map[string]string       `yaml:"labels,omitempty"`
	Heartbeat heartbeat.PartialConfig `yaml:"heartbeat,omitempty"`
}

// Inventory is the parsed agent list
type Inventory struct {
	Agents []Agent `yaml:"agents"`
}

// ValidationError lists every problem found in an inventory
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidInventory, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInventory
}

// Load reads and validates an inventory file
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return Parse(data)
}

// Parse validates raw YAML against the inventory schema and decodes it
func Parse(data []byte) (*Inventory, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInventory, err)
	}
	if doc == nil {
		return nil, &ValidationError{Problems: []string{"inventory is empty"}}
	}

	schema, err := getSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling inventory schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInventory, err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return nil, &ValidationError{Problems: problems}
	}

	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInventory, err)
	}

	seen := make(map[string]bool, len(inv.Agents))
	var problems []string
	for _, agent := range inv.Agents {
		if seen[agent.ID] {
			problems = append(problems, fmt.Sprintf("agents: duplicate id %q", agent.ID))
		}
		seen[agent.ID] = true
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return &inv, nil
}

// Validate checks that every agent's overrides yield a valid configuration on top of defaults
func (inv *Inventory) Validate(defaults heartbeat.Config) error {
	var problems []string
	for _, agent := range inv.Agents {
		if err := defaults.Merge(agent.Heartbeat).Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("agent %s: %v", agent.ID, err))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Find returns the agent with the given ID
func (inv *Inventory) Find(id string) (Agent, bool) {
	for _, agent := range inv.Agents {
		if agent.ID == id {
			return agent, true
		}
	}
	return Agent{}, false
}
