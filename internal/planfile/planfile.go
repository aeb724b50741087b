// Package planfile loads and validates YAML plan manifests.
package planfile

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/gafferd/gaffer/pkg/models"
)

// ErrNoSubtasks indicates the manifest declares no subtasks.
var ErrNoSubtasks = errors.New("plan declares no subtasks")

// EntryError reports an invalid subtask entry. Entry is the offending
// subtask's id, or its position ("subtasks[2]") when the id itself is
// missing.
type EntryError struct {
	Entry  string
	Reason string
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("plan entry %s: %s", e.Entry, e.Reason)
}

// Manifest is the top-level plan file structure.
type Manifest struct {
	// Goal is a short statement of what the run should achieve.
	Goal string `yaml:"goal"`
	// Subtasks declares the units of work and their relationships.
	Subtasks []Entry `yaml:"subtasks"`
}

// Entry is one subtask declaration in a plan file. Only id and
// description are required; priority defaults to medium and weight to 1.
type Entry struct {
	ID                 string   `yaml:"id"`
	Description        string   `yaml:"description"`
	Priority           string   `yaml:"priority"`
	Weight             float64  `yaml:"weight"`
	Capabilities       []string `yaml:"capabilities"`
	DependsOn          []string `yaml:"depends_on"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest shape and returns the first problem
// found, naming the offending entry. Cycle detection is left to the
// dependency graph; this catches what a graph build would only report
// by id.
func (m *Manifest) Validate() error {
	if len(m.Subtasks) == 0 {
		return ErrNoSubtasks
	}
	ids := make(map[string]bool, len(m.Subtasks))
	for i, e := range m.Subtasks {
		if e.ID == "" {
			return &EntryError{Entry: fmt.Sprintf("subtasks[%d]", i), Reason: "missing id"}
		}
		if ids[e.ID] {
			return &EntryError{Entry: e.ID, Reason: "duplicate id"}
		}
		ids[e.ID] = true
		if e.Description == "" {
			return &EntryError{Entry: e.ID, Reason: "missing description"}
		}
		if e.Priority != "" && !models.Priority(e.Priority).Valid() {
			return &EntryError{Entry: e.ID, Reason: fmt.Sprintf("unknown priority %q", e.Priority)}
		}
		if e.Weight < 0 {
			return &EntryError{Entry: e.ID, Reason: fmt.Sprintf("negative weight %v", e.Weight)}
		}
	}
	// Second pass so entries may depend on subtasks declared later in
	// the file.
	for _, e := range m.Subtasks {
		for _, dep := range e.DependsOn {
			if dep == e.ID {
				return &EntryError{Entry: e.ID, Reason: "depends on itself"}
			}
			if !ids[dep] {
				return &EntryError{Entry: e.ID, Reason: fmt.Sprintf("depends on unknown subtask %q", dep)}
			}
		}
	}
	return nil
}

// Models converts the manifest entries into subtasks, filling defaults
// for omitted fields.
func (m *Manifest) Models() []*models.Subtask {
	now := time.Now()
	out := make([]*models.Subtask, 0, len(m.Subtasks))
	for _, e := range m.Subtasks {
		priority := models.PriorityMedium
		if e.Priority != "" {
			priority = models.Priority(e.Priority)
		}
		weight := e.Weight
		if weight == 0 {
			weight = 1
		}
		out = append(out, &models.Subtask{
			ID:                 e.ID,
			Description:        e.Description,
			Status:             models.SubtaskPending,
			Priority:           priority,
			Weight:             weight,
			DependsOn:          append([]string(nil), e.DependsOn...),
			Capabilities:       append([]string(nil), e.Capabilities...),
			AcceptanceCriteria: append([]string(nil), e.AcceptanceCriteria...),
			CreatedAt:          now,
		})
	}
	return out
}
