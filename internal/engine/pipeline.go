package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"acp-orchestrator/internal/executor"
)

// PipelineStep is one declared step in the pipeline definition file.
type PipelineStep struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// Pipeline is the fixed, ordered list of steps every job runs through.
type Pipeline struct {
	Steps []PipelineStep `yaml:"steps"`
}

// StepNames returns the declared step names in order.
func (p *Pipeline) StepNames() []string {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Name
	}
	return names
}

// DefaultPipeline returns the standard analyst-request pipeline.
func DefaultPipeline() *Pipeline {
	return &Pipeline{Steps: []PipelineStep{
		{Name: executor.StepContextRetrieval, Description: "Retrieve supporting material from the knowledge service"},
		{Name: executor.StepClarifier, Description: "Raise clarifying questions for the analyst"},
		{Name: executor.StepSynthesizer, Description: "Produce AS-IS / TO-BE documents and gap analysis"},
		{Name: executor.StepTaskmaster, Description: "Break the TO-BE document down into developer tasks"},
		{Name: executor.StepVerifier, Description: "Verify deliverables and produce the approval status"},
	}}
}

// LoadPipeline reads a pipeline definition file and validates every step
// name against the executor's dispatch table. A missing file falls back
// to the default pipeline.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPipeline(), nil
		}
		return nil, err
	}

	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pipeline file %s: %w", path, err)
	}
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("pipeline file %s declares no steps", path)
	}

	known := make(map[string]bool)
	for _, name := range executor.KnownSteps() {
		known[name] = true
	}
	seen := make(map[string]bool)
	for _, s := range p.Steps {
		if !known[s.Name] {
			return nil, fmt.Errorf("pipeline file %s: unknown step %q", path, s.Name)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("pipeline file %s: duplicate step %q", path, s.Name)
		}
		seen[s.Name] = true
	}
	return &p, nil
}
