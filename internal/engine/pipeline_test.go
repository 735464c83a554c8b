package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writePipelineFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPipelineValid(t *testing.T) {
	path := writePipelineFile(t, `
steps:
  - name: context_retrieval
  - name: clarifier
    description: Raise clarifying questions
  - name: verifier
`)
	p, err := LoadPipeline(path)
	assert.NoError(t, err)
	assert.Equal(t, []string{"context_retrieval", "clarifier", "verifier"}, p.StepNames())
}

func TestLoadPipelineMissingFileFallsBackToDefault(t *testing.T) {
	p, err := LoadPipeline(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.NoError(t, err)
	assert.Equal(t, DefaultPipeline().StepNames(), p.StepNames())
}

func TestLoadPipelineRejectsUnknownStep(t *testing.T) {
	path := writePipelineFile(t, `
steps:
  - name: clarifier
  - name: mystery_step
`)
	_, err := LoadPipeline(path)
	assert.ErrorContains(t, err, "unknown step")
}

func TestLoadPipelineRejectsDuplicateStep(t *testing.T) {
	path := writePipelineFile(t, `
steps:
  - name: clarifier
  - name: clarifier
`)
	_, err := LoadPipeline(path)
	assert.ErrorContains(t, err, "duplicate step")
}

func TestLoadPipelineRejectsEmpty(t *testing.T) {
	path := writePipelineFile(t, "steps: []\n")
	_, err := LoadPipeline(path)
	assert.ErrorContains(t, err, "no steps")
}
