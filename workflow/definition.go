// Package workflow holds the in-memory workflow definition: the ordered step
// list and the command template table. The definition is built once at
// startup from configuration and is immutable afterwards; every definition
// problem (duplicate step, missing template, unknown placeholder) is a fatal
// configuration error raised by New, never at runtime.
package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"conductor.mqilab.org/config"
)

// StepType classifies a workflow step.
type StepType string

const (
	StepUpload   StepType = "upload"
	StepExecute  StepType = "execute"
	StepDownload StepType = "download"
)

// Step is one node in the ordered workflow.
type Step struct {
	Name     string
	Type     StepType
	Progress int
}

// NeedsGPU reports whether dispatching this step requires a reserved GPU.
// Only execute steps run on the compute host's GPUs.
func (s Step) NeedsGPU() bool {
	return s.Type == StepExecute
}

// Definition is the parsed, validated workflow.
type Definition struct {
	steps     []Step
	index     map[string]int
	templates map[string]string
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// allowed command template placeholders
var allowedPlaceholders = map[string]bool{
	"case_id": true,
	"gpu_id":  true,
}

// New builds a Definition from configuration. The step list may be empty;
// an empty workflow is legal here and handled by the manager (a case started
// against it fails with a configuration error). Everything else that is
// malformed fails fast.
func New(steps []config.StepConfig, templates map[string]string) (*Definition, error) {
	def := &Definition{
		steps:     make([]Step, 0, len(steps)),
		index:     make(map[string]int, len(steps)),
		templates: make(map[string]string, len(templates)),
	}

	lastProgress := 0
	for i, sc := range steps {
		st := StepType(sc.Type)
		switch st {
		case StepUpload, StepExecute, StepDownload:
		default:
			return nil, fmt.Errorf("workflow step %q: unknown type %q", sc.Name, sc.Type)
		}

		if _, dup := def.index[sc.Name]; dup {
			return nil, fmt.Errorf("workflow step %q: duplicate step name", sc.Name)
		}
		if sc.Progress < lastProgress {
			return nil, fmt.Errorf("workflow step %q: progress %d regresses below %d", sc.Name, sc.Progress, lastProgress)
		}
		lastProgress = sc.Progress

		step := Step{Name: sc.Name, Type: st, Progress: sc.Progress}
		def.index[sc.Name] = i
		def.steps = append(def.steps, step)

		if st == StepExecute {
			tpl, ok := templates[sc.Name]
			if !ok || tpl == "" {
				return nil, fmt.Errorf("workflow step %q: no command template", sc.Name)
			}
			if err := validateTemplate(tpl); err != nil {
				return nil, fmt.Errorf("workflow step %q: %w", sc.Name, err)
			}
			def.templates[sc.Name] = tpl
		}
	}

	return def, nil
}

// validateTemplate rejects templates referencing unknown placeholders.
func validateTemplate(tpl string) error {
	for _, m := range placeholderPattern.FindAllStringSubmatch(tpl, -1) {
		if !allowedPlaceholders[m[1]] {
			return fmt.Errorf("unknown placeholder {%s} in command template", m[1])
		}
	}
	return nil
}

// Len returns the number of steps in the workflow.
func (d *Definition) Len() int {
	return len(d.steps)
}

// FirstStep returns the first step, or false for an empty workflow.
func (d *Definition) FirstStep() (Step, bool) {
	if len(d.steps) == 0 {
		return Step{}, false
	}
	return d.steps[0], true
}

// NextStep returns the step following current, or false at end of workflow.
// An unknown current step name is an error: it means the store and the
// definition have drifted apart.
func (d *Definition) NextStep(current string) (Step, bool, error) {
	i, ok := d.index[current]
	if !ok {
		return Step{}, false, fmt.Errorf("unknown workflow step %q", current)
	}
	if i+1 >= len(d.steps) {
		return Step{}, false, nil
	}
	return d.steps[i+1], true, nil
}

// StepByName returns the named step.
func (d *Definition) StepByName(name string) (Step, bool) {
	i, ok := d.index[name]
	if !ok {
		return Step{}, false
	}
	return d.steps[i], true
}

// RenderCommand substitutes the case identifier and reserved GPU index into
// the step's command template. New has already guaranteed the template exists
// and contains only known placeholders, so this cannot fail for a validated
// definition.
func (d *Definition) RenderCommand(step Step, caseID string, gpuIndex int) (string, error) {
	tpl, ok := d.templates[step.Name]
	if !ok {
		return "", fmt.Errorf("no command template for step %q", step.Name)
	}
	cmd := strings.ReplaceAll(tpl, "{case_id}", caseID)
	cmd = strings.ReplaceAll(cmd, "{gpu_id}", strconv.Itoa(gpuIndex))
	return cmd, nil
}
