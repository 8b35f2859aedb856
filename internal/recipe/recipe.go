// Package recipe implements the server-side equivalent of the client SDK's
// Recipe helper: a named sequence of steps run against one
// session, with sqlite-backed checkpointing so a `run_steps` call that
// fails partway can be resumed without repeating completed steps.
package recipe

import (
	"time"
)

// StepStatus is the outcome of one step's execution.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepError   StepStatus = "error"
	StepSkipped StepStatus = "skipped"
)

// Step is one unit of work in a run_steps request — a tagged sum type over
// the actions the pipeline already knows how to execute (REDESIGN FLAG:
// the original dynamic action-string dispatch becomes a Go type switch in
// the pipeline's run_steps handler, reusing the same entrypoint HTTP
// handlers call for every other verb).
type Step struct {
	Name   string
	Action string
	Params map[string]any
}

// StepResult is the recorded outcome of one step.
type StepResult struct {
	Name       string
	Status     StepStatus
	DurationMs int64
	Error      string
	Data       map[string]any
}

// Result is the full outcome of a run_steps call.
type Result struct {
	RecipeName string
	Steps      []StepResult
	TotalMs    int64
}

// OK reports whether every step completed without error.
func (r Result) OK() bool {
	for _, s := range r.Steps {
		if s.Status == StepError {
			return false
		}
	}
	return true
}

// FailedStep returns the first failed step, or nil if none failed.
func (r Result) FailedStep() *StepResult {
	for i := range r.Steps {
		if r.Steps[i].Status == StepError {
			return &r.Steps[i]
		}
	}
	return nil
}

// Execute is the pipeline-supplied function that runs one step against the
// active session and returns its result data.
type Execute func(step Step) (map[string]any, error)

// Run executes steps sequentially, skipping any already recorded as
// completed in the checkpoint store, and stops at the first error unless
// stopOnError is false. On full success the checkpoint is cleared.
func Run(store *Store, recipeName, sessionID string, steps []Step, stopOnError bool, exec Execute) (Result, error) {
	result := Result{RecipeName: recipeName}
	start := time.Now()

	completed, err := store.Completed(recipeName, sessionID)
	if err != nil {
		return result, err
	}
	done := make(map[string]bool, len(completed))
	for _, name := range completed {
		done[name] = true
	}

	for _, step := range steps {
		if done[step.Name] {
			result.Steps = append(result.Steps, StepResult{Name: step.Name, Status: StepSkipped})
			continue
		}

		t0 := time.Now()
		data, execErr := exec(step)
		duration := time.Since(t0).Milliseconds()

		if execErr != nil {
			result.Steps = append(result.Steps, StepResult{
				Name: step.Name, Status: StepError, DurationMs: duration, Error: execErr.Error(),
			})
			if stopOnError {
				break
			}
			continue
		}

		result.Steps = append(result.Steps, StepResult{Name: step.Name, Status: StepOK, DurationMs: duration, Data: data})
		done[step.Name] = true
		if err := store.MarkCompleted(recipeName, sessionID, step.Name); err != nil {
			return result, err
		}
	}

	result.TotalMs = time.Since(start).Milliseconds()

	if result.OK() {
		if err := store.Clear(recipeName, sessionID); err != nil {
			return result, err
		}
	}

	return result, nil
}
