package recipe

import "testing"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunSkipsCompletedSteps(t *testing.T) {
	store := openTestStore(t)
	if err := store.MarkCompleted("r1", "sess1", "step_a"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	var ran []string
	steps := []Step{{Name: "step_a"}, {Name: "step_b"}}
	exec := func(s Step) (map[string]any, error) {
		ran = append(ran, s.Name)
		return nil, nil
	}

	result, err := Run(store, "r1", "sess1", steps, true, exec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(ran) != 1 || ran[0] != "step_b" {
		t.Fatalf("expected only step_b to run, got %v", ran)
	}
	if result.Steps[0].Status != StepSkipped {
		t.Fatalf("expected step_a skipped, got %v", result.Steps[0].Status)
	}
	if !result.OK() {
		t.Fatalf("expected result OK")
	}
}

func TestRunStopsOnErrorAndCheckspointsProgress(t *testing.T) {
	store := openTestStore(t)

	steps := []Step{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	exec := func(s Step) (map[string]any, error) {
		if s.Name == "b" {
			return nil, errTest{}
		}
		return nil, nil
	}

	result, err := Run(store, "r2", "sess1", steps, true, exec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.OK() {
		t.Fatalf("expected result not OK")
	}
	if result.FailedStep() == nil || result.FailedStep().Name != "b" {
		t.Fatalf("expected failed step b")
	}
	if len(result.Steps) != 2 {
		t.Fatalf("expected run to stop after step b, got %d steps", len(result.Steps))
	}

	completed, err := store.Completed("r2", "sess1")
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if len(completed) != 1 || completed[0] != "a" {
		t.Fatalf("expected only step a checkpointed, got %v", completed)
	}
}

type errTest struct{}

func (errTest) Error() string { return "step failed" }
