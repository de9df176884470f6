package store

import (
	"context"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestEventIDsStrictlyIncreaseProperty verifies that however appends
// are batched, a workflow's log reads back in strictly increasing ID
// order with nothing lost.
func TestEventIDsStrictlyIncreaseProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("log order survives arbitrary batching", prop.ForAll(
		func(batches [][]int) bool {
			ctx := context.Background()
			s := NewMemoryStore()
			id, err := s.CreateWorkflow(ctx, WorkflowMeta{Name: "p", Module: "m"}, nil)
			if err != nil {
				return false
			}

			total := 1 // WORKFLOW_STARTED
			for _, batch := range batches {
				if len(batch) == 0 {
					continue
				}
				inputs := make([]EventInput, 0, len(batch))
				for _, v := range batch {
					inputs = append(inputs, EventInput{
						Type:    EventStateSet,
						Payload: map[string]any{"key": "k", "value": v},
					})
				}
				if err := s.AppendEvents(ctx, id, inputs); err != nil {
					return false
				}
				total += len(batch)
			}

			events, err := s.ListEvents(ctx, id)
			if err != nil {
				return false
			}
			if len(events) != total {
				return false
			}
			for i := 1; i < len(events); i++ {
				if events[i].ID <= events[i-1].ID {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.SliceOf(gen.IntRange(0, 1000))),
	))

	properties.TestingRun(t)
}

// stateOp is one generated state mutation.
type stateOp struct {
	update bool
	key    string
	value  int
}

func genStateOp() gopter.Gen {
	return gopter.CombineGens(
		gen.Bool(),
		gen.OneConstOf("a", "b", "c", "d"),
		gen.IntRange(-100, 100),
	).Map(func(vals []any) stateOp {
		return stateOp{update: vals[0].(bool), key: vals[1].(string), value: vals[2].(int)}
	})
}

// TestFoldStateMatchesReferenceProperty verifies that folding the
// recorded state events reproduces the map built by applying the same
// mutations directly, for any mutation sequence.
func TestFoldStateMatchesReferenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("fold of the log equals direct application", prop.ForAll(
		func(ops []stateOp) bool {
			ctx := context.Background()
			s := NewMemoryStore()
			id, err := s.CreateWorkflow(ctx, WorkflowMeta{Name: "p", Module: "m"}, nil)
			if err != nil {
				return false
			}

			want := make(map[string]any)
			for _, op := range ops {
				// stored payloads come back as float64 after the
				// JSON round trip
				v := float64(op.value)
				if op.update {
					err = s.AppendEvent(ctx, id, EventStateUpdate, map[string]any{
						"values": map[string]any{op.key: op.value},
					})
				} else {
					err = s.AppendEvent(ctx, id, EventStateSet, map[string]any{
						"key": op.key, "value": op.value,
					})
				}
				if err != nil {
					return false
				}
				want[op.key] = v
			}

			events, err := s.ListEvents(ctx, id)
			if err != nil {
				return false
			}
			got := FoldState(events)
			if !reflect.DeepEqual(got, want) {
				return false
			}
			// folding is deterministic
			return reflect.DeepEqual(FoldState(events), got)
		},
		gen.SliceOf(genStateOp()),
	))

	properties.TestingRun(t)
}

// TestSingleDriverProperty verifies that any interleaving of claims,
// rotations and signals leaves a running workflow with exactly one
// live driver task.
func TestSingleDriverProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	const (
		opClaim = iota
		opRotate
		opSignal
	)

	properties.Property("at most one live driver per workflow", prop.ForAll(
		func(ops []int) bool {
			ctx := context.Background()
			s := NewMemoryStore()
			id, err := s.CreateWorkflow(ctx, WorkflowMeta{Name: "p", Module: "m"}, nil)
			if err != nil {
				return false
			}

			for _, op := range ops {
				switch op {
				case opClaim:
					if _, err := s.ClaimTask(ctx); err != nil {
						return false
					}
				case opRotate:
					if err := s.RotateDriver(ctx, id); err != nil {
						return false
					}
				case opSignal:
					if err := s.CreateSignal(ctx, id, "poke", nil); err != nil {
						return false
					}
				}

				tasks, err := s.ListTasks(ctx, id)
				if err != nil {
					return false
				}
				live := 0
				for _, tk := range tasks {
					if tk.Kind == TaskStep && (tk.Status == TaskPending || tk.Status == TaskRunning) {
						live++
					}
				}
				if live != 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}

// TestTerminalFinalityProperty verifies that the first terminal
// transition wins: later marks change nothing and exactly one terminal
// event is recorded.
func TestTerminalFinalityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	marks := []WorkflowStatus{StatusCompleted, StatusFailed, StatusCanceled}

	properties.Property("first terminal transition wins", prop.ForAll(
		func(seq []int) bool {
			if len(seq) == 0 {
				return true
			}
			ctx := context.Background()
			s := NewMemoryStore()
			id, err := s.CreateWorkflow(ctx, WorkflowMeta{Name: "p", Module: "m"}, nil)
			if err != nil {
				return false
			}

			for _, m := range seq {
				switch marks[m] {
				case StatusCompleted:
					err = s.MarkCompleted(ctx, id)
				case StatusFailed:
					err = s.MarkFailed(ctx, id, "boom", "", "")
				case StatusCanceled:
					err = s.MarkCancelled(ctx, id, "stop")
				}
				if err != nil {
					return false
				}
			}

			status, err := s.GetWorkflowStatus(ctx, id)
			if err != nil {
				return false
			}
			if status != marks[seq[0]] {
				return false
			}

			events, err := s.ListEvents(ctx, id)
			if err != nil {
				return false
			}
			terminal := 0
			for _, e := range events {
				if e.Type.IsTerminal() {
					terminal++
				}
			}
			return terminal == 1
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
