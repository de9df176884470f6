// Package client is the application-facing surface for starting,
// observing and signaling workflows. It talks only to the store; the
// worker pool picks the work up out of band.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/skeinworks/skein/store"
	"github.com/skeinworks/skein/workflow"
)

// ErrStillRunning is returned by Handle.Result before the workflow
// reaches a terminal state.
var ErrStillRunning = errors.New("workflow is still running")

// ExecutionError is returned by Handle.Result for a FAILED workflow.
// Source is "WORKFLOW" or "ACTIVITY"; Activity names the failing
// activity when Source is "ACTIVITY".
type ExecutionError struct {
	Source   string
	Activity string
	Message  string
}

func (e *ExecutionError) Error() string {
	if e.Source == "ACTIVITY" && e.Activity != "" {
		return fmt.Sprintf("workflow failed in activity %s: %s", e.Activity, e.Message)
	}
	return fmt.Sprintf("workflow failed: %s", e.Message)
}

// CanceledError is returned by Handle.Result for a CANCELED workflow.
type CanceledError struct {
	Reason string
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("workflow cancelled: %s", e.Reason)
}

// Client starts workflows and reattaches handles.
type Client struct {
	store store.Store
}

// New creates a Client over the store.
func New(s store.Store) *Client {
	return &Client{store: s}
}

// Start validates the definition, creates the workflow instance and
// returns a handle to it. The worker pool drives it from there.
func (c *Client) Start(ctx context.Context, def *workflow.Definition, input any) (*Handle, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}
	id, err := c.store.CreateWorkflow(ctx, store.WorkflowMeta{
		Name:        def.Name,
		Description: def.Description,
		Version:     def.Version,
		Module:      def.Module,
	}, input)
	if err != nil {
		return nil, fmt.Errorf("start workflow: %w", err)
	}
	return &Handle{client: c, id: id}, nil
}

// Handle reattaches to an existing workflow by ID.
func (c *Client) Handle(id string) *Handle {
	return &Handle{client: c, id: id}
}

// Cancel moves a workflow to CANCELED and fails its pending tasks.
func (c *Client) Cancel(ctx context.Context, id, reason string) error {
	return c.store.MarkCancelled(ctx, id, reason)
}

// Handle refers to one workflow instance.
type Handle struct {
	client *Client
	id     string
}

// ID returns the workflow ID.
func (h *Handle) ID() string { return h.id }

// Status returns the current lifecycle status.
func (h *Handle) Status(ctx context.Context) (store.WorkflowStatus, error) {
	return h.client.store.GetWorkflowStatus(ctx, h.id)
}

// Info returns workflow metadata including timestamps.
func (h *Handle) Info(ctx context.Context) (*store.Workflow, error) {
	return h.client.store.GetWorkflow(ctx, h.id)
}

// Signal delivers a named payload to a RUNNING workflow, waking it if
// it is blocked on the signal.
func (h *Handle) Signal(ctx context.Context, name string, payload map[string]any) error {
	return h.client.store.CreateSignal(ctx, h.id, name, payload)
}

// Result returns the final workflow state, rebuilt from the recorded
// state events. It errors with ErrStillRunning before termination,
// with ExecutionError on failure and with CanceledError on
// cancellation.
func (h *Handle) Result(ctx context.Context) (map[string]any, error) {
	status, err := h.client.store.GetWorkflowStatus(ctx, h.id)
	if err != nil {
		return nil, err
	}
	if !status.IsTerminal() {
		return nil, ErrStillRunning
	}

	events, err := h.client.store.ListEvents(ctx, h.id)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	switch status {
	case store.StatusCompleted:
		return store.FoldState(events), nil
	case store.StatusCanceled:
		return nil, &CanceledError{Reason: cancelReason(events)}
	default:
		return nil, extractFailure(events)
	}
}

func cancelReason(events []store.Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == store.EventWorkflowCancelled {
			if reason, _ := events[i].Payload["reason"].(string); reason != "" {
				return reason
			}
		}
	}
	return "cancelled"
}

// extractFailure prefers the last WORKFLOW_FAILED payload, falls back
// to the last ACTIVITY_FAILED, and otherwise reports an unknown
// failure.
func extractFailure(events []store.Event) *ExecutionError {
	var workflowFailed, activityFailed *store.Event
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].Type {
		case store.EventWorkflowFailed:
			if workflowFailed == nil {
				workflowFailed = &events[i]
			}
		case store.EventActivityFailed:
			if activityFailed == nil {
				activityFailed = &events[i]
			}
		}
	}

	if workflowFailed != nil {
		msg, _ := workflowFailed.Payload["error"].(string)
		kind, _ := workflowFailed.Payload["task_kind"].(string)
		if kind == "ACTIVITY" && activityFailed != nil {
			name, _ := activityFailed.Payload["name"].(string)
			cause, _ := activityFailed.Payload["error"].(string)
			if cause == "" {
				cause = msg
			}
			return &ExecutionError{Source: "ACTIVITY", Activity: name, Message: cause}
		}
		return &ExecutionError{Source: "WORKFLOW", Message: msg}
	}
	if activityFailed != nil {
		name, _ := activityFailed.Payload["name"].(string)
		msg, _ := activityFailed.Payload["error"].(string)
		return &ExecutionError{Source: "ACTIVITY", Activity: name, Message: msg}
	}
	return &ExecutionError{Source: "WORKFLOW", Message: "workflow failed for unknown reasons"}
}
