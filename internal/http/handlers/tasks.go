package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/mediarr/internal/scheduler"
)

// TaskRunner lists and triggers maintenance tasks.
type TaskRunner interface {
	Tasks() []scheduler.TaskInfo
	RunNow(ctx context.Context, name string) error
}

// TaskHandler handles maintenance task endpoints.
type TaskHandler struct {
	runner TaskRunner
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(runner TaskRunner) *TaskHandler {
	return &TaskHandler{runner: runner}
}

// ListTasksInput is the input for listing tasks.
type ListTasksInput struct{}

// ListTasksOutput is the output for listing tasks.
type ListTasksOutput struct {
	Body struct {
		Tasks []TaskResponse `json:"tasks"`
	}
}

// RunTaskInput is the input for running a task.
type RunTaskInput struct {
	Name string `path:"name" doc:"Task name"`
}

// RunTaskOutput is the output for running a task.
type RunTaskOutput struct {
	Body TaskResponse
}

// Register registers the task routes with the API.
func (h *TaskHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listTasks",
		Method:      "GET",
		Path:        "/api/v1/tasks",
		Summary:     "List maintenance tasks",
		Tags:        []string{"Maintenance"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "runTask",
		Method:      "POST",
		Path:        "/api/v1/tasks/{name}/run",
		Summary:     "Run a maintenance task now",
		Description: "Runs the task synchronously and returns its updated state",
		Tags:        []string{"Maintenance"},
	}, h.Run)
}

// List returns every registered task.
func (h *TaskHandler) List(_ context.Context, _ *ListTasksInput) (*ListTasksOutput, error) {
	tasks := h.runner.Tasks()
	out := &ListTasksOutput{}
	out.Body.Tasks = make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out.Body.Tasks = append(out.Body.Tasks, TaskFromInfo(t))
	}
	return out, nil
}

// Run runs a task and reports its result.
func (h *TaskHandler) Run(ctx context.Context, input *RunTaskInput) (*RunTaskOutput, error) {
	err := h.runner.RunNow(ctx, input.Name)
	if errors.Is(err, scheduler.ErrUnknownTask) {
		return nil, huma.Error404NotFound("task not found")
	}
	// Task failures are reported in the body through LastErr.
	for _, t := range h.runner.Tasks() {
		if t.Name == input.Name {
			return &RunTaskOutput{Body: TaskFromInfo(t)}, nil
		}
	}
	return nil, huma.Error404NotFound("task not found")
}
