package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/ranya-runtime/pkg/jobs"
)

const maxJobWait = 5 * time.Minute

// JobRunner is the part of the job manager the agent tools drive
type JobRunner interface {
	StartJob(ctx context.Context, req jobs.StartRequest) (*jobs.Job, error)
	GetJobResult(ctx context.Context, id string, wait time.Duration) (*jobs.Job, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	ListJobs(sessionID string) ([]*jobs.Job, error)
}

// jobView is what the model sees of a job
type jobView struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Connector  string `json:"connector"`
	Command    string `json:"command"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

func viewJob(j *jobs.Job) jobView {
	v := jobView{
		ID:         j.ID,
		Status:     string(j.Status),
		Connector:  j.ConnectorName,
		Command:    j.Command,
		DurationMs: j.Duration().Milliseconds(),
	}
	if j.Result != nil {
		code := j.Result.ExitCode
		v.ExitCode = &code
		v.Stdout = j.Result.Stdout
		v.Stderr = j.Result.Stderr
	}
	if j.Error != nil {
		v.Error = j.Error.Message
	}
	return v
}

// RegisterJobTools adds the background job tools scoped to one session
func RegisterJobTools(ts *Toolset, runner JobRunner, sessionID, cwd string) error {
	tools := []Tool{
		{
			Name:        "start_background_job",
			Description: "Start a long-running command in the background and return its job id immediately. Poll it with get_job_result.",
			Parameters: []ToolParameter{
				{Name: "command", Type: "string", Description: "Command line to run", Required: true},
				{Name: "connector", Type: "string", Description: "Connector to run the command through (default shell)"},
				{Name: "timeout_seconds", Type: "number", Description: "Kill the job after this many seconds"},
				{Name: "input", Type: "object", Description: "JSON input written to the process stdin"},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				req := jobs.StartRequest{
					SessionID: sessionID,
					Dir:       cwd,
				}
				req.Command, _ = params["command"].(string)
				req.Connector, _ = params["connector"].(string)
				if secs, ok := params["timeout_seconds"].(float64); ok && secs > 0 {
					req.Timeout = time.Duration(secs * float64(time.Second))
				}
				if input, ok := params["input"].(map[string]any); ok {
					req.Input = input
				}

				job, err := runner.StartJob(ctx, req)
				if err != nil {
					return nil, err
				}
				return viewJob(job), nil
			},
		},
		{
			Name:        "get_job_result",
			Description: "Get the status and output of a background job, optionally waiting for it to finish.",
			Parameters: []ToolParameter{
				{Name: "job_id", Type: "string", Description: "Job id returned by start_background_job", Required: true},
				{Name: "wait_seconds", Type: "number", Description: "Wait up to this many seconds for the job to finish"},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				id, _ := params["job_id"].(string)
				var wait time.Duration
				if secs, ok := params["wait_seconds"].(float64); ok && secs > 0 {
					wait = min(time.Duration(secs*float64(time.Second)), maxJobWait)
				}

				job, err := runner.GetJobResult(ctx, id, wait)
				if err != nil {
					return nil, err
				}
				return viewJob(job), nil
			},
		},
		{
			Name:        "cancel_job",
			Description: "Cancel a running background job.",
			Parameters: []ToolParameter{
				{Name: "job_id", Type: "string", Description: "Job id to cancel", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				id, _ := params["job_id"].(string)
				cancelled, err := runner.CancelJob(ctx, id)
				if err != nil {
					return nil, err
				}
				if !cancelled {
					return fmt.Sprintf("job %s already finished", id), nil
				}
				return fmt.Sprintf("job %s cancelled", id), nil
			},
		},
		{
			Name:        "list_jobs",
			Description: "List background jobs started in this session, newest first.",
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				list, err := runner.ListJobs(sessionID)
				if err != nil {
					return nil, err
				}
				views := make([]jobView, 0, len(list))
				for _, j := range list {
					views = append(views, viewJob(j))
				}
				return views, nil
			},
		},
	}

	for _, tool := range tools {
		if err := ts.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
