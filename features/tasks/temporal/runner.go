// Package temporal provides a Temporal-backed implementation of tasks.Queue.
//
// The in-process manager loses queued work on restart; deployments that need
// embedding rebuilds and shutdown-handed delayed sends to survive a crash
// run them through Temporal instead. Each enqueued task becomes one workflow
// execution whose activity retries follow the same policy as the in-process
// manager: a bounded number of attempts with a fixed pause between them.
package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/driveline-ai/driveline/runtime/retry"
	"github.com/driveline-ai/driveline/runtime/tasks"
	"github.com/driveline-ai/driveline/runtime/telemetry"
)

const (
	// WorkflowName identifies the task workflow on the task queue.
	WorkflowName = "driveline-task"
	// ActivityName identifies the task activity on the task queue.
	ActivityName = "driveline-run-task"

	workflowIDPrefix = "driveline-task-"

	// terminalErrorType marks activity errors that must not be retried.
	terminalErrorType = "TaskTerminalError"
)

// TaskInput is the workflow argument. The payload travels as JSON so the
// activity can decode it into the kind's concrete payload struct.
type TaskInput struct {
	ID      uuid.UUID       `json:"id"`
	Kind    tasks.Kind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Options configures the Temporal task runner. Either a pre-configured
// Client or ClientOptions must be provided.
type Options struct {
	// Client is an optional pre-configured Temporal client. When nil the
	// runner creates a lazy client from ClientOptions with OTEL tracing
	// installed.
	Client client.Client

	// ClientOptions describe how to construct the Temporal client when
	// Client is nil.
	ClientOptions *client.Options

	// TaskQueue is the queue the runner's workflows and activities use.
	// Required.
	TaskQueue string

	// RetryDelay is the fixed pause between activity attempts. Defaults to
	// tasks.DefaultRetryDelay.
	RetryDelay time.Duration

	// MaxAttempts caps activity attempts per task. Defaults to
	// tasks.DefaultMaxAttempts.
	MaxAttempts int

	// DisableTracing skips the OTEL tracing interceptor on the created
	// client. Ignored when Client is provided.
	DisableTracing bool

	// Logger emits runner logs. Defaults to a noop logger.
	Logger telemetry.Logger
}

// Runner is the durable task queue. It implements tasks.Queue on the
// producer side; Start brings up the worker that executes the registered
// handlers.
type Runner struct {
	client      client.Client
	closeClient bool
	taskQueue   string
	retryDelay  time.Duration
	maxAttempts int
	handlers    map[tasks.Kind]tasks.HandlerFunc
	worker      worker.Worker
	logger      telemetry.Logger
}

var _ tasks.Queue = (*Runner)(nil)

// New constructs a Runner. Register handlers before calling Start.
func New(opts Options) (*Runner, error) {
	if opts.TaskQueue == "" {
		return nil, errors.New("temporal runner: task queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = tasks.DefaultRetryDelay
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = tasks.DefaultMaxAttempts
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal runner: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		if !opts.DisableTracing {
			tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
			if err != nil {
				return nil, fmt.Errorf("temporal runner: configure tracing interceptor: %w", err)
			}
			clientOpts.Interceptors = append(clientOpts.Interceptors, tracer)
		}
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal runner: create client: %w", err)
		}
		closeClient = true
	}

	return &Runner{
		client:      cli,
		closeClient: closeClient,
		taskQueue:   opts.TaskQueue,
		retryDelay:  retryDelay,
		maxAttempts: maxAttempts,
		handlers:    make(map[tasks.Kind]tasks.HandlerFunc),
		logger:      logger,
	}, nil
}

// Register binds a handler to a kind, replacing any previous binding. Must
// be called before Start.
func (r *Runner) Register(kind tasks.Kind, handler tasks.HandlerFunc) {
	r.handlers[kind] = handler
}

// Enqueue implements tasks.Queue. The workflow ID embeds the task ID, and
// duplicate IDs are rejected so a retried producer call cannot double-run a
// task.
func (r *Runner) Enqueue(ctx context.Context, kind tasks.Kind, payload any) (uuid.UUID, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("temporal runner: marshal %s payload: %w", kind, err)
	}
	id := uuid.New()
	input := TaskInput{ID: id, Kind: kind, Payload: raw}
	opts := client.StartWorkflowOptions{
		ID:                    workflowIDPrefix + id.String(),
		TaskQueue:             r.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
	if _, err := r.client.ExecuteWorkflow(ctx, opts, WorkflowName, input); err != nil {
		return uuid.Nil, fmt.Errorf("temporal runner: start %s workflow: %w", kind, err)
	}
	return id, nil
}

// Start registers the workflow and activity and brings up the worker.
func (r *Runner) Start() error {
	if r.worker != nil {
		return errors.New("temporal runner: already started")
	}
	w := worker.New(r.client, r.taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(r.taskWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions(r.runTask, activity.RegisterOptions{Name: ActivityName})
	if err := w.Start(); err != nil {
		return fmt.Errorf("temporal runner: start worker: %w", err)
	}
	r.worker = w
	return nil
}

// Stop shuts down the worker and, when the runner owns it, the client.
func (r *Runner) Stop() {
	if r.worker != nil {
		r.worker.Stop()
		r.worker = nil
	}
	if r.closeClient {
		r.client.Close()
	}
}

// taskWorkflow runs one task. Delayed sends sleep durably until their fire
// time; every kind then runs its handler as a retried activity.
func (r *Runner) taskWorkflow(wctx workflow.Context, input TaskInput) error {
	if input.Kind == tasks.KindDelayedSend {
		var p tasks.DelayedSendPayload
		if err := json.Unmarshal(input.Payload, &p); err != nil {
			return sdktemporal.NewNonRetryableApplicationError("decode delayed send payload", terminalErrorType, err)
		}
		if wait := p.FireAt.Sub(workflow.Now(wctx)); wait > 0 {
			if err := workflow.Sleep(wctx, wait); err != nil {
				return err
			}
		}
	}
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:        r.retryDelay,
			BackoffCoefficient:     1.0,
			MaximumAttempts:        int32(r.maxAttempts),
			NonRetryableErrorTypes: []string{terminalErrorType},
		},
	}
	return workflow.ExecuteActivity(workflow.WithActivityOptions(wctx, ao), ActivityName, input).Get(wctx, nil)
}

// runTask is the activity body. Errors the retry classifier rules out are
// wrapped as non-retryable so Temporal stops attempting them.
func (r *Runner) runTask(ctx context.Context, input TaskInput) error {
	handler, ok := r.handlers[input.Kind]
	if !ok {
		return sdktemporal.NewNonRetryableApplicationError(
			fmt.Sprintf("no handler for kind %s", input.Kind), terminalErrorType, nil)
	}
	payload, err := decodePayload(input.Kind, input.Payload)
	if err != nil {
		return sdktemporal.NewNonRetryableApplicationError("decode payload", terminalErrorType, err)
	}
	task := tasks.Task{ID: input.ID, Kind: input.Kind, Payload: payload}
	if err := handler(ctx, task); err != nil {
		if !retry.IsRetryable(err) {
			return sdktemporal.NewNonRetryableApplicationError(err.Error(), terminalErrorType, err)
		}
		return err
	}
	return nil
}

// decodePayload rebuilds the concrete payload struct for kind so handlers
// see the same shapes the in-process manager delivers.
func decodePayload(kind tasks.Kind, raw json.RawMessage) (any, error) {
	switch kind {
	case tasks.KindEmbeddingBuild:
		var p tasks.EmbeddingBuildPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case tasks.KindEmbeddingDelete:
		var p tasks.EmbeddingDeletePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case tasks.KindDelayedSend:
		var p tasks.DelayedSendPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		var p map[string]any
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
}
