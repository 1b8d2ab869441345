// Package coordinator implements the two-phase confirmation workflow on top
// of a store.Store: Initiate posts a confirmation prompt and registers an
// in-flight request; Confirm resolves the request, admits the confirmed
// action exactly once, and drives the side-effecting external call.
//
// The coordinator guarantees at-most-one execution per logical action within
// a store's scope. With the in-memory store that scope is a single process;
// redelivered confirmation events, duplicate prompts for a conversation, and
// failures between confirmation and execution are all absorbed here.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"goa.design/handoff/retry"
	"goa.design/handoff/store"
	"goa.design/handoff/telemetry"
	"goa.design/handoff/workflow"
)

type (
	// ConfirmationPost is the prompt delivered to the conversation. RequestID
	// links the eventual confirmation event back to the registered request.
	ConfirmationPost struct {
		Channel   string
		User      string
		ThreadTS  string
		RequestID string
		Prompt    string
	}

	// NotificationChannel posts confirmation prompts into the conversation.
	// Failures surface to the original caller; the coordinator retains no
	// request whose prompt never reached the user.
	NotificationChannel interface {
		PostConfirmation(ctx context.Context, post ConfirmationPost) error
	}

	// FieldOptionsProvider fetches the selectable field values used to enrich
	// the prompt. Failures degrade gracefully: the prompt is still sent with
	// empty option sets.
	FieldOptionsProvider interface {
		Fetch(ctx context.Context, projectKey string) (map[string][]workflow.FieldOption, error)
	}

	// ActionExecutor performs the side-effecting external create call. A
	// failure must leave the confirmed action Pending, never Processed; the
	// coordinator enforces this by marking processed only after Create
	// returns.
	ActionExecutor interface {
		Create(ctx context.Context, req workflow.ConfirmationRequest) (Artifact, error)
	}

	// Artifact identifies the externally created object.
	Artifact struct {
		ExternalID string
		URL        string
	}

	// Receipt reports the outcome of a confirmation. Duplicate confirmations
	// of an already-executed action succeed with Duplicate set; idempotency
	// is invisible to the caller.
	Receipt struct {
		ActionID  string
		Artifact  Artifact
		Duplicate bool
	}

	// Coordinator drives the confirmation workflow. Construct one per process
	// with New.
	Coordinator struct {
		store        store.Store
		notifier     NotificationChannel
		options      FieldOptionsProvider
		executor     ActionExecutor
		projectKey   string
		retry        retry.Config
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		tracer       telemetry.Tracer
		newRequestID func() string
		renderPrompt func(workflow.ConfirmationRequest) string
	}

	// Config assembles a Coordinator. Store, Notifier, and Executor are
	// required; everything else has production defaults.
	Config struct {
		// Store is the coordination store.
		Store store.Store
		// Notifier posts confirmation prompts.
		Notifier NotificationChannel
		// Options enriches prompts with tracker field values. Optional.
		Options FieldOptionsProvider
		// Executor performs the confirmed external call.
		Executor ActionExecutor
		// ProjectKey is passed to the options provider. Optional.
		ProjectKey string
		// Retry bounds executor retries for transient failures. Zero value
		// uses retry.DefaultConfig.
		Retry retry.Config
		// Logger defaults to the Clue-backed logger.
		Logger telemetry.Logger
		// Metrics defaults to the OTEL-backed recorder.
		Metrics telemetry.Metrics
		// Tracer defaults to the OTEL-backed tracer.
		Tracer telemetry.Tracer
		// NewRequestID overrides request id generation. Tests use this for
		// deterministic ids.
		NewRequestID func() string
		// RenderPrompt overrides prompt rendering.
		RenderPrompt func(workflow.ConfirmationRequest) string
	}
)

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("executor is required")
	}
	c := &Coordinator{
		store:        cfg.Store,
		notifier:     cfg.Notifier,
		options:      cfg.Options,
		executor:     cfg.Executor,
		projectKey:   cfg.ProjectKey,
		retry:        cfg.Retry,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		newRequestID: cfg.NewRequestID,
		renderPrompt: cfg.RenderPrompt,
	}
	if c.retry == (retry.Config{}) {
		c.retry = retry.DefaultConfig()
	}
	if c.logger == nil {
		c.logger = telemetry.NewClueLogger()
	}
	if c.metrics == nil {
		c.metrics = telemetry.NewClueMetrics()
	}
	if c.tracer == nil {
		c.tracer = telemetry.NewClueTracer()
	}
	if c.newRequestID == nil {
		c.newRequestID = func() string { return "req_" + uuid.NewString() }
	}
	if c.renderPrompt == nil {
		c.renderPrompt = renderPrompt
	}
	return c, nil
}

// Initiate starts a confirmation flow: it refuses conversations that already
// own an artifact of the requested kind, registers the in-flight request, and
// posts the confirmation prompt. It returns the request id embedded in the
// prompt.
func (c *Coordinator) Initiate(ctx context.Context, req workflow.ConfirmationRequest) (string, error) {
	ctx, span := c.tracer.Start(ctx, "handoff.initiate")
	defer span.End()

	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("invalid confirmation request: %w", err)
	}

	threadKey := req.ThreadKey()
	flagged, err := c.store.HasThreadFlag(ctx, threadKey, req.Kind)
	if err != nil {
		return "", fmt.Errorf("check thread flag: %w", err)
	}
	if flagged {
		// The conversation already has its artifact: no second prompt, no
		// registry write.
		c.metrics.IncCounter("handoff.initiate.refused", 1, "kind", string(req.Kind))
		return "", &AlreadyExistsError{ThreadKey: threadKey, Kind: req.Kind}
	}

	if c.options != nil && len(req.FieldOptions) == 0 {
		opts, err := c.options.Fetch(ctx, c.projectKey)
		if err != nil {
			c.logger.Warn(ctx, "field options unavailable, prompting without them",
				"project_key", c.projectKey, "err", err.Error())
			c.metrics.IncCounter("handoff.options.fetch_failed", 1)
			opts = map[string][]workflow.FieldOption{}
		}
		req.FieldOptions = opts
	}

	payload, err := req.ToPayload()
	if err != nil {
		return "", err
	}
	requestID := c.newRequestID()
	if err := c.store.PutRequest(ctx, workflow.ActionRequest{
		ID:      requestID,
		Kind:    req.Kind,
		Payload: payload,
	}); err != nil {
		return "", fmt.Errorf("register confirmation request: %w", err)
	}

	post := ConfirmationPost{
		Channel:   req.Channel,
		User:      req.User,
		ThreadTS:  req.ThreadTS,
		RequestID: requestID,
		Prompt:    c.renderPrompt(req),
	}
	if err := c.notifier.PostConfirmation(ctx, post); err != nil {
		// The prompt never reached the user: keeping the request around would
		// leave a confirmation no one can send.
		if rmErr := c.store.RemoveRequest(ctx, requestID); rmErr != nil {
			c.logger.Error(ctx, "remove orphaned confirmation request",
				"request_id", requestID, "err", rmErr.Error())
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "prompt post failed")
		return "", fmt.Errorf("post confirmation prompt: %w", err)
	}

	c.metrics.IncCounter("handoff.initiated", 1, "kind", string(req.Kind))
	c.logger.Info(ctx, "confirmation prompt posted",
		"request_id", requestID, "kind", string(req.Kind), "thread_key", threadKey)
	return requestID, nil
}

// Confirm resolves a confirmation event. The derived action id is stable
// under event redelivery, so duplicate confirmations collapse onto one queued
// action and at most one execution. An unknown or expired request id yields
// ExpiredError; an executor failure yields ExecutionError and leaves the
// action Pending and retry-eligible.
func (c *Coordinator) Confirm(ctx context.Context, requestID string) (Receipt, error) {
	ctx, span := c.tracer.Start(ctx, "handoff.confirm")
	defer span.End()

	req, err := c.store.GetRequest(ctx, requestID)
	if errors.Is(err, store.ErrRequestNotFound) {
		c.metrics.IncCounter("handoff.expired", 1)
		return Receipt{}, &ExpiredError{RequestID: requestID}
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("load confirmation request: %w", err)
	}

	conf, err := workflow.ConfirmationFromPayload(req.Payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("request %s: %w", requestID, err)
	}
	actionID := conf.ActionID()
	threadKey := conf.ThreadKey()

	if err := c.store.Enqueue(ctx, workflow.QueuedAction{
		ID:        actionID,
		Kind:      req.Kind,
		ThreadKey: threadKey,
	}); err != nil {
		return Receipt{}, fmt.Errorf("enqueue action %s: %w", actionID, err)
	}
	if err := c.store.SetThreadFlag(ctx, threadKey, req.Kind); err != nil {
		return Receipt{}, fmt.Errorf("set thread flag: %w", err)
	}

	// Recheck right before executing: a duplicate confirmation may have won
	// the race between admission and execution.
	ran, err := c.store.HasRun(ctx, actionID)
	if err != nil {
		return Receipt{}, fmt.Errorf("check dedup guard: %w", err)
	}
	if ran {
		c.cleanupRequest(ctx, requestID)
		c.metrics.IncCounter("handoff.duplicate", 1, "kind", string(req.Kind))
		c.logger.Info(ctx, "duplicate confirmation absorbed",
			"request_id", requestID, "action_id", actionID)
		return Receipt{ActionID: actionID, Duplicate: true}, nil
	}

	started := time.Now()
	var artifact Artifact
	err = retry.Do(ctx, c.retry, func(ctx context.Context) error {
		created, err := c.executor.Create(ctx, conf)
		if err != nil {
			return err
		}
		artifact = created
		return nil
	})
	c.metrics.RecordTimer("handoff.execute", time.Since(started), "kind", string(req.Kind))
	if err != nil {
		// The action stays Pending: confirming again retries execution.
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution failed")
		c.metrics.IncCounter("handoff.execution_failed", 1, "kind", string(req.Kind))
		c.logger.Error(ctx, "action execution failed",
			"action_id", actionID, "err", err.Error())
		return Receipt{}, &ExecutionError{ActionID: actionID, Err: err}
	}

	if err := c.store.MarkProcessed(ctx, actionID); err != nil {
		// Completion happened; a failure to record it risks a second
		// execution, which the idempotent external effect tolerates.
		c.logger.Error(ctx, "mark processed", "action_id", actionID, "err", err.Error())
	}
	c.cleanupRequest(ctx, requestID)

	c.metrics.IncCounter("handoff.executed", 1, "kind", string(req.Kind))
	c.logger.Info(ctx, "action executed",
		"action_id", actionID, "external_id", artifact.ExternalID, "url", artifact.URL)
	return Receipt{ActionID: actionID, Artifact: artifact}, nil
}

// PendingActions lists confirmed actions still awaiting execution.
func (c *Coordinator) PendingActions(ctx context.Context) ([]workflow.QueuedAction, error) {
	return c.store.Pending(ctx)
}

func (c *Coordinator) cleanupRequest(ctx context.Context, requestID string) {
	if err := c.store.RemoveRequest(ctx, requestID); err != nil {
		c.logger.Error(ctx, "remove confirmation request", "request_id", requestID, "err", err.Error())
	}
}

// renderPrompt is the default confirmation prompt renderer.
func renderPrompt(req workflow.ConfirmationRequest) string {
	var b strings.Builder
	switch req.Kind {
	case workflow.KindDoc:
		b.WriteString("Create this doc?")
	default:
		b.WriteString("Create this ticket?")
	}
	fmt.Fprintf(&b, "\n*%s*", req.Title)
	if req.Description != "" {
		fmt.Fprintf(&b, "\n%s", req.Description)
	}
	if req.Priority != "" {
		fmt.Fprintf(&b, "\nPriority: %s", req.Priority)
	}
	if req.AssigneeName != "" {
		fmt.Fprintf(&b, "\nAssignee: %s", req.AssigneeName)
	}
	return b.String()
}
