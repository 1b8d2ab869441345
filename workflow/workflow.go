// Package workflow defines the data model for two-phase, human-confirmed
// actions: a bot posts a confirmation prompt, and only once a human confirms
// does the side-effecting external call fire.
//
// Identifiers are derived deterministically from the source conversation so
// that redelivery of the same confirmation event maps to the same action.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// Kind discriminates the artifact produced by a confirmed action.
	Kind string

	// ActionStatus is the lifecycle state of a queued action. Transitions are
	// monotonic: Pending -> Processed, never back.
	ActionStatus string

	// ActionRequest is an ephemeral record awaiting human confirmation before
	// an external side effect runs. It is created when a confirmation prompt
	// is posted and destroyed on confirmation receipt or TTL expiry, whichever
	// comes first.
	ActionRequest struct {
		// ID is the opaque request identifier embedded in the prompt.
		ID string `json:"id"`
		// Kind is the artifact kind the request will produce when confirmed.
		Kind Kind `json:"kind"`
		// Payload is the caller-owned confirmation payload. The store never
		// inspects it.
		Payload map[string]any `json:"payload"`
		// CreatedAt anchors the TTL horizon.
		CreatedAt time.Time `json:"created_at"`
	}

	// QueuedAction is a confirmed unit of work, either not yet executed or
	// already executed. Queued actions are never explicitly deleted, only
	// age-pruned.
	QueuedAction struct {
		// ID is derived from (channel, message timestamp, kind) and therefore
		// stable under event redelivery.
		ID string `json:"id"`
		// Kind is the artifact kind.
		Kind Kind `json:"kind"`
		// ThreadKey scopes the one-artifact-per-conversation guarantee.
		ThreadKey string `json:"thread_key"`
		// Status is Pending until the external call succeeds.
		Status ActionStatus `json:"status"`
		// CreatedAt anchors queue pruning.
		CreatedAt time.Time `json:"created_at"`
	}

	// FieldOption is one selectable value of a category field set, fetched
	// from the external tracker to enrich the confirmation prompt.
	FieldOption struct {
		ID    string `json:"id"`
		Value string `json:"value"`
	}

	// ConfirmationRequest carries everything needed to render a confirmation
	// prompt and, later, to execute the confirmed action.
	ConfirmationRequest struct {
		Kind           Kind                     `json:"kind"`
		Title          string                   `json:"title"`
		Description    string                   `json:"description,omitempty"`
		AssigneeName   string                   `json:"assignee_name,omitempty"`
		AssigneeEmail  string                   `json:"assignee_email,omitempty"`
		ReporterName   string                   `json:"reporter_name,omitempty"`
		ReporterEmail  string                   `json:"reporter_email,omitempty"`
		Parent         string                   `json:"parent,omitempty"`
		Priority       string                   `json:"priority,omitempty"`
		CategoryFields map[string]string        `json:"category_fields,omitempty"`
		Channel        string                   `json:"channel"`
		MessageTS      string                   `json:"message_ts"`
		ThreadTS       string                   `json:"thread_ts,omitempty"`
		User           string                   `json:"user,omitempty"`
		TeamID         string                   `json:"team_id,omitempty"`
		CreatedAt      time.Time                `json:"created_at,omitempty"`
		FieldOptions   map[string][]FieldOption `json:"field_options,omitempty"`
	}
)

const (
	// KindTicket produces a tracker issue.
	KindTicket Kind = "ticket"
	// KindDoc produces a wiki document.
	KindDoc Kind = "doc"
)

const (
	// StatusPending marks a confirmed action whose external call has not yet
	// succeeded. Pending actions are retry-eligible.
	StatusPending ActionStatus = "pending"
	// StatusProcessed marks an action that ran to completion. Terminal.
	StatusProcessed ActionStatus = "processed"
)

// ActionID derives the stable action identifier for a confirmed action. Two
// deliveries of the same source event yield the same ID, which is what makes
// redelivery collapse onto a single queued action.
func ActionID(channel, messageTS string, kind Kind) string {
	return fmt.Sprintf("%s_%s_%s_confirmed", channel, messageTS, kind)
}

// ThreadKey derives the conversation key used for per-thread idempotency.
// Replies carry the root message timestamp in threadTS; top-level messages
// fall back to their own timestamp.
func ThreadKey(channel, messageTS, threadTS string) string {
	ts := threadTS
	if ts == "" {
		ts = messageTS
	}
	return fmt.Sprintf("%s_%s", channel, ts)
}

// Validate reports whether the request carries the fields every confirmation
// flow requires.
func (r ConfirmationRequest) Validate() error {
	switch r.Kind {
	case KindTicket, KindDoc:
	case "":
		return errors.New("kind is required")
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if r.Title == "" {
		return errors.New("title is required")
	}
	if r.Channel == "" {
		return errors.New("channel is required")
	}
	if r.MessageTS == "" {
		return errors.New("message timestamp is required")
	}
	return nil
}

// ActionID derives the stable action identifier for this request.
func (r ConfirmationRequest) ActionID() string {
	return ActionID(r.Channel, r.MessageTS, r.Kind)
}

// ThreadKey derives the conversation key for this request.
func (r ConfirmationRequest) ThreadKey() string {
	return ThreadKey(r.Channel, r.MessageTS, r.ThreadTS)
}

// ToPayload converts the request into the opaque payload stored alongside an
// ActionRequest. The conversion goes through JSON so the payload survives
// store backends that serialize entries.
func (r ConfirmationRequest) ToPayload() (map[string]any, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode confirmation payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode confirmation payload: %w", err)
	}
	return m, nil
}

// ConfirmationFromPayload reverses ToPayload.
func ConfirmationFromPayload(payload map[string]any) (ConfirmationRequest, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return ConfirmationRequest{}, fmt.Errorf("encode stored payload: %w", err)
	}
	var r ConfirmationRequest
	if err := json.Unmarshal(b, &r); err != nil {
		return ConfirmationRequest{}, fmt.Errorf("decode stored payload: %w", err)
	}
	return r, nil
}
