// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inference runs one chat turn: it stores the user's message,
// builds the provider prompt from the thread history, relays the streamed
// reply and stores the assistant's answer.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianChat/services/chat/apperrors"
	"github.com/AleutianAI/AleutianChat/services/chat/attachments"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
	"github.com/AleutianAI/AleutianChat/services/chat/registry"
	"github.com/AleutianAI/AleutianChat/services/chat/store"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

// =============================================================================
// Types
// =============================================================================

// State is a step of the inference state machine.
type State string

const (
	StateValidating      State = "validating"
	StatePersisting      State = "persisting_user_message"
	StateBuildingContext State = "building_context"
	StateStreaming       State = "streaming"
	StateFinalizing      State = "finalizing"
	StateCompleted       State = "completed"
	StateAborted         State = "aborted"
	StateFailed          State = "failed"
)

// DefaultFinalizeTimeout bounds storing the reply.
const DefaultFinalizeTimeout = 10 * time.Second

// Request is one inference turn.
type Request struct {
	RequestID string
	UserID    string
	ThreadID  string

	// Model is the registry id, not the provider handle.
	Model string

	Temperature  *float32
	MaxTokens    *int
	Instructions string

	// Text is the user's message. It may be empty when attachments exist.
	Text string

	// Attachments are stored before Text, in this order.
	Attachments []datatypes.FileMetadata
}

// EventSink receives the client-facing events of a turn.
//
// # Description
//
// Open is called once, after every pre-stream step has succeeded. Until
// then Run reports failures only through its return value, so the caller
// can still answer with a plain status code. After Open, exactly one of
// Done or Error is called unless the client has gone away.
type EventSink interface {
	Open() error
	Delta(text string) error
	Done() error
	Error(message string) error
}

// Result describes a turn that reached the streaming phase.
type Result struct {
	State State

	// Text is everything relayed to the client.
	Text string

	// AssistantMessage is the stored reply, or nil if none was stored.
	AssistantMessage *datatypes.Message

	// UserMessages are the stored parts of the user's turn.
	UserMessages []*datatypes.Message
}

// TitleTrigger starts background title generation.
type TitleTrigger interface {
	Trigger(threadID, firstUserText string)
}

// Config wires an Orchestrator.
type Config struct {
	Store       store.MessageStore
	Registry    *registry.Registry
	Providers   *llm.ProviderSet
	Attachments Resolver

	// Titles is optional.
	Titles TitleTrigger

	// Persona replaces DefaultPersona when set.
	Persona string

	Metrics     *observability.ChatMetrics
	Instruments *observability.ProviderInstruments

	// FinalizeTimeout bounds storing the reply after the client is gone.
	FinalizeTimeout time.Duration

	// Now is the clock used for the system prompt. Defaults to time.Now.
	Now func() time.Time
}

// Orchestrator runs inference turns.
//
// # Thread Safety
//
// Safe for concurrent use. Turns share nothing but the store, the object
// store and the providers. Two turns on the same thread are not serialized.
type Orchestrator struct {
	cfg    Config
	tracer trace.Tracer
}

// errClientGone marks a failed write to the client.
var errClientGone = errors.New("client disconnected")

// New validates cfg and creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Providers == nil || cfg.Attachments == nil {
		return nil, fmt.Errorf("inference: store, registry, providers and attachments are required")
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		cfg:    cfg,
		tracer: otel.Tracer("aleutian.chat.inference"),
	}, nil
}

// =============================================================================
// Run
// =============================================================================

// turn carries the state of one Run between steps.
type turn struct {
	req      Request
	span     trace.Span
	thread   *datatypes.Thread
	model    *registry.Descriptor
	provider llm.Provider
	messages []llm.Message
	started  time.Time
	result   *Result
}

// Run executes one turn.
//
// # Description
//
// Walks Validating, Persisting-User-Message and Building-Context, then
// opens the sink and streams. Finalizing stores the reply:
//
//   - Completed: the full text.
//   - Aborted (ctx canceled or the sink failed): the partial text, on a
//     context detached from the request.
//   - Failed (provider error): nothing.
//
// Empty replies are never stored.
//
// # Outputs
//
//   - *Result: nil if the turn failed before Open; the sink has then seen
//     nothing. Non-nil once Open succeeded.
//   - error: an *apperrors.Error for pre-stream and Failed turns. Aborted
//     and Completed turns return nil.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink EventSink) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.thread_id", req.ThreadID),
		attribute.String("chat.model", req.Model),
		attribute.Int("chat.attachments", len(req.Attachments)),
	)

	t := &turn{req: req, span: span, started: time.Now()}

	steps := []struct {
		state State
		run   func(context.Context, *turn) error
	}{
		{StateValidating, o.validate},
		{StatePersisting, o.persistUserMessage},
		{StateBuildingContext, o.buildContext},
	}
	for _, step := range steps {
		span.AddEvent(string(step.state))
		if err := step.run(ctx, t); err != nil {
			return nil, o.reject(t, step.state, err)
		}
	}

	if err := sink.Open(); err != nil {
		return nil, o.reject(t, StateStreaming, apperrors.Wrap(apperrors.CodeInternal, "failed to open stream", err))
	}
	t.result.State = StateStreaming

	span.AddEvent(string(StateStreaming))
	o.cfg.Metrics.StreamStarted()
	acc := newAccumulator()
	streamStart := time.Now()
	streamErr := o.stream(ctx, t, acc, sink)
	o.cfg.Metrics.StreamEnded()

	span.AddEvent(string(StateFinalizing))
	err := o.finalize(ctx, t, acc, sink, streamErr)

	outcome := observability.Outcome(t.result.State)
	o.cfg.Metrics.RecordInference(req.Model, outcome)
	o.cfg.Metrics.RecordStreamDuration(req.Model, outcome, time.Since(streamStart).Seconds())
	span.SetAttributes(
		attribute.String("chat.outcome", string(t.result.State)),
		attribute.Int("chat.deltas", acc.Deltas()),
	)
	slog.Info("Inference finished",
		"request_id", req.RequestID,
		"thread_id", req.ThreadID,
		"model", req.Model,
		"outcome", t.result.State,
		"deltas", acc.Deltas(),
		"response_hash", acc.Hash(),
		"duration_ms", time.Since(t.started).Milliseconds(),
	)
	return t.result, err
}

// reject records a pre-stream failure.
func (o *Orchestrator) reject(t *turn, state State, err error) error {
	code := apperrors.CodeOf(err)
	t.span.RecordError(err)
	t.span.SetStatus(codes.Error, string(code))
	o.cfg.Metrics.RecordError(string(state), string(code))
	o.cfg.Metrics.RecordInference(t.req.Model, observability.OutcomeRejected)

	level := slog.LevelWarn
	if code == apperrors.CodeInternal {
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "Inference rejected",
		"request_id", t.req.RequestID,
		"thread_id", t.req.ThreadID,
		"model", t.req.Model,
		"state", state,
		"code", code,
		"error", err,
	)
	return err
}

// =============================================================================
// Steps
// =============================================================================

func (o *Orchestrator) validate(ctx context.Context, t *turn) error {
	if t.req.Text == "" && len(t.req.Attachments) == 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "message must contain text or attachments")
	}

	thread, err := o.cfg.Store.GetThread(ctx, t.req.ThreadID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "failed to load thread", err)
	}
	if thread == nil {
		return apperrors.New(apperrors.CodeThreadNotFound, "thread not found")
	}
	t.thread = thread

	model, err := o.cfg.Registry.Get(t.req.Model)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnknownModel, fmt.Sprintf("unknown model %q", t.req.Model), err)
	}
	t.model = model

	for _, file := range t.req.Attachments {
		if !model.Accepts(datatypes.NewAttachmentPart(file)) {
			return apperrors.New(apperrors.CodeInvalidArgument,
				fmt.Sprintf("model %q does not accept %s attachments", model.ID, file.MimeType))
		}
	}

	provider, err := o.cfg.Providers.Get(model.Provider)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeProviderError,
			fmt.Sprintf("provider %q is not configured", model.Provider), err)
	}
	t.provider = provider
	return nil
}

// persistUserMessage stores attachments first and the text last.
func (o *Orchestrator) persistUserMessage(ctx context.Context, t *turn) error {
	parts := make([]datatypes.ContentPart, 0, len(t.req.Attachments)+1)
	for _, file := range t.req.Attachments {
		parts = append(parts, datatypes.NewAttachmentPart(file))
	}
	if t.req.Text != "" {
		parts = append(parts, datatypes.TextPart{Text: t.req.Text})
	}

	stored, err := o.cfg.Store.CreateMessage(ctx, t.req.UserID, t.req.ThreadID, datatypes.RoleUser, parts)
	switch {
	case errors.Is(err, store.ErrThreadNotFound):
		return apperrors.Wrap(apperrors.CodeThreadNotFound, "thread not found", err)
	case errors.Is(err, store.ErrInvalidContent):
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid message content", err)
	case err != nil:
		return apperrors.Wrap(apperrors.CodeInternal, "failed to store message", err)
	}
	t.result = &Result{UserMessages: stored}
	return nil
}

func (o *Orchestrator) buildContext(ctx context.Context, t *turn) error {
	history, err := o.cfg.Store.ListMessages(ctx, t.req.ThreadID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "failed to load messages", err)
	}

	if !t.thread.HasTitle() && o.cfg.Titles != nil {
		if text, ok := FirstUserText(history); ok {
			o.cfg.Titles.Trigger(t.req.ThreadID, text)
		}
	}

	kept := FilterForModel(history, t.model)
	t.span.SetAttributes(
		attribute.Int("chat.history", len(history)),
		attribute.Int("chat.history_kept", len(kept)),
	)

	mode := string(o.cfg.Attachments.Mode())
	messages, err := BuildMessages(ctx, o.cfg.Attachments, kept, func(ok bool) {
		o.cfg.Metrics.RecordAttachment(mode, ok)
	})
	switch {
	case errors.Is(err, attachments.ErrTooLarge):
		return apperrors.Wrap(apperrors.CodeAttachmentTooLarge, "attachment is too large", err)
	case err != nil:
		return apperrors.Wrap(apperrors.CodeAttachmentUnavailable, "attachment could not be loaded", err)
	}
	t.messages = messages
	return nil
}

// stream runs the provider and relays deltas. The returned error is the
// provider's, ctx's, or errClientGone.
func (o *Orchestrator) stream(ctx context.Context, t *turn, acc *accumulator, sink EventSink) error {
	llmReq := llm.Request{
		Model:    t.model.Model,
		Messages: t.messages,
		Params: llm.GenerationParams{
			Temperature: t.req.Temperature,
			MaxTokens:   t.req.MaxTokens,
		},
	}
	if t.model.SupportsSystemMessages {
		llmReq.System = BuildSystemPrompt(o.cfg.Persona, o.cfg.Now(), t.req.Instructions)
	}

	var firstDelta time.Time
	relay := func(event llm.StreamEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		deltas, err := acc.Add(event)
		if err != nil {
			return err
		}
		for _, d := range deltas {
			if firstDelta.IsZero() {
				firstDelta = time.Now()
				o.cfg.Metrics.RecordTimeToFirstToken(t.req.Model, firstDelta.Sub(t.started).Seconds())
			}
			if err := sink.Delta(d); err != nil {
				return fmt.Errorf("%w: %v", errClientGone, err)
			}
			o.cfg.Metrics.RecordDelta(t.req.Model)
		}
		return nil
	}

	callStart := time.Now()
	var err error
	if t.model.SupportsStreaming {
		err = t.provider.ChatStream(ctx, llmReq, relay)
	} else {
		var text string
		text, err = t.provider.Generate(ctx, llmReq)
		if err == nil {
			err = relay(llm.StreamEvent{Type: llm.StreamEventToken, Content: text})
		}
	}
	o.cfg.Instruments.Record(ctx, t.provider.Name(), t.model.Model, time.Since(callStart), err)
	return err
}

func (o *Orchestrator) finalize(ctx context.Context, t *turn, acc *accumulator, sink EventSink, streamErr error) error {
	t.result.Text = acc.Text()

	aborted := streamErr != nil && (ctx.Err() != nil || errors.Is(streamErr, errClientGone))
	switch {
	case streamErr == nil:
		t.result.State = StateCompleted
	case aborted:
		t.result.State = StateAborted
	default:
		t.result.State = StateFailed
		appErr := classifyStreamError(streamErr)
		t.span.RecordError(streamErr)
		t.span.SetStatus(codes.Error, string(appErr.Code))
		o.cfg.Metrics.RecordError(string(StateStreaming), string(appErr.Code))
		slog.Error("Provider stream failed",
			"request_id", t.req.RequestID,
			"thread_id", t.req.ThreadID,
			"model", t.req.Model,
			"deltas", acc.Deltas(),
			"error", streamErr,
		)
		if err := sink.Error(apperrors.ClientMessage(appErr)); err != nil {
			slog.Debug("Failed to write error event", "request_id", t.req.RequestID, "error", err)
		}
		return appErr
	}

	if t.result.State == StateAborted {
		slog.Info("Client disconnected during stream",
			"request_id", t.req.RequestID,
			"thread_id", t.req.ThreadID,
			"deltas", acc.Deltas(),
		)
	}

	if !acc.Empty() {
		// The request context may already be canceled; the reply is stored
		// on a detached context either way.
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
		defer cancel()
		stored, err := o.cfg.Store.CreateMessage(persistCtx, t.req.UserID, t.req.ThreadID, datatypes.RoleAssistant,
			[]datatypes.ContentPart{datatypes.TextPart{Text: t.result.Text}},
			store.WithModel(t.req.Model, t.model.Provider),
		)
		if err != nil {
			appErr := apperrors.Wrap(apperrors.CodeInternal, "failed to store response", err)
			t.span.RecordError(err)
			o.cfg.Metrics.RecordError(string(StateFinalizing), string(appErr.Code))
			slog.Error("Failed to store assistant message",
				"request_id", t.req.RequestID,
				"thread_id", t.req.ThreadID,
				"error", err,
			)
			if t.result.State == StateCompleted {
				t.result.State = StateFailed
				_ = sink.Error(apperrors.ClientMessage(appErr))
				return appErr
			}
			return nil
		}
		t.result.AssistantMessage = stored[0]
	}

	if t.result.State == StateCompleted {
		if err := sink.Done(); err != nil {
			slog.Debug("Failed to write done event", "request_id", t.req.RequestID, "error", err)
		}
	}
	return nil
}

// classifyStreamError maps a provider failure onto a client-safe error.
func classifyStreamError(err error) *apperrors.Error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	switch {
	case errors.Is(err, ErrResponseTooLarge):
		return apperrors.Wrap(apperrors.CodeProviderError, "response exceeded the maximum length", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.CodeProviderError, "model provider timed out", err)
	default:
		return apperrors.Wrap(apperrors.CodeProviderError, "model provider failed", err)
	}
}
