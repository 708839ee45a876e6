// Package chat implements the streaming session controller: for one
// inbound turn it drives the text generator, relays deltas to the live
// consumer, and keeps the conversation durably persisted, surviving
// client abandonment.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quillchat/quill/internal/conversation"
	"github.com/quillchat/quill/internal/generate"
	"github.com/quillchat/quill/internal/stream"
)

// ErrGeneration wraps text-generation failures so the transport layer
// can map them to an internal error after the error status has been
// persisted and emitted.
var ErrGeneration = errors.New("generation failed")

// Store is the subset of the conversation store the controller needs.
type Store interface {
	Get(ctx context.Context, userID string, id uuid.UUID) (*conversation.Document, error)
	Patch(ctx context.Context, userID string, id uuid.UUID, p conversation.Patch) error
}

// Request is one inbound chat turn.
type Request struct {
	UserID         string
	ConversationID uuid.UUID // uuid.Nil starts a new conversation
	Messages       []conversation.Message
}

// SendFunc forwards one frame to the live consumer. A non-nil error
// means the consumer is gone and the turn continues unobserved.
type SendFunc func(stream.Frame) error

// Config assembles a Controller.
type Config struct {
	Store         Store
	Generator     generate.Generator
	Tasks         *Registry
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Controller orchestrates streaming turns. One instance serves all
// conversations; per-conversation locking serializes concurrent turns
// on the same conversation.
type Controller struct {
	store         Store
	generator     generate.Generator
	tasks         *Registry
	flushInterval time.Duration
	locks         *lockTable
	logger        *slog.Logger
	tracer        trace.Tracer
}

// New creates a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("task registry is required")
	}
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("flush interval must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:         cfg.Store,
		generator:     cfg.Generator,
		tasks:         cfg.Tasks,
		flushInterval: cfg.FlushInterval,
		locks:         newLockTable(),
		logger:        logger,
		tracer:        otel.Tracer("quill/chat"),
	}, nil
}

// Stream processes one turn: it starts generation in a background task,
// forwards frames to send until the turn ends or ctx is canceled, and
// returns the conversation id. On consumer cancellation generation and
// persistence continue detached until the final flush lands.
//
// A wrapped ErrGeneration is returned when the generator failed; every
// other exit path returns nil because persistence failures never fail a
// turn.
func (c *Controller) Stream(ctx context.Context, req Request, send SendFunc) (uuid.UUID, error) {
	id := req.ConversationID
	if id == uuid.Nil {
		id = uuid.New()
	}

	ctx, span := c.tracer.Start(ctx, "chat.stream",
		trace.WithAttributes(attribute.String("conversation.id", id.String())))
	defer span.End()

	// Serialize turns per conversation. Released by the background
	// task once generation and the final flush are finished, so a
	// double-submitted turn waits rather than interleaving.
	release := c.locks.acquire(req.UserID + "/" + id.String())

	// Generation and flushing outlive the request on abandonment.
	genCtx := context.WithoutCancel(ctx)

	doc := c.loadOrInit(genCtx, req.UserID, id)

	var docMu sync.Mutex
	doc.Messages = append(doc.Messages, req.Messages...)
	doc.Messages = append(doc.Messages, conversation.Message{Role: conversation.RoleAssistant})
	assistantIdx := len(doc.Messages) - 1

	turns := historyTurns(doc.Messages[:assistantIdx])

	q := stream.NewQueue()

	flusher := NewFlusher(genCtx, c.flushInterval, func(ctx context.Context) error {
		docMu.Lock()
		snapshot := slices.Clone(doc.Messages)
		docMu.Unlock()

		now := time.Now()
		title := conversation.DeriveTitle(snapshot)
		return c.store.Patch(ctx, req.UserID, id, conversation.Patch{
			Title:          &title,
			ParticipantIDs: doc.ParticipantIDs,
			Messages:       snapshot,
			LastMessageAt:  &now,
		})
	}, c.logger)

	setStatus := func(state conversation.State, errMsg string) {
		st := &conversation.Status{State: state, UpdatedAt: time.Now(), ErrorMessage: errMsg}
		docMu.Lock()
		doc.Status = st
		docMu.Unlock()
		if err := c.store.Patch(genCtx, req.UserID, id, conversation.Patch{Status: st}); err != nil {
			c.logger.Warn("persisting status failed",
				"conversation_id", id, "state", state, "error", err)
		}
		q.Push(stream.StatusFrame(st))
	}

	// The turn is visibly in progress before any text exists.
	setStatus(conversation.StateStreaming, "")

	thinkingIdx := -1
	onDelta := func(d generate.Delta) {
		switch {
		case d.Thought != "":
			docMu.Lock()
			if thinkingIdx < 0 {
				// Reasoning is spliced in immediately before the
				// assistant placeholder, never appended on its own.
				thinkingIdx = assistantIdx
				doc.Messages = slices.Insert(doc.Messages, assistantIdx,
					conversation.Message{Role: conversation.RoleThinking})
				assistantIdx++
			}
			doc.Messages[thinkingIdx].Text += d.Thought
			docMu.Unlock()
			q.Push(stream.ThinkingFrame(d.Thought))
		case d.Text != "":
			docMu.Lock()
			doc.Messages[assistantIdx].Text += d.Text
			docMu.Unlock()
			q.Push(stream.DeltaFrame(d.Text))
		default:
			return
		}
		flusher.Request(false)
	}

	errc := make(chan error, 1)
	c.tasks.Go("chat-turn", func() {
		defer release()
		defer flusher.Stop()

		err := c.generator.Generate(genCtx, turns, onDelta)

		// The durable copy must reflect the final text before the
		// terminal status is announced.
		flusher.Request(true)

		if err != nil {
			c.logger.Error("generation failed", "conversation_id", id, "error", err)
			setStatus(conversation.StateError, err.Error())
		} else {
			setStatus(conversation.StateIdle, "")
			q.Push(stream.DoneFrame())
		}

		errc <- err
		q.Stop()
	})

	// Consumer loop: drain the queue into the live stream until the
	// turn ends, the consumer's context fires, or send fails.
	for {
		f, ok := q.Next(ctx)
		if !ok {
			break
		}
		if err := send(f); err != nil {
			c.logger.Debug("consumer gone, continuing detached",
				"conversation_id", id, "error", err)
			break
		}
	}
	q.Stop()

	select {
	case err := <-errc:
		if err != nil {
			return id, fmt.Errorf("%w: %w", ErrGeneration, err)
		}
	default:
		// Abandoned mid-flight; the background task finishes alone.
	}
	return id, nil
}

// loadOrInit fetches the stored document or initializes a fresh one.
// Load failures degrade to a fresh document: durability is best-effort
// and must not fail the turn.
func (c *Controller) loadOrInit(ctx context.Context, userID string, id uuid.UUID) *conversation.Document {
	doc, err := c.store.Get(ctx, userID, id)
	if err == nil {
		return doc
	}
	if !errors.Is(err, conversation.ErrNotFound) {
		c.logger.Warn("loading conversation failed, starting fresh",
			"conversation_id", id, "error", err)
	}
	return &conversation.Document{
		ID:             id,
		ParticipantIDs: []string{userID},
		CreatedAt:      time.Now(),
	}
}

// historyTurns converts stored messages to generation context, skipping
// reasoning messages and empty placeholders from failed turns.
func historyTurns(messages []conversation.Message) []generate.Turn {
	turns := make([]generate.Turn, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == conversation.RoleThinking || msg.Text == "" {
			continue
		}
		turns = append(turns, generate.Turn{Role: string(msg.Role), Text: msg.Text})
	}
	return turns
}
