package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/quillchat/quill/internal/conversation"
	"github.com/quillchat/quill/internal/generate"
	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockStore is an in-memory store with call tracking. Patches are
// merged the way the real upsert merges them.
type mockStore struct {
	mu         sync.Mutex
	docs       map[string]*conversation.Document
	patchCalls int
	getErr     error
	patchErr   error
}

func newMockStore() *mockStore {
	return &mockStore{docs: make(map[string]*conversation.Document)}
}

func (s *mockStore) key(userID string, id uuid.UUID) string {
	return userID + "/" + id.String()
}

func (s *mockStore) Get(_ context.Context, userID string, id uuid.UUID) (*conversation.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	doc, ok := s.docs[s.key(userID, id)]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	cp := *doc
	cp.Messages = append([]conversation.Message(nil), doc.Messages...)
	return &cp, nil
}

func (s *mockStore) Patch(_ context.Context, userID string, id uuid.UUID, p conversation.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patchCalls++
	if s.patchErr != nil {
		return s.patchErr
	}

	doc, ok := s.docs[s.key(userID, id)]
	if !ok {
		doc = &conversation.Document{ID: id, CreatedAt: time.Now()}
		s.docs[s.key(userID, id)] = doc
	}
	if p.Title != nil {
		doc.Title = *p.Title
	}
	if p.ParticipantIDs != nil {
		doc.ParticipantIDs = p.ParticipantIDs
	}
	if p.Status != nil {
		doc.Status = p.Status
	}
	if p.Messages != nil {
		doc.Messages = append([]conversation.Message(nil), p.Messages...)
	}
	if p.LastMessageAt != nil && p.LastMessageAt.After(doc.LastMessageAt) {
		doc.LastMessageAt = *p.LastMessageAt
	}
	doc.UpdatedAt = time.Now()
	return nil
}

func (s *mockStore) stored(userID string, id uuid.UUID) *conversation.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[s.key(userID, id)]
}

// funcGenerator adapts a function to the Generator interface.
type funcGenerator func(ctx context.Context, turns []generate.Turn, onDelta generate.DeltaFunc) error

func (f funcGenerator) Generate(ctx context.Context, turns []generate.Turn, onDelta generate.DeltaFunc) error {
	return f(ctx, turns, onDelta)
}

func scriptedGenerator(deltas []generate.Delta, err error) funcGenerator {
	return func(_ context.Context, _ []generate.Turn, onDelta generate.DeltaFunc) error {
		for _, d := range deltas {
			onDelta(d)
		}
		return err
	}
}

func newTestController(t *testing.T, store Store, gen generate.Generator) (*Controller, *Registry) {
	t.Helper()
	tasks := NewRegistry(log.NewNop())
	ctrl, err := New(Config{
		Store:         store,
		Generator:     gen,
		Tasks:         tasks,
		FlushInterval: 50 * time.Millisecond,
		Logger:        log.NewNop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return ctrl, tasks
}

func waitTasks(t *testing.T, tasks *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tasks.Wait(ctx); err != nil {
		t.Fatalf("tasks.Wait() error = %v", err)
	}
}

func collectFrames(frames *[]stream.Frame, mu *sync.Mutex) SendFunc {
	return func(f stream.Frame) error {
		mu.Lock()
		defer mu.Unlock()
		*frames = append(*frames, f)
		return nil
	}
}

func userRequest(text string) Request {
	return Request{
		UserID:   "user-1",
		Messages: []conversation.Message{{Role: conversation.RoleUser, Text: text}},
	}
}

func TestStream_HappyPath(t *testing.T) {
	store := newMockStore()
	gen := scriptedGenerator([]generate.Delta{{Text: "He"}, {Text: "llo"}}, nil)
	ctrl, tasks := newTestController(t, store, gen)

	var mu sync.Mutex
	var frames []stream.Frame
	id, err := ctrl.Stream(context.Background(), userRequest("Hi"), collectFrames(&frames, &mu))
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	waitTasks(t, tasks)

	wantTypes := []stream.FrameType{
		stream.FrameStatus, stream.FrameDelta, stream.FrameDelta,
		stream.FrameStatus, stream.FrameDone,
	}
	if len(frames) != len(wantTypes) {
		t.Fatalf("got %d frames %+v, want %d", len(frames), frames, len(wantTypes))
	}
	for i, want := range wantTypes {
		if frames[i].Type != want {
			t.Errorf("frame[%d].Type = %s, want %s", i, frames[i].Type, want)
		}
	}
	if frames[0].Status.State != conversation.StateStreaming {
		t.Errorf("first status = %s, want streaming", frames[0].Status.State)
	}
	if frames[1].Text != "He" || frames[2].Text != "llo" {
		t.Errorf("delta texts = %q, %q, want He, llo", frames[1].Text, frames[2].Text)
	}
	if frames[3].Status.State != conversation.StateIdle {
		t.Errorf("terminal status = %s, want idle", frames[3].Status.State)
	}

	doc := store.stored("user-1", id)
	if doc == nil {
		t.Fatal("conversation not persisted")
	}
	wantMessages := []conversation.Message{
		{Role: conversation.RoleUser, Text: "Hi"},
		{Role: conversation.RoleAssistant, Text: "Hello"},
	}
	if len(doc.Messages) != len(wantMessages) {
		t.Fatalf("stored messages = %+v, want %+v", doc.Messages, wantMessages)
	}
	for i, want := range wantMessages {
		if doc.Messages[i] != want {
			t.Errorf("message[%d] = %+v, want %+v", i, doc.Messages[i], want)
		}
	}
	if doc.Status.State != conversation.StateIdle {
		t.Errorf("stored status = %s, want idle", doc.Status.State)
	}
}

func TestStream_GenerationFailure(t *testing.T) {
	store := newMockStore()
	gen := scriptedGenerator([]generate.Delta{{Thought: "thinking..."}}, errors.New("timeout"))
	ctrl, tasks := newTestController(t, store, gen)

	var mu sync.Mutex
	var frames []stream.Frame
	id, err := ctrl.Stream(context.Background(), userRequest("Hi"), collectFrames(&frames, &mu))
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("Stream() error = %v, want ErrGeneration", err)
	}
	waitTasks(t, tasks)

	wantTypes := []stream.FrameType{stream.FrameStatus, stream.FrameThinking, stream.FrameStatus}
	if len(frames) != len(wantTypes) {
		t.Fatalf("got %d frames %+v, want %d", len(frames), frames, len(wantTypes))
	}
	last := frames[len(frames)-1]
	if last.Status.State != conversation.StateError {
		t.Errorf("terminal status = %s, want error", last.Status.State)
	}
	if last.Status.ErrorMessage != "timeout" {
		t.Errorf("error message = %q, want %q", last.Status.ErrorMessage, "timeout")
	}

	doc := store.stored("user-1", id)
	if doc == nil {
		t.Fatal("conversation not persisted")
	}
	wantMessages := []conversation.Message{
		{Role: conversation.RoleUser, Text: "Hi"},
		{Role: conversation.RoleThinking, Text: "thinking..."},
		{Role: conversation.RoleAssistant, Text: ""},
	}
	if len(doc.Messages) != len(wantMessages) {
		t.Fatalf("stored messages = %+v, want %+v", doc.Messages, wantMessages)
	}
	for i, want := range wantMessages {
		if doc.Messages[i] != want {
			t.Errorf("message[%d] = %+v, want %+v", i, doc.Messages[i], want)
		}
	}
	if doc.Status.State != conversation.StateError {
		t.Errorf("stored status = %s, want error", doc.Status.State)
	}
}

func TestStream_AbandonmentCompletesDetached(t *testing.T) {
	store := newMockStore()

	// The generator parks after the first delta until the consumer has
	// abandoned the stream, then finishes the response.
	abandoned := make(chan struct{})
	gen := funcGenerator(func(_ context.Context, _ []generate.Turn, onDelta generate.DeltaFunc) error {
		onDelta(generate.Delta{Text: "part one, "})
		<-abandoned
		onDelta(generate.Delta{Text: "part two"})
		return nil
	})
	ctrl, tasks := newTestController(t, store, gen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var frames []stream.Frame
	send := func(f stream.Frame) error {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, f)
		if f.Type == stream.FrameDelta {
			cancel()
			close(abandoned)
		}
		return nil
	}

	id, err := ctrl.Stream(ctx, userRequest("Hi"), send)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	waitTasks(t, tasks)

	mu.Lock()
	seen := len(frames)
	mu.Unlock()
	// status(streaming) + first delta; everything after the cancel is
	// dropped, not delivered.
	if seen != 2 {
		t.Errorf("consumer saw %d frames %+v, want 2", seen, frames)
	}

	doc := store.stored("user-1", id)
	if doc == nil {
		t.Fatal("conversation not persisted")
	}
	assistant := doc.Messages[len(doc.Messages)-1]
	if assistant.Text != "part one, part two" {
		t.Errorf("stored assistant text = %q, want full text despite abandonment", assistant.Text)
	}
	if doc.Status.State != conversation.StateIdle {
		t.Errorf("stored status = %s, want idle", doc.Status.State)
	}
}

func TestStream_DeltaOrderPreserved(t *testing.T) {
	const n = 200
	deltas := make([]generate.Delta, n)
	for i := range deltas {
		deltas[i] = generate.Delta{Text: fmt.Sprintf("[%d]", i)}
	}

	store := newMockStore()
	ctrl, tasks := newTestController(t, store, scriptedGenerator(deltas, nil))

	var mu sync.Mutex
	var frames []stream.Frame
	if _, err := ctrl.Stream(context.Background(), userRequest("go"), collectFrames(&frames, &mu)); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	waitTasks(t, tasks)

	i := 0
	for _, f := range frames {
		if f.Type != stream.FrameDelta {
			continue
		}
		if want := fmt.Sprintf("[%d]", i); f.Text != want {
			t.Fatalf("delta %d = %q, want %q", i, f.Text, want)
		}
		i++
	}
	if i != n {
		t.Errorf("consumer saw %d deltas, want %d", i, n)
	}
}

func TestStream_StatusTerminality(t *testing.T) {
	store := newMockStore()
	ctrl, tasks := newTestController(t, store,
		scriptedGenerator([]generate.Delta{{Text: "ok"}}, nil))

	var mu sync.Mutex
	var frames []stream.Frame
	if _, err := ctrl.Stream(context.Background(), userRequest("Hi"), collectFrames(&frames, &mu)); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	waitTasks(t, tasks)

	var statuses []*conversation.Status
	for _, f := range frames {
		if f.Type == stream.FrameStatus {
			statuses = append(statuses, f.Status)
		}
	}
	if len(statuses) != 2 {
		t.Fatalf("got %d status frames, want 2 (streaming then terminal)", len(statuses))
	}
	if statuses[0].State != conversation.StateStreaming {
		t.Errorf("first status = %s, want streaming", statuses[0].State)
	}
	if statuses[1].State != conversation.StateIdle && statuses[1].State != conversation.StateError {
		t.Errorf("second status = %s, want terminal", statuses[1].State)
	}
	if statuses[1].UpdatedAt.Before(statuses[0].UpdatedAt) {
		t.Error("terminal status UpdatedAt precedes the streaming status")
	}
}

func TestStream_ContinuesConversation(t *testing.T) {
	store := newMockStore()

	var gotTurns []generate.Turn
	gen := funcGenerator(func(_ context.Context, turns []generate.Turn, onDelta generate.DeltaFunc) error {
		gotTurns = turns
		onDelta(generate.Delta{Text: "again"})
		return nil
	})
	ctrl, tasks := newTestController(t, store, gen)

	var mu sync.Mutex
	var frames []stream.Frame
	id, err := ctrl.Stream(context.Background(), userRequest("first"), collectFrames(&frames, &mu))
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	waitTasks(t, tasks)

	req := userRequest("second")
	req.ConversationID = id
	if _, err := ctrl.Stream(context.Background(), req, collectFrames(&frames, &mu)); err != nil {
		t.Fatalf("Stream() second turn error = %v", err)
	}
	waitTasks(t, tasks)

	// The second call must see the full history: first user message,
	// first reply, new user message.
	wantTexts := []string{"first", "again", "second"}
	if len(gotTurns) != len(wantTexts) {
		t.Fatalf("generator got %d turns %+v, want %d", len(gotTurns), gotTurns, len(wantTexts))
	}
	for i, want := range wantTexts {
		if gotTurns[i].Text != want {
			t.Errorf("turn[%d].Text = %q, want %q", i, gotTurns[i].Text, want)
		}
	}

	doc := store.stored("user-1", id)
	if len(doc.Messages) != 4 {
		t.Errorf("stored %d messages, want 4: %+v", len(doc.Messages), doc.Messages)
	}
}

func TestStream_PersistenceFailureDoesNotFailTurn(t *testing.T) {
	store := newMockStore()
	store.patchErr = errors.New("store unavailable")

	ctrl, tasks := newTestController(t, store,
		scriptedGenerator([]generate.Delta{{Text: "hi"}}, nil))

	var mu sync.Mutex
	var frames []stream.Frame
	if _, err := ctrl.Stream(context.Background(), userRequest("Hi"), collectFrames(&frames, &mu)); err != nil {
		t.Fatalf("Stream() error = %v, want nil despite store failures", err)
	}
	waitTasks(t, tasks)

	last := frames[len(frames)-1]
	if last.Type != stream.FrameDone {
		t.Errorf("last frame = %s, want done", last.Type)
	}
}

func TestStream_ConcurrentTurnsSerialized(t *testing.T) {
	store := newMockStore()

	var mu sync.Mutex
	active, maxActive := 0, 0
	gen := funcGenerator(func(_ context.Context, _ []generate.Turn, onDelta generate.DeltaFunc) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)
		onDelta(generate.Delta{Text: "x"})

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})
	ctrl, tasks := newTestController(t, store, gen)

	id := uuid.New()
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := userRequest("go")
			req.ConversationID = id
			_, _ = ctrl.Stream(context.Background(), req, func(stream.Frame) error { return nil })
		}()
	}
	wg.Wait()
	waitTasks(t, tasks)

	mu.Lock()
	defer mu.Unlock()
	if maxActive != 1 {
		t.Errorf("max concurrent generations for one conversation = %d, want 1", maxActive)
	}
}

func TestRegistry_RecoversPanic(t *testing.T) {
	tasks := NewRegistry(log.NewNop())
	tasks.Go("boom", func() { panic("kaboom") })
	waitTasks(t, tasks)
}
