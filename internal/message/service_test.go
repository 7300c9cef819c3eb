package message

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emberchat/ember/internal/apperr"
	"github.com/emberchat/ember/internal/deliverylog"
	"github.com/emberchat/ember/internal/model"
	"github.com/emberchat/ember/internal/store"
	"github.com/google/uuid"
)

type fakeStore struct {
	mu          sync.Mutex
	messages    map[uuid.UUID]*model.Message
	recipients  []uuid.UUID
	createErr   error
	transitions map[uuid.UUID]model.DeliveryStatus
	changed     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages:    make(map[uuid.UUID]*model.Message),
		transitions: make(map[uuid.UUID]model.DeliveryStatus),
		changed:     true,
	}
}

func (f *fakeStore) CreateMessage(_ context.Context, in store.CreateMessageInput) (*model.Message, []uuid.UUID, error) {
	if f.createErr != nil {
		return nil, nil, f.createErr
	}
	m := &model.Message{
		ID:             uuid.New(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Body:           in.Body,
		Kind:           in.Kind,
		CreatedAt:      time.Now().UTC(),
	}
	f.mu.Lock()
	f.messages[m.ID] = m
	f.mu.Unlock()
	return m, f.recipients, nil
}

func (f *fakeStore) GetMessage(_ context.Context, id uuid.UUID) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "message not found")
	}
	return m, nil
}

func (f *fakeStore) EditMessage(_ context.Context, msgID, _ uuid.UUID, newBody string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[msgID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "message not found")
	}
	m.Body = newBody
	return m, nil
}

func (f *fakeStore) SoftDeleteMessage(_ context.Context, msgID, _ uuid.UUID) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[msgID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "message not found")
	}
	m.Body = model.DeletedPlaceholder
	return m, nil
}

func (f *fakeStore) TransitionDelivery(_ context.Context, msgID, _ uuid.UUID, target model.DeliveryStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions[msgID] = target
	return f.changed, nil
}

func (f *fakeStore) AddReaction(_ context.Context, msgID, userID uuid.UUID, emoji string) (*model.Reaction, error) {
	return &model.Reaction{ID: uuid.New(), MessageID: msgID, UserID: userID, Emoji: emoji}, nil
}

func (f *fakeStore) RemoveReaction(_ context.Context, reactionID, userID uuid.UUID) (*model.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.messages {
		return &model.Reaction{ID: reactionID, MessageID: id, UserID: userID, Emoji: "👍"}, nil
	}
	return nil, apperr.New(apperr.NotFound, "reaction not found")
}

type broadcastCall struct {
	kind string
	conv uuid.UUID
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (f *fakeBroadcaster) record(kind string, conv uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, broadcastCall{kind: kind, conv: conv})
}

func (f *fakeBroadcaster) MessageEdited(_ context.Context, m *model.Message) {
	f.record("edited", m.ConversationID)
}
func (f *fakeBroadcaster) MessageDeleted(_ context.Context, m *model.Message) {
	f.record("deleted", m.ConversationID)
}
func (f *fakeBroadcaster) MessageRead(_ context.Context, convID, _, _ uuid.UUID, _ *uuid.UUID) {
	f.record("read", convID)
}
func (f *fakeBroadcaster) ReactionAdded(_ context.Context, convID uuid.UUID, _ *model.Reaction) {
	f.record("reaction.added", convID)
}
func (f *fakeBroadcaster) ReactionRemoved(_ context.Context, convID uuid.UUID, _ *model.Reaction) {
	f.record("reaction.removed", convID)
}

func (f *fakeBroadcaster) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.kind
	}
	return out
}

// failingLog wraps a Log and fails every Append.
type failingLog struct {
	deliverylog.Log
}

func (f failingLog) Append(context.Context, deliverylog.Job) (string, error) {
	return "", errors.New("stream unavailable")
}

func TestSendPersistsAndEnqueues(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	alice, bob := uuid.New(), uuid.New()
	st.recipients = []uuid.UUID{alice, bob}

	dlog := deliverylog.NewMemoryLog()
	svc := New(st, dlog, &fakeBroadcaster{})

	sender := uuid.New()
	msg, err := svc.Send(ctx, SendInput{
		ConversationID: uuid.New(),
		SenderID:       sender,
		Content:        "hello",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Body != "hello" {
		t.Errorf("body = %q", msg.Body)
	}

	entries, err := dlog.ReadNew(ctx, "test", 10, 0)
	if err != nil {
		t.Fatalf("ReadNew: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(entries))
	}
	job := entries[0].Job
	if job.MessageID != msg.ID {
		t.Errorf("job message = %s, want %s", job.MessageID, msg.ID)
	}
	if len(job.Recipients) != 2 {
		t.Errorf("job recipients = %d, want 2", len(job.Recipients))
	}
	if job.EnqueuedAt.IsZero() {
		t.Error("job missing enqueue timestamp")
	}
}

func TestSendSucceedsWhenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	st.recipients = []uuid.UUID{uuid.New()}

	svc := New(st, failingLog{deliverylog.NewMemoryLog()}, &fakeBroadcaster{})

	msg, err := svc.Send(ctx, SendInput{
		ConversationID: uuid.New(),
		SenderID:       uuid.New(),
		Content:        "still persisted",
	})
	if err != nil {
		t.Fatalf("Send returned %v; persisted sends must succeed even when the enqueue fails", err)
	}
	if msg == nil {
		t.Fatal("Send returned nil message")
	}
}

func TestSendPropagatesStoreErrors(t *testing.T) {
	st := newFakeStore()
	st.createErr = apperr.New(apperr.NotParticipant, "not a member")

	svc := New(st, deliverylog.NewMemoryLog(), &fakeBroadcaster{})
	_, err := svc.Send(context.Background(), SendInput{
		ConversationID: uuid.New(),
		SenderID:       uuid.New(),
		Content:        "nope",
	})
	if !apperr.Is(err, apperr.NotParticipant) {
		t.Errorf("err = %v, want NotParticipant", err)
	}
}

func TestSendSkipsEnqueueWithoutRecipients(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore() // no recipients: sender alone in the conversation
	dlog := deliverylog.NewMemoryLog()
	svc := New(st, dlog, &fakeBroadcaster{})

	if _, err := svc.Send(ctx, SendInput{ConversationID: uuid.New(), SenderID: uuid.New(), Content: "solo"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n, _ := dlog.Len(ctx); n != 0 {
		t.Errorf("enqueued %d jobs for an empty recipient set", n)
	}
}

func TestEditBroadcasts(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	bc := &fakeBroadcaster{}
	svc := New(st, deliverylog.NewMemoryLog(), bc)

	sender := uuid.New()
	msg, _ := svc.Send(ctx, SendInput{ConversationID: uuid.New(), SenderID: sender, Content: "v1"})

	if _, err := svc.Edit(ctx, msg.ID, sender, "v2"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if kinds := bc.kinds(); len(kinds) != 1 || kinds[0] != "edited" {
		t.Errorf("broadcasts = %v, want [edited]", kinds)
	}
}

func TestMarkReadBroadcastsOnlyOnTransition(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	bc := &fakeBroadcaster{}
	svc := New(st, deliverylog.NewMemoryLog(), bc)

	sender := uuid.New()
	msg, _ := svc.Send(ctx, SendInput{ConversationID: uuid.New(), SenderID: sender, Content: "hi"})

	reader := uuid.New()
	if err := svc.MarkRead(ctx, msg.ID, reader); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if kinds := bc.kinds(); len(kinds) != 1 || kinds[0] != "read" {
		t.Fatalf("broadcasts = %v, want [read]", kinds)
	}
	if st.transitions[msg.ID] != model.DeliveryRead {
		t.Errorf("transition target = %s, want read", st.transitions[msg.ID])
	}

	// Replaying the same mark-read changes nothing and stays silent.
	st.changed = false
	if err := svc.MarkRead(ctx, msg.ID, reader); err != nil {
		t.Fatalf("MarkRead replay: %v", err)
	}
	if kinds := bc.kinds(); len(kinds) != 1 {
		t.Errorf("replay broadcast a second receipt: %v", kinds)
	}
}

func TestDeleteBroadcasts(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	bc := &fakeBroadcaster{}
	svc := New(st, deliverylog.NewMemoryLog(), bc)

	sender := uuid.New()
	msg, _ := svc.Send(ctx, SendInput{ConversationID: uuid.New(), SenderID: sender, Content: "oops"})

	got, err := svc.Delete(ctx, msg.ID, sender)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got.Body != model.DeletedPlaceholder {
		t.Errorf("body = %q, want placeholder", got.Body)
	}
	if kinds := bc.kinds(); len(kinds) != 1 || kinds[0] != "deleted" {
		t.Errorf("broadcasts = %v, want [deleted]", kinds)
	}
}

func TestReactBroadcasts(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	bc := &fakeBroadcaster{}
	svc := New(st, deliverylog.NewMemoryLog(), bc)

	sender := uuid.New()
	msg, _ := svc.Send(ctx, SendInput{ConversationID: uuid.New(), SenderID: sender, Content: "nice"})

	r, err := svc.React(ctx, msg.ID, uuid.New(), "🔥")
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if r.Emoji != "🔥" {
		t.Errorf("emoji = %q", r.Emoji)
	}
	if kinds := bc.kinds(); len(kinds) != 1 || kinds[0] != "reaction.added" {
		t.Errorf("broadcasts = %v, want [reaction.added]", kinds)
	}
}
