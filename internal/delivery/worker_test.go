package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emberchat/ember/internal/apperr"
	"github.com/emberchat/ember/internal/deliverylog"
	"github.com/emberchat/ember/internal/model"
	"github.com/google/uuid"
)

type recordKey struct {
	msgID     uuid.UUID
	recipient uuid.UUID
}

type fakeStore struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*model.Message
	records  map[recordKey]model.DeliveryStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: make(map[uuid.UUID]*model.Message),
		records:  make(map[recordKey]model.DeliveryStatus),
	}
}

func (f *fakeStore) addMessage(m *model.Message, recipients ...uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[m.ID] = m
	for _, r := range recipients {
		f.records[recordKey{m.ID, r}] = model.DeliverySent
	}
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

func (f *fakeStore) GetDeliveryRecord(_ context.Context, msgID, recipientID uuid.UUID) (*model.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.records[recordKey{msgID, recipientID}]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "delivery record not found")
	}
	return &model.DeliveryRecord{MessageID: msgID, RecipientID: recipientID, Status: st}, nil
}

func (f *fakeStore) TransitionDelivery(_ context.Context, msgID, recipientID uuid.UUID, target model.DeliveryStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := recordKey{msgID, recipientID}
	cur, ok := f.records[k]
	if !ok {
		return false, apperr.New(apperr.NotFound, "delivery record not found")
	}
	if target.Rank() <= cur.Rank() {
		return false, nil
	}
	f.records[k] = target
	return true, nil
}

func (f *fakeStore) status(msgID, recipient uuid.UUID) model.DeliveryStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[recordKey{msgID, recipient}]
}

type push struct {
	userID uuid.UUID
	event  string
}

type fakePusher struct {
	mu      sync.Mutex
	online  map[uuid.UUID]bool
	pushes  []push
	pushErr error
	failFor map[uuid.UUID]error
}

func newFakePusher(online ...uuid.UUID) *fakePusher {
	p := &fakePusher{
		online:  make(map[uuid.UUID]bool),
		failFor: make(map[uuid.UUID]error),
	}
	for _, id := range online {
		p.online[id] = true
	}
	return p
}

func (f *fakePusher) IsOnline(_ context.Context, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[userID], nil
}

func (f *fakePusher) PushToUser(_ context.Context, userID uuid.UUID, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	if err := f.failFor[userID]; err != nil {
		return err
	}
	f.pushes = append(f.pushes, push{userID: userID, event: event})
	return nil
}

func (f *fakePusher) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func testOptions() Options {
	return Options{
		BatchSize:    10,
		MaxRetries:   5,
		RetryDelay:   time.Minute,
		PollInterval: time.Millisecond,
		ErrorBackoff: time.Millisecond,
	}
}

func enqueue(t *testing.T, l *deliverylog.MemoryLog, msgID, convID uuid.UUID, recipients ...uuid.UUID) string {
	t.Helper()
	id, err := l.Append(context.Background(), deliverylog.Job{
		MessageID:      msgID,
		ConversationID: convID,
		Recipients:     recipients,
		EnqueuedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return id
}

func TestWorkerDeliversToOnlineRecipients(t *testing.T) {
	ctx := context.Background()
	l := deliverylog.NewMemoryLog()
	st := newFakeStore()

	sender := uuid.New()
	alice, bob := uuid.New(), uuid.New()
	msg := &model.Message{ID: uuid.New(), ConversationID: uuid.New(), SenderID: &sender, Body: "hi"}
	st.addMessage(msg, alice, bob)
	pusher := newFakePusher(alice, bob)

	enqueue(t, l, msg.ID, msg.ConversationID, alice, bob)

	w := NewWorker("c1", l, st, pusher, testOptions())
	if err := w.runOnce(ctx); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	if got := pusher.pushCount(); got != 2 {
		t.Errorf("pushes = %d, want 2", got)
	}
	if st.status(msg.ID, alice) != model.DeliveryDelivered {
		t.Errorf("alice status = %s, want delivered", st.status(msg.ID, alice))
	}
	if st.status(msg.ID, bob) != model.DeliveryDelivered {
		t.Errorf("bob status = %s, want delivered", st.status(msg.ID, bob))
	}

	sum, _ := l.Pending(ctx)
	if sum.Count != 0 {
		t.Errorf("pending = %d, want 0 after ack", sum.Count)
	}
}

func TestWorkerLeavesOfflineRecipientsAtSent(t *testing.T) {
	ctx := context.Background()
	l := deliverylog.NewMemoryLog()
	st := newFakeStore()

	now := time.Now()
	l.SetClock(func() time.Time { return now })

	sender := uuid.New()
	online, offline := uuid.New(), uuid.New()
	msg := &model.Message{ID: uuid.New(), ConversationID: uuid.New(), SenderID: &sender}
	st.addMessage(msg, online, offline)
	pusher := newFakePusher(online)

	enqueue(t, l, msg.ID, msg.ConversationID, online, offline)

	w := NewWorker("c1", l, st, pusher, testOptions())
	if err := w.runOnce(ctx); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	if got := pusher.pushCount(); got != 1 {
		t.Errorf("pushes = %d, want 1", got)
	}
	if st.status(msg.ID, offline) != model.DeliverySent {
		t.Errorf("offline recipient status = %s, want sent", st.status(msg.ID, offline))
	}

	// The job stays pending while a recipient remains at sent, so later
	// passes retry them.
	sum, _ := l.Pending(ctx)
	if sum.Count != 1 {
		t.Fatalf("pending = %d, want 1", sum.Count)
	}

	// The recipient comes online before the next retry window; the reclaimed
	// pass delivers to them without re-pushing to the other.
	pusher.mu.Lock()
	pusher.online[offline] = true
	pusher.mu.Unlock()

	now = now.Add(2 * time.Minute)
	if err := w.runOnce(ctx); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if st.status(msg.ID, offline) != model.DeliveryDelivered {
		t.Errorf("status = %s, want delivered after reconnect", st.status(msg.ID, offline))
	}
	if got := pusher.pushCount(); got != 2 {
		t.Errorf("pushes = %d, want 2", got)
	}
	sum, _ = l.Pending(ctx)
	if sum.Count != 0 {
		t.Errorf("pending = %d, want 0 once everyone is delivered", sum.Count)
	}
}

func TestWorkerDeadLettersPersistentlyOfflineRecipient(t *testing.T) {
	ctx := context.Background()
	l := deliverylog.NewMemoryLog()
	st := newFakeStore()

	now := time.Now()
	l.SetClock(func() time.Time { return now })

	sender := uuid.New()
	ghost := uuid.New()
	msg := &model.Message{ID: uuid.New(), ConversationID: uuid.New(), SenderID: &sender}
	st.addMessage(msg, ghost)
	pusher := newFakePusher() // nobody online

	enqueue(t, l, msg.ID, msg.ConversationID, ghost)

	opts := testOptions()
	w := NewWorker("c1", l, st, pusher, opts)

	if err := w.runOnce(ctx); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	sum, _ := l.Pending(ctx)
	if sum.Count != 1 {
		t.Fatalf("pending = %d, want 1 while the recipient is offline", sum.Count)
	}

	// A recipient who never reconnects burns through every retry window and
	// the job lands on the dead-letter stream; their record stays at sent so
	// catch-up can still surface the message later.
	for i := 0; i < opts.MaxRetries+1; i++ {
		now = now.Add(2 * time.Minute)
		if err := w.runOnce(ctx); err != nil {
			t.Fatalf("runOnce round %d: %v", i, err)
		}
	}

	dead := l.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].Reason != "max_retries_exceeded" {
		t.Errorf("reason = %q", dead[0].Reason)
	}
	if st.status(msg.ID, ghost) != model.DeliverySent {
		t.Errorf("status = %s, want sent", st.status(msg.ID, ghost))
	}
	if got := pusher.pushCount(); got != 0 {
		t.Errorf("pushed %d events to an offline recipient", got)
	}
	sum, _ = l.Pending(ctx)
	if sum.Count != 0 {
		t.Errorf("pending = %d, want 0 after dead-letter", sum.Count)
	}
}

func TestWorkerSkipsSender(t *testing.T) {
	ctx := context.Background()
	l := deliverylog.NewMemoryLog()
	st := newFakeStore()

	sender := uuid.New()
	msg := &model.Message{ID: uuid.New(), ConversationID: uuid.New(), SenderID: &sender}
	st.addMessage(msg)
	pusher := newFakePusher(sender)

	enqueue(t, l, msg.ID, msg.ConversationID, sender)

	w := NewWorker("c1", l, st, pusher, testOptions())
	if err := w.runOnce(ctx); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if got := pusher.pushCount(); got != 0 {
		t.Errorf("pushed %d events to the sender", got)
	}
}

func TestWorkerSkipsAlreadyDelivered(t *testing.T) {
	ctx := context.Background()
	l := deliverylog.NewMemoryLog()
	st := newFakeStore()

	sender := uuid.New()
	alice := uuid.New()
	msg := &model.Message{ID: uuid.New(), ConversationID: uuid.New(), SenderID: &sender}
	st.addMessage(msg, alice)
	st.records[recordKey{msg.ID, alice}] = model.DeliveryRead
	pusher := newFakePusher(alice)

	enqueue(t, l, msg.ID, msg.ConversationID, alice)

	w := NewWorker("c1", l, st, pusher, testOptions())
	if err := w.runOnce(ctx); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	if got := pusher.pushCount(); got != 0 {
		t.Errorf("duplicate push to an already-read recipient")
	}
	if st.status(msg.ID, alice) != model.DeliveryRead {
		t.Errorf("status regressed to %s", st.status(msg.ID, alice))
	}
}

func TestWorkerAcksMissingMessage(t *testing.T) {
	ctx := context.Background()
	l := deliverylog.NewMemoryLog()
	st := newFakeStore()
	pusher := newFakePusher()

	enqueue(t, l, uuid.New(), uuid.New(), uuid.New())

	w := NewWorker("c1", l, st, pusher, testOptions())
	if err := w.runOnce(ctx); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	sum, _ := l.Pending(ctx)
	if sum.Count != 0 {
		t.Errorf("job for a vanished message stayed pending")
	}
	if len(l.DeadLetters()) != 0 {
		t.Errorf("vanished message dead-lettered, want plain ack")
	}
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	l := deliverylog.NewMemoryLog()
	st := newFakeStore()

	now := time.Now()
	l.SetClock(func() time.Time { return now })

	sender := uuid.New()
	alice := uuid.New()
	msg := &model.Message{ID: uuid.New(), ConversationID: uuid.New(), SenderID: &sender}
	st.addMessage(msg, alice)

	pusher := newFakePusher(alice)
	pusher.pushErr = errors.New("socket write refused")

	enqueue(t, l, msg.ID, msg.ConversationID, alice)

	opts := testOptions()
	opts.MaxRetries = 2
	w := NewWorker("c1", l, st, pusher, opts)

	// First pass fails and leaves the entry pending.
	if err := w.runOnce(ctx); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	sum, _ := l.Pending(ctx)
	if sum.Count != 1 {
		t.Fatalf("pending = %d, want 1 after failed delivery", sum.Count)
	}

	// Each reclaim round bumps attempts; after MaxRetries exhausted the job
	// moves to the dead-letter stream.
	for i := 0; i < opts.MaxRetries+1; i++ {
		now = now.Add(2 * time.Minute)
		if err := w.runOnce(ctx); err != nil {
			t.Fatalf("runOnce round %d: %v", i, err)
		}
	}

	dead := l.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].Reason != "max_retries_exceeded" {
		t.Errorf("reason = %q", dead[0].Reason)
	}
	if dead[0].Job.MessageID != msg.ID {
		t.Errorf("dead-lettered job %s, want %s", dead[0].Job.MessageID, msg.ID)
	}

	sum, _ = l.Pending(ctx)
	if sum.Count != 0 {
		t.Errorf("pending = %d, want 0 after dead-letter", sum.Count)
	}
}

func TestWorkerFailingRecipientDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	l := deliverylog.NewMemoryLog()
	st := newFakeStore()

	now := time.Now()
	l.SetClock(func() time.Time { return now })

	sender := uuid.New()
	alice, bob := uuid.New(), uuid.New()
	msg := &model.Message{ID: uuid.New(), ConversationID: uuid.New(), SenderID: &sender}
	st.addMessage(msg, alice, bob)

	pusher := newFakePusher(alice, bob)
	pusher.failFor[alice] = errors.New("socket write refused")

	enqueue(t, l, msg.ID, msg.ConversationID, alice, bob)

	w := NewWorker("c1", l, st, pusher, testOptions())
	if err := w.runOnce(ctx); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	// Bob's copy lands even though Alice's push failed.
	if st.status(msg.ID, bob) != model.DeliveryDelivered {
		t.Errorf("bob status = %s, want delivered", st.status(msg.ID, bob))
	}
	if st.status(msg.ID, alice) != model.DeliverySent {
		t.Errorf("alice status = %s, want sent", st.status(msg.ID, alice))
	}
	sum, _ := l.Pending(ctx)
	if sum.Count != 1 {
		t.Fatalf("pending = %d, want 1 while one recipient is undelivered", sum.Count)
	}

	pusher.mu.Lock()
	delete(pusher.failFor, alice)
	pusher.mu.Unlock()

	now = now.Add(2 * time.Minute)
	if err := w.runOnce(ctx); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	if st.status(msg.ID, alice) != model.DeliveryDelivered {
		t.Errorf("alice status = %s, want delivered after retry", st.status(msg.ID, alice))
	}
	if got := pusher.pushCount(); got != 2 {
		t.Errorf("pushes = %d, want 2 (no duplicate to bob)", got)
	}
	sum, _ = l.Pending(ctx)
	if sum.Count != 0 {
		t.Errorf("pending = %d, want 0", sum.Count)
	}
}

func TestWorkerRecoversAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	l := deliverylog.NewMemoryLog()
	st := newFakeStore()

	now := time.Now()
	l.SetClock(func() time.Time { return now })

	sender := uuid.New()
	alice := uuid.New()
	msg := &model.Message{ID: uuid.New(), ConversationID: uuid.New(), SenderID: &sender}
	st.addMessage(msg, alice)

	pusher := newFakePusher(alice)
	pusher.pushErr = errors.New("transient")

	enqueue(t, l, msg.ID, msg.ConversationID, alice)

	w := NewWorker("c1", l, st, pusher, testOptions())
	if err := w.runOnce(ctx); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	// Failure clears; the reclaimed attempt succeeds.
	pusher.mu.Lock()
	pusher.pushErr = nil
	pusher.mu.Unlock()

	now = now.Add(2 * time.Minute)
	if err := w.runOnce(ctx); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	if got := pusher.pushCount(); got != 1 {
		t.Errorf("pushes = %d, want 1", got)
	}
	if st.status(msg.ID, alice) != model.DeliveryDelivered {
		t.Errorf("status = %s, want delivered", st.status(msg.ID, alice))
	}
	sum, _ := l.Pending(ctx)
	if sum.Count != 0 {
		t.Errorf("pending = %d, want 0", sum.Count)
	}
}
