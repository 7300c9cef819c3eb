package deliverylog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Stream and group names for the delivery pipeline.
const (
	JobStream        = "delivery:jobs"
	DeadLetterStream = "delivery:dead"
	ConsumerGroup    = "delivery-workers"
)

// Job is one fan-out unit: deliver a persisted message to a recipient set.
// Attempts is not part of the stored payload in any meaningful way: ReadPending
// overwrites it with the log's delivery count, which is the authoritative
// number of processing rounds the entry has been handed out for.
type Job struct {
	MessageID      uuid.UUID   `json:"messageId"`
	ConversationID uuid.UUID   `json:"convId"`
	Recipients     []uuid.UUID `json:"recipients"`
	Attempts       int         `json:"attempts"`
	EnqueuedAt     time.Time   `json:"enqueuedAt"`
}

// DeadLetter wraps a terminally failed job for operator inspection.
type DeadLetter struct {
	Job      Job       `json:"job"`
	FailedAt time.Time `json:"failedAt"`
	Reason   string    `json:"reason"`
}

// Entry is a log entry as seen by a consumer: the stream-assigned id plus the
// decoded job.
type Entry struct {
	ID  string
	Job Job
}

// PendingSummary describes the unacknowledged backlog of the consumer group.
type PendingSummary struct {
	Count     int64
	Consumers map[string]int64
}

// Log is a durable append-only ordered log with one named consumer group.
// Entries read but not acknowledged stay pending; a pending entry older than
// a threshold may be claimed by any consumer, which resets its idle clock.
type Log interface {
	// Append adds a job to the delivery stream and returns its entry id.
	Append(ctx context.Context, job Job) (string, error)

	// ReadNew blocks up to block for as many as count entries strictly after
	// the group's last delivered position, reading as the named consumer.
	// Returns an empty slice on timeout.
	ReadNew(ctx context.Context, consumer string, count int, block time.Duration) ([]Entry, error)

	// ReadPending lists up to count entries pending longer than minIdle,
	// regardless of owning consumer. Each entry's Job.Attempts carries the
	// log's delivery count for it.
	ReadPending(ctx context.Context, minIdle time.Duration, count int) ([]Entry, error)

	// Claim transfers ownership of a pending entry to consumer if it has been
	// idle at least minIdle. Returns false when the entry was acknowledged or
	// claimed by someone else in the meantime.
	Claim(ctx context.Context, id, consumer string, minIdle time.Duration) (Entry, bool, error)

	// Ack removes an entry from the pending list.
	Ack(ctx context.Context, id string) error

	// AppendDeadLetter records a terminally failed job.
	AppendDeadLetter(ctx context.Context, dl DeadLetter) error

	// Len returns the number of entries in the delivery stream.
	Len(ctx context.Context) (int64, error)

	// Pending summarizes the group's unacknowledged backlog.
	Pending(ctx context.Context) (PendingSummary, error)
}

func encodeJob(j Job) ([]byte, error)         { return json.Marshal(j) }
func decodeJob(b []byte) (Job, error)         { var j Job; err := json.Unmarshal(b, &j); return j, err }
func encodeDead(d DeadLetter) ([]byte, error) { return json.Marshal(d) }
