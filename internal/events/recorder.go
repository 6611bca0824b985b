package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

const recorderConsumer = "event-recorder"

// Entry matches the event_log table schema.
type Entry struct {
	ID        uuid.UUID       `json:"id"`
	AccountID string          `json:"account_id"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type entryStore interface {
	Insert(ctx context.Context, e *Entry) error
}

// Recorder copies every event on the stream into the event log so account
// activity and settlement races can be queried later.
type Recorder struct {
	js    jetstream.JetStream
	store entryStore
}

func NewRecorder(js jetstream.JetStream, store entryStore) *Recorder {
	return &Recorder{js: js, store: store}
}

// Start runs the consume loop until ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) error {
	consumer, err := r.js.CreateOrUpdateConsumer(ctx, StreamEvents, jetstream.ConsumerConfig{
		Durable:       recorderConsumer,
		FilterSubject: SubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("ensuring consumer %s: %w", recorderConsumer, err)
	}

	slog.Info("event recorder started", "consumer", recorderConsumer)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("event recorder: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			r.handle(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *Recorder) handle(ctx context.Context, msg jetstream.Msg) {
	entry, err := decodeEntry(msg.Subject(), msg.Data())
	if err != nil {
		// Redelivering a malformed payload cannot succeed.
		slog.Error("event recorder: decoding event", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}
	if meta, err := msg.Metadata(); err == nil {
		entry.ID = entryID(meta.Stream, meta.Sequence.Stream)
	}

	if err := r.store.Insert(ctx, entry); err != nil {
		slog.Error("event recorder: persisting event", "subject", entry.Subject, "error", err)
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// entryID derives a stable id from the stream position, so a redelivered
// message maps onto the row already written for it.
func entryID(stream string, seq uint64) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d", stream, seq)))
}

func decodeEntry(subject string, data []byte) (*Entry, error) {
	var head struct {
		AccountID string    `json:"account_id"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("unmarshaling %s: %w", subject, err)
	}
	if head.AccountID == "" {
		return nil, fmt.Errorf("event on %s has no account_id", subject)
	}
	created := head.Timestamp
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return &Entry{
		ID:        uuid.New(),
		AccountID: head.AccountID,
		Subject:   subject,
		Payload:   json.RawMessage(data),
		CreatedAt: created,
	}, nil
}
