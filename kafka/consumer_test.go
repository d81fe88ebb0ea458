package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/eddielth/telemetry-normalizer/pipeline"
	kafkago "github.com/segmentio/kafka-go"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafkago.Message
	errs      []error
	commitErr error
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return kafkago.Message{}, err
	}
	if len(r.messages) == 0 {
		return kafkago.Message{}, io.EOF
	}
	msg := r.messages[0]
	r.messages = r.messages[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.commitErr != nil {
		return r.commitErr
	}
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type recorder struct {
	sources []string
	values  []string
	errs    []error
}

// Handle returns the queued errors in order, then a validation failure
func (r *recorder) Handle(source string, payload []byte) error {
	r.sources = append(r.sources, source)
	r.values = append(r.values, string(payload))
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return err
	}
	return errors.New("handler failures do not stop the consumer")
}

func newTestConsumer(reader *fakeReader, rec *recorder) *Consumer {
	return &Consumer{reader: reader, topic: "raw", handler: rec, retryDelay: 10 * time.Millisecond}
}

func TestConsumer_Run(t *testing.T) {
	reader := &fakeReader{
		messages: []kafkago.Message{
			{Topic: "raw", Partition: 0, Offset: 7, Value: []byte(`{"a":1}`)},
			{Topic: "raw", Partition: 2, Offset: 9, Value: []byte(`{"b":2}`)},
		},
	}
	rec := &recorder{}
	c := newTestConsumer(reader, rec)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(rec.sources) != 2 || rec.sources[0] != "kafka:raw/0@7" || rec.sources[1] != "kafka:raw/2@9" {
		t.Fatalf("unexpected sources: %v", rec.sources)
	}
	if rec.values[1] != `{"b":2}` {
		t.Fatalf("unexpected payload: %s", rec.values[1])
	}
	// rejected records are committed, they would fail again on redelivery
	if len(reader.committed) != 2 || reader.committed[0] != 7 || reader.committed[1] != 9 {
		t.Fatalf("unexpected commits: %v", reader.committed)
	}

	if err := c.Close(); err != nil || !reader.closed {
		t.Fatalf("expected reader to be closed")
	}
}

func TestConsumer_StoreFailureIsRetriedBeforeCommit(t *testing.T) {
	reader := &fakeReader{
		messages: []kafkago.Message{{Topic: "raw", Offset: 3, Value: []byte(`{}`)}},
	}
	storeErr := fmt.Errorf("%w: device DK001: connection refused", pipeline.ErrStoreFailed)
	rec := &recorder{errs: []error{storeErr, storeErr, nil}}
	c := newTestConsumer(reader, rec)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(rec.sources) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(rec.sources))
	}
	if len(reader.committed) != 1 || reader.committed[0] != 3 {
		t.Fatalf("expected a single commit after success, got %v", reader.committed)
	}
}

func TestConsumer_CancelDuringStoreRetryDoesNotCommit(t *testing.T) {
	reader := &fakeReader{
		messages: []kafkago.Message{{Topic: "raw", Offset: 5, Value: []byte(`{}`)}},
	}
	storeErr := fmt.Errorf("%w: device DK001: timeout", pipeline.ErrStoreFailed)
	rec := &recorder{errs: []error{storeErr, storeErr, storeErr, storeErr, storeErr}}
	c := newTestConsumer(reader, rec)
	c.retryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
	if len(reader.committed) != 0 {
		t.Fatalf("expected no commit, got %v", reader.committed)
	}
}

func TestConsumer_CommitErrorsAreNotFatal(t *testing.T) {
	reader := &fakeReader{
		messages:  []kafkago.Message{{Topic: "raw", Value: []byte(`{}`)}, {Topic: "raw", Value: []byte(`{}`)}},
		commitErr: errors.New("rebalance in progress"),
	}
	rec := &recorder{}
	c := newTestConsumer(reader, rec)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(rec.sources) != 2 {
		t.Fatalf("expected both messages handled, got %d", len(rec.sources))
	}
}

func TestConsumer_RetriesReadErrors(t *testing.T) {
	reader := &fakeReader{
		errs:     []error{errors.New("leader not available")},
		messages: []kafkago.Message{{Topic: "raw", Value: []byte(`{}`)}},
	}
	rec := &recorder{}
	c := newTestConsumer(reader, rec)

	start := time.Now()
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(rec.sources) != 1 {
		t.Fatalf("expected message after retry, got %v", rec.sources)
	}
	if time.Since(start) < c.retryDelay {
		t.Fatalf("expected retry delay before next read")
	}
}

func TestConsumer_StopsOnCancel(t *testing.T) {
	reader := &fakeReader{errs: []error{context.Canceled}}
	c := newTestConsumer(reader, &recorder{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}
