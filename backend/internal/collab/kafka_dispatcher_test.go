package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	gometrics "github.com/rcrowley/go-metrics"
)

func TestKafkaDispatcher_SendsAndRetries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig("docsync-test", gometrics.NewRegistry()))
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if len(val) == 0 {
			return errors.New("empty event")
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "doc-revisions", NewSemaphoreControl(1), KafkaDispatcherOptions{
		QueueSize:   4,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
	if !d.TryEnqueue(RevisionEvent{EventType: EventRevisionApplied, DocID: "d", RevID: 1}) {
		t.Fatalf("TryEnqueue() = false")
	}
	if err := d.Enqueue(context.Background(), RevisionEvent{EventType: EventRevisionApplied, DocID: "d", RevID: 2}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := producer.Close(); err != nil {
		t.Fatalf("producer expectations: %v", err)
	}
}

func TestKafkaDispatcher_DropsWhenFull(t *testing.T) {
	// 没有 producer：worker 不会真正发送，用阻塞的信号量卡住 worker
	sem := NewSemaphoreControl(1)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	d := NewKafkaDispatcher(nil, "", sem, KafkaDispatcherOptions{QueueSize: 1, Workers: 1})

	accepted := 0
	for i := 0; i < 5; i++ {
		if d.TryEnqueue(RevisionEvent{DocID: "d", RevID: int64(i)}) {
			accepted++
		}
	}
	// 一个在 worker 手里等信号量，一个在队列里
	if accepted > 2 || accepted == 0 {
		t.Fatalf("accepted = %d, want 1 or 2", accepted)
	}
	_ = sem.Release()
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl(1)
	if err := s.Release(); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("Release() on empty error = %v, want ErrNotAcquired", err)
	}
	if err := s.AcquireFor(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("AcquireFor() error = %v", err)
	}
	if err := s.AcquireFor(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("second AcquireFor() error = %v, want ErrAcquireTimeout", err)
	}
	if s.InUse() != 1 {
		t.Fatalf("InUse() = %d, want 1", s.InUse())
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}
