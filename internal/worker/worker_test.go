package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mckingz/edu-ai-gateway/internal/billing"
)

type mockStore struct {
	mu       sync.Mutex
	failures int // calls to fail before succeeding
	calls    int
	records  []*billing.UsageRecord
}

func (m *mockStore) Append(ctx context.Context, rec *billing.UsageRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return false, errors.New("db unavailable")
	}
	m.records = append(m.records, rec)
	return true, nil
}

func (m *mockStore) GetUsageByUser(ctx context.Context, userID string, from, to time.Time) ([]*billing.UsageRecord, error) {
	return nil, nil
}

func (m *mockStore) GetTotalCostByUser(ctx context.Context, userID string, from, to time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func runQueue(t *testing.T, q *Queue) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- q.Process(context.Background()) }()
	return done
}

func TestQueue_DrainsOnClose(t *testing.T) {
	store := &mockStore{}
	q := NewQueue(store, 16, 2, zap.NewNop())
	done := runQueue(t, q)

	for i := 0; i < 10; i++ {
		if err := q.Enqueue(&billing.UsageRecord{RequestID: "r"}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	q.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Process returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Process did not return after Close")
	}

	if len(store.records) != 10 {
		t.Errorf("Expected 10 records written, got %d", len(store.records))
	}
	if written, dropped := q.Stats(); written != 10 || dropped != 0 {
		t.Errorf("unexpected stats written=%d dropped=%d", written, dropped)
	}
}

func TestQueue_RetriesTransientFailures(t *testing.T) {
	store := &mockStore{failures: 2}
	q := NewQueue(store, 4, 1, zap.NewNop(), WithRetry(3, time.Millisecond))
	done := runQueue(t, q)

	_ = q.Enqueue(&billing.UsageRecord{RequestID: "r"})
	q.Close()
	<-done

	if len(store.records) != 1 || store.calls != 3 {
		t.Errorf("Expected success on third call, got %d records after %d calls", len(store.records), store.calls)
	}
}

func TestQueue_DropsAfterMaxTries(t *testing.T) {
	store := &mockStore{failures: 10}
	q := NewQueue(store, 4, 1, zap.NewNop(), WithRetry(2, time.Millisecond))
	done := runQueue(t, q)

	_ = q.Enqueue(&billing.UsageRecord{RequestID: "r"})
	q.Close()
	<-done

	if store.calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", store.calls)
	}
	if _, dropped := q.Stats(); dropped != 1 {
		t.Errorf("Expected 1 dropped record, got %d", dropped)
	}
}

func TestQueue_EnqueueNeverBlocks(t *testing.T) {
	q := NewQueue(&mockStore{}, 1, 1, zap.NewNop())

	if err := q.Enqueue(&billing.UsageRecord{}); err != nil {
		t.Fatalf("first Enqueue failed: %v", err)
	}
	if err := q.Enqueue(&billing.UsageRecord{}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	q.Close()
	if err := q.Enqueue(&billing.UsageRecord{}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
}
