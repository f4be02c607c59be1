package accountant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/banditlabs/banditd/internal/metrics"
)

type captureSink struct {
	mu   sync.Mutex
	recs []Record
	fail bool
}

func (c *captureSink) Write(ctx context.Context, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("sink unavailable")
	}
	c.recs = append(c.recs, rec)
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.recs...)
}

func TestLogbook_RecordsReachSinkAndRecent(t *testing.T) {
	sink := &captureSink{}
	book, err := NewLogbook(sink, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewLogbook: %v", err)
	}

	want := make([]uuid.UUID, 0, 5)
	for i := 0; i < 5; i++ {
		id := uuid.New()
		want = append(want, id)
		book.Record(Record{RequestID: id, TimestampMS: uint64(i), Route: "/v1/draw", Status: 200})
	}
	if err := book.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := sink.records()
	if len(got) != 5 {
		t.Fatalf("sink got %d records, want 5", len(got))
	}
	for i, rec := range got {
		if rec.RequestID != want[i] {
			t.Errorf("sink record %d = %s, want %s (order preserved)", i, rec.RequestID, want[i])
		}
	}

	recent := book.Recent()
	if len(recent) != 5 {
		t.Fatalf("Recent returned %d records, want 5", len(recent))
	}
	if recent[0].RequestID != want[0] || recent[4].RequestID != want[4] {
		t.Error("Recent is not oldest-first")
	}
}

func TestLogbook_RecordNeverBlocks(t *testing.T) {
	// A failing sink must not stall callers: Record always returns
	// promptly, overflow is dropped.
	sink := &captureSink{fail: true}
	book, err := NewLogbook(sink, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewLogbook: %v", err)
	}
	defer book.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueCapacity*3; i++ {
			book.Record(Record{RequestID: uuid.New()})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked")
	}
}

func TestLogbook_RecentIsBounded(t *testing.T) {
	book, err := NewLogbook(nil, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewLogbook: %v", err)
	}
	for i := 0; i < recentCapacity*2; i++ {
		book.Record(Record{RequestID: uuid.New()})
	}
	if err := book.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(book.Recent()); got > recentCapacity {
		t.Errorf("Recent holds %d records, cap is %d", got, recentCapacity)
	}
}

func TestNoop(t *testing.T) {
	var a Accountant = Noop{}
	a.Record(Record{RequestID: uuid.New()})
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
