// Package accountant is the fire-and-forget request-log sink consumed by
// the HTTP layer. Records are queued to a background worker; when the
// queue is full they are dropped and counted, never blocking a request.
// A bounded LRU keeps the most recent records for introspection, and an
// optional sink copies every record to durable storage.
package accountant

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/banditlabs/banditd/internal/metrics"
)

// Record is one logged request.
type Record struct {
	RequestID   uuid.UUID `json:"request_id"`
	TimestampMS uint64    `json:"timestamp_ms"`
	Route       string    `json:"route"`
	Status      uint16    `json:"status"`
	PayloadHash []byte    `json:"payload_hash,omitempty"`
	Data        []byte    `json:"data,omitempty"`
}

// Accountant accepts request logs without ever blocking the caller.
type Accountant interface {
	Record(rec Record)
	Close() error
}

// Sink copies records to durable storage.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// Noop discards every record. Used when the accountant is disabled.
type Noop struct{}

func (Noop) Record(Record) {}
func (Noop) Close() error  { return nil }

const (
	queueCapacity  = 1024
	recentCapacity = 512
)

// Logbook is the default accountant: an in-memory LRU of recent records
// plus an optional durable sink, both fed by a single worker goroutine.
type Logbook struct {
	records chan Record
	recent  *lru.Cache[uuid.UUID, Record]
	sink    Sink
	met     *metrics.Metrics

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLogbook starts the accountant worker. sink may be nil.
func NewLogbook(sink Sink, met *metrics.Metrics) (*Logbook, error) {
	recent, err := lru.New[uuid.UUID, Record](recentCapacity)
	if err != nil {
		return nil, err
	}
	l := &Logbook{
		records: make(chan Record, queueCapacity),
		recent:  recent,
		sink:    sink,
		met:     met,
	}
	l.wg.Add(1)
	go l.worker()
	return l, nil
}

// Record enqueues a request log. Full queue drops the record.
func (l *Logbook) Record(rec Record) {
	select {
	case l.records <- rec:
	default:
		if l.met != nil {
			l.met.AccountantDropped.Inc()
		}
	}
}

// Recent returns the buffered records, oldest first.
func (l *Logbook) Recent() []Record {
	keys := l.recent.Keys()
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		if rec, ok := l.recent.Peek(key); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Close drains the queue and stops the worker.
func (l *Logbook) Close() error {
	l.closeOnce.Do(func() {
		close(l.records)
		l.wg.Wait()
	})
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func (l *Logbook) worker() {
	defer l.wg.Done()
	for rec := range l.records {
		l.recent.Add(rec.RequestID, rec)
		if l.sink != nil {
			if err := l.sink.Write(context.Background(), rec); err != nil {
				log.Printf("accountant: writing record %s: %v", rec.RequestID, err)
			}
		}
	}
}
