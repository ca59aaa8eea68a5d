package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/deepfake-detector/internal/logging"
)

// Recorder fans records out to sinks. The primary sink decides whether a
// synchronous Write succeeded; secondary sinks are best effort.
type Recorder struct {
	primary   Sink
	secondary []Sink
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *Record
	done   chan struct{}
}

// NewRecorder starts the background worker used by Record.
func NewRecorder(logger *zap.Logger, queueSize int, primary Sink, secondary ...Sink) *Recorder {
	if queueSize <= 0 {
		queueSize = 1
	}
	r := &Recorder{
		primary:   primary,
		secondary: secondary,
		logger:    logger.Named("events"),
		queue:     make(chan *Record, queueSize),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// Write stores rec synchronously.
func (r *Recorder) Write(ctx context.Context, rec *Record) error {
	rec.Normalize(time.Now())
	if err := r.primary.Write(ctx, rec); err != nil {
		return logging.NewOperationError("events.write."+r.primary.Name(), rec.ImageID, err)
	}
	r.writeSecondary(ctx, rec)
	return nil
}

// Record queues rec without blocking. When the queue is full or the recorder
// is closed the record is dropped.
func (r *Recorder) Record(rec *Record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("event queue full, dropping record", zap.String("image_id", rec.ImageID))
	}
}

// Close stops accepting records and waits for the queue to drain.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.Write(ctx, rec); err != nil {
			r.logger.Warn("failed to record event", zap.Error(err))
		}
		cancel()
	}
}

func (r *Recorder) writeSecondary(ctx context.Context, rec *Record) {
	for _, sink := range r.secondary {
		if err := sink.Write(ctx, rec); err != nil {
			r.logger.Warn("secondary event sink failed", zap.String("sink", sink.Name()), zap.Error(err))
		}
	}
}
