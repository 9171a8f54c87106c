package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"platebridge-pod/internal/domain/pod"
	"platebridge-pod/internal/metrics"
)

// Processor handles one accepted detection. Implementations must tolerate being
// called concurrently from several workers.
type Processor interface {
	ProcessDetection(ctx context.Context, ev pod.DetectionEvent)
}

// Ingestor decouples bus delivery from outbound calls: HandleMessage only parses and
// enqueues, a fixed pool of workers drains the queue.
type Ingestor struct {
	proc    Processor
	metrics *metrics.Metrics
	log     zerolog.Logger
	workers int

	queue chan pod.DetectionEvent

	mu      sync.RWMutex
	stopped bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewIngestor(proc Processor, workers, queueSize int, m *metrics.Metrics, log zerolog.Logger) *Ingestor {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Ingestor{
		proc:    proc,
		metrics: m,
		log:     log.With().Str("component", "ingest").Logger(),
		workers: workers,
		queue:   make(chan pod.DetectionEvent, queueSize),
	}
}

func (i *Ingestor) Start() {
	i.ctx, i.cancel = context.WithCancel(context.Background())
	i.wg.Add(i.workers)
	for n := 0; n < i.workers; n++ {
		go i.worker()
	}
	i.log.Info().Int("workers", i.workers).Int("queue_size", cap(i.queue)).Msg("ingest workers started")
}

// HandleMessage is the bus callback. It never blocks on downstream work.
func (i *Ingestor) HandleMessage(payload []byte) {
	ev, err := ParseDetection(payload)
	switch {
	case errors.Is(err, ErrIgnored):
		return
	case err != nil:
		metrics.Inc(&i.metrics.MalformedMessages)
		i.log.Warn().Err(err).Msg("dropping malformed bus message")
		return
	}

	metrics.Inc(&i.metrics.DetectionsReceived)
	i.Enqueue(ev)
}

// Enqueue hands ev to the worker pool, dropping it when the queue is full or the
// ingestor has been shut down.
func (i *Ingestor) Enqueue(ev pod.DetectionEvent) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.stopped {
		return false
	}

	select {
	case i.queue <- ev:
		return true
	default:
		metrics.Inc(&i.metrics.QueueFull)
		i.log.Warn().
			Str("plate", ev.Plate).
			Str("event_id", ev.EventID).
			Msg("ingest queue full, dropping detection")
		return false
	}
}

func (i *Ingestor) worker() {
	defer i.wg.Done()
	for ev := range i.queue {
		i.process(ev)
	}
}

func (i *Ingestor) process(ev pod.DetectionEvent) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Error().Interface("panic", r).Str("event_id", ev.EventID).Msg("detection handler panicked")
		}
	}()
	i.proc.ProcessDetection(i.ctx, ev)
}

// Shutdown stops accepting work and cancels the worker context before the queue is
// drained, so in-flight and queued detections see a done context and skip any new
// outbound work. It waits for the workers to return.
func (i *Ingestor) Shutdown() {
	i.stopOnce.Do(func() {
		if i.cancel != nil {
			i.cancel()
		}
		i.mu.Lock()
		i.stopped = true
		close(i.queue)
		i.mu.Unlock()
	})
	i.wg.Wait()
}
