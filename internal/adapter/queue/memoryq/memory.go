// Package memoryq implements the queue driver port on a single-process
// priority queue ordered by (ready_at, enqueue_seq). Retries are scheduled
// against an injectable clock so tests can fast-forward.
package memoryq

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/stepflow/internal/adapter/queue/driver"
	"github.com/fairyhunter13/stepflow/internal/domain"
)

const pollInterval = 5 * time.Millisecond

type job struct {
	domain.QueueJob
	readyAt time.Time
	seq     uint64
	index   int
}

type readyHeap []*job

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

type topicState struct {
	ready      readyHeap
	processing map[string]*job
	completed  int
	failed     int
}

// Options tune a memory driver.
type Options struct {
	// Backoff overrides the retry schedule; defaults to Fixed(2s, 3s), which
	// yields deliveries at roughly t=0, t=2s, t=5s.
	Backoff driver.BackoffFunc
	// Concurrency is the number of consumer goroutines per Subscribe call.
	Concurrency int
	// Now overrides the clock; used by tests for fast-forwarding.
	Now func() time.Time
	// DLQTopic names the dead-letter topic. Default step.dlq.
	DLQTopic string
}

// Driver is the in-memory queue driver.
type Driver struct {
	mu       sync.Mutex
	topics   map[string]*topicState
	dlq      []*job
	subs     map[string]int
	seq      uint64
	backoff  driver.BackoffFunc
	conc     int
	now      func() time.Time
	dlqTopic string
}

// New constructs a memory driver.
func New(opts Options) *Driver {
	if opts.Backoff == nil {
		opts.Backoff = driver.Fixed(2*time.Second, 3*time.Second)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now() }
	}
	if opts.DLQTopic == "" {
		opts.DLQTopic = domain.TopicStepDLQ
	}
	return &Driver{
		topics:   make(map[string]*topicState),
		subs:     make(map[string]int),
		backoff:  opts.Backoff,
		conc:     opts.Concurrency,
		now:      opts.Now,
		dlqTopic: opts.DLQTopic,
	}
}

// Name identifies the driver.
func (d *Driver) Name() string { return "memory" }

func (d *Driver) topic(name string) *topicState {
	t, ok := d.topics[name]
	if !ok {
		t = &topicState{processing: make(map[string]*job)}
		d.topics[name] = t
	}
	return t
}

// Enqueue adds a job to the topic, claimable after opts.Delay.
func (d *Driver) Enqueue(_ domain.Context, topic string, payload json.RawMessage, opts domain.EnqueueOptions) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = driver.DefaultMaxAttempts
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	now := d.now()
	j := &job{
		QueueJob: domain.QueueJob{
			ID:          uuid.New().String(),
			Topic:       topic,
			Payload:     append(json.RawMessage(nil), payload...),
			Status:      domain.JobPending,
			MaxAttempts: opts.MaxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		readyAt: now.Add(opts.Delay),
		seq:     d.seq,
	}
	heap.Push(&d.topic(topic).ready, j)
	return nil
}

// claim pops the next ready job, or nil.
func (d *Driver) claim(topic string) *job {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.topic(topic)
	if t.ready.Len() == 0 {
		return nil
	}
	next := t.ready[0]
	if next.readyAt.After(d.now()) {
		return nil
	}
	heap.Pop(&t.ready)
	next.Status = domain.JobProcessing
	next.Attempts++
	next.UpdatedAt = d.now()
	t.processing[next.ID] = next
	return next
}

func (d *Driver) finish(j *job, herr error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.topic(j.Topic)
	delete(t.processing, j.ID)
	j.UpdatedAt = d.now()
	if herr == nil {
		j.Status = domain.JobCompleted
		t.completed++
		return
	}
	j.Error = herr.Error()
	if j.Attempts >= j.MaxAttempts {
		j.Status = domain.JobDLQ
		t.failed++
		d.dlq = append(d.dlq, j)
		slog.Warn("job moved to dlq",
			slog.String("topic", j.Topic),
			slog.String("job_id", j.ID),
			slog.Int("attempts", j.Attempts),
			slog.String("error", j.Error))
		return
	}
	j.Status = domain.JobPending
	d.seq++
	j.seq = d.seq
	j.readyAt = d.now().Add(d.backoff(j.Attempts))
	heap.Push(&t.ready, j)
}

// Subscribe starts consumer goroutines for topic until ctx is done.
func (d *Driver) Subscribe(ctx domain.Context, topic string, h domain.JobHandler) error {
	d.mu.Lock()
	d.subs[topic]++
	d.mu.Unlock()
	for i := 0; i < d.conc; i++ {
		go d.consume(ctx, topic, h)
	}
	return nil
}

func (d *Driver) consume(ctx context.Context, topic string, h domain.JobHandler) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			j := d.claim(topic)
			if j == nil {
				break
			}
			payload, err := driver.StampAttempt(j.Payload, j.Attempts)
			if err != nil {
				// Programmer error: undeliverable payload goes straight to DLQ.
				d.finish(j, err)
				continue
			}
			d.finish(j, h(ctx, payload))
		}
	}
}

// Counts reports the topic's depth snapshot.
func (d *Driver) Counts(_ domain.Context, topic string) (domain.QueueCounts, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.topic(topic)
	now := d.now()
	c := domain.QueueCounts{
		Processing: len(t.processing),
		Completed:  t.completed,
		Failed:     t.failed,
	}
	for _, j := range t.ready {
		if j.readyAt.After(now) {
			c.Delayed++
		} else {
			c.Pending++
		}
	}
	for _, j := range d.dlq {
		if j.Topic == topic {
			c.DLQ++
		}
	}
	return c, nil
}

// ListDLQ returns up to limit dead jobs. Accepts the configured DLQ topic
// name or a source topic name.
func (d *Driver) ListDLQ(_ domain.Context, topic string, limit int) ([]domain.QueueJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.QueueJob
	for _, j := range d.dlq {
		if topic != d.dlqTopic && j.Topic != topic {
			continue
		}
		out = append(out, j.QueueJob)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RehydrateDLQ moves up to max dead jobs back to pending on their origin
// topic, resetting attempts and clearing the stored error.
func (d *Driver) RehydrateDLQ(_ domain.Context, topic string, max int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	moved := 0
	var rest []*job
	for _, j := range d.dlq {
		if moved >= max || (topic != d.dlqTopic && j.Topic != topic) {
			rest = append(rest, j)
			continue
		}
		j.Status = domain.JobPending
		j.Attempts = 0
		j.Error = ""
		j.UpdatedAt = d.now()
		d.seq++
		j.seq = d.seq
		j.readyAt = d.now()
		heap.Push(&d.topic(j.Topic).ready, j)
		moved++
	}
	d.dlq = rest
	return moved, nil
}

// OldestAge returns the age of the oldest claimable job.
func (d *Driver) OldestAge(_ domain.Context, topic string) (time.Duration, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.topic(topic)
	now := d.now()
	var oldest *time.Time
	for _, j := range t.ready {
		if j.readyAt.After(now) {
			continue
		}
		created := j.CreatedAt
		if oldest == nil || created.Before(*oldest) {
			oldest = &created
		}
	}
	if oldest == nil {
		return 0, false, nil
	}
	return now.Sub(*oldest), true, nil
}

// HasSubscribers reports whether Subscribe was called for topic.
func (d *Driver) HasSubscribers(topic string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs[topic] > 0
}

var _ domain.QueueDriver = (*Driver)(nil)

// String aids debug logging.
func (d *Driver) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("memoryq(topics=%d dlq=%d)", len(d.topics), len(d.dlq))
}
