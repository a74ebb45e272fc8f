package imagerec

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ItemStatus tracks one image through the recognition pipeline.
type ItemStatus string

const (
	StatusQueued      ItemStatus = "queued"
	StatusRecognizing ItemStatus = "recognizing"
	StatusSuccess     ItemStatus = "success"
	StatusError       ItemStatus = "error"
)

// Item is one enqueued image and its recognition outcome.
type Item struct {
	ID       string     `json:"id"`
	FileName string     `json:"fileName"`
	Status   ItemStatus `json:"status"`
	Result   string     `json:"result,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Recognizer abstracts the vision backend so the queue can be tested with
// a fake.
type Recognizer interface {
	Recognize(ctx context.Context, cfg Config, imageBase64 string) (string, error)
}

// Queue runs image recognition with bounded concurrency. Items are
// processed as workers become available; completed results stay in the
// queue until cleared so callers can collect them in submit order.
type Queue struct {
	mu         sync.Mutex
	cfg        Config
	recognizer Recognizer
	sem        *semaphore.Weighted
	items      []*Item
	wg         sync.WaitGroup
	log        zerolog.Logger

	// OnUpdate, when set, fires after every item status change with a
	// copy of the item. Called outside the queue lock.
	OnUpdate func(Item)
}

// NewQueue creates a queue bound to cfg.MaxConcurrent workers.
func NewQueue(cfg Config, recognizer Recognizer, log zerolog.Logger) *Queue {
	return &Queue{
		cfg:        cfg,
		recognizer: recognizer,
		sem:        semaphore.NewWeighted(int64(NormalizeMaxConcurrent(cfg.MaxConcurrent))),
		log:        log,
	}
}

// Enqueue registers an image and starts recognition as soon as a worker
// slot frees up. It returns the item ID immediately.
func (q *Queue) Enqueue(ctx context.Context, fileName, imageBase64 string) string {
	item := &Item{ID: uuid.NewString(), FileName: fileName, Status: StatusQueued}

	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.notify(item)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := q.sem.Acquire(ctx, 1); err != nil {
			q.setOutcome(item, "", err)
			return
		}
		defer q.sem.Release(1)

		q.setStatus(item, StatusRecognizing)
		result, err := q.recognizer.Recognize(ctx, q.cfg, imageBase64)
		q.setOutcome(item, result, err)
	}()
	return item.ID
}

// Wait blocks until every enqueued item has finished.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Items returns a snapshot of all items in submit order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item)
	}
	return out
}

// Results joins the successful recognition texts in submit order.
func (q *Queue) Results() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, item := range q.items {
		if item.Status == StatusSuccess && item.Result != "" {
			out = append(out, item.Result)
		}
	}
	return out
}

// Clear drops all finished and pending items. Workers already running keep
// their item reference and finish harmlessly.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

func (q *Queue) setStatus(item *Item, status ItemStatus) {
	q.mu.Lock()
	item.Status = status
	snapshot := *item
	q.mu.Unlock()
	q.notify(&snapshot)
}

func (q *Queue) setOutcome(item *Item, result string, err error) {
	q.mu.Lock()
	if err != nil {
		item.Status = StatusError
		item.Error = err.Error()
	} else {
		item.Status = StatusSuccess
		item.Result = result
	}
	snapshot := *item
	q.mu.Unlock()

	if err != nil {
		q.log.Warn().Err(err).Str("file", item.FileName).Msg("image recognition failed")
	} else {
		q.log.Debug().Str("file", item.FileName).Msg("image recognized")
	}
	q.notify(&snapshot)
}

func (q *Queue) notify(item *Item) {
	if q.OnUpdate != nil {
		q.OnUpdate(*item)
	}
}
