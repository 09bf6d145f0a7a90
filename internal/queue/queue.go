// Package queue implements the Command Queue (C9): a single-consumer FIFO
// that serializes every command dispatched to a session, plus the
// per-client admission-control limiter in front of it (golang.org/x/time/rate),
// per SPEC_FULL.md §4.14.
package queue

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/rabbitize/engine/internal/command"
	"github.com/rabbitize/engine/internal/sessionerr"
)

// Item is one enqueued command awaiting execution.
type Item struct {
	ID       string
	Cmd      command.Command
	Index    int
	Done     chan Result
}

// Result is delivered on Item.Done once the item finishes executing.
type Result struct {
	Output command.StepOutput
	Err    error
}

// Callbacks lets the Session Engine observe queue lifecycle events without
// the queue importing session (spec.md §4.14).
type Callbacks struct {
	OnStart            func(Item)
	OnCommandExecuted   func(Item, Result)
	OnQueueEmpty        func()
	OnSessionEnd        func()
}

// Queue is a single-consumer FIFO. Exactly one goroutine (Run) drains it;
// Enqueue may be called from any number of goroutines (HTTP handlers).
type Queue struct {
	mu       sync.Mutex
	items    *list.List
	notEmpty chan struct{}

	callbacks Callbacks
	exec      func(ctx context.Context, cmd command.Command) (command.StepOutput, error)

	limiters   map[string]*rate.Limiter
	limitersMu sync.Mutex
	ratePerMin int
	burst      int

	recentMu sync.Mutex
	recent   []Record

	closed bool
}

// Record is one of the last-N executed commands retained for the
// façade's status endpoint (spec.md §4.14 "last-50-records retention").
type Record struct {
	Item   Item
	Result Result
}

const recentCap = 50

// New builds a Queue. exec is the Command Executor's dispatch function;
// the queue itself has no opinion on what a command does.
func New(exec func(ctx context.Context, cmd command.Command) (command.StepOutput, error), callbacks Callbacks, ratePerMin, burst int) *Queue {
	return &Queue{
		items:      list.New(),
		notEmpty:   make(chan struct{}, 1),
		callbacks:  callbacks,
		exec:       exec,
		limiters:   make(map[string]*rate.Limiter),
		ratePerMin: ratePerMin,
		burst:      burst,
	}
}

func (q *Queue) limiterFor(clientID string) *rate.Limiter {
	q.limitersMu.Lock()
	defer q.limitersMu.Unlock()
	l, ok := q.limiters[clientID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(q.ratePerMin)/60.0), q.burst)
		q.limiters[clientID] = l
	}
	return l
}

// Enqueue admits cmd for clientID, rejecting with ErrQueueOverloaded if
// the client's admission limiter has no tokens left (spec.md §4.14).
func (q *Queue) Enqueue(clientID string, cmd command.Command, idx int) (*Item, error) {
	if !q.limiterFor(clientID).Allow() {
		return nil, sessionerr.ErrQueueOverloaded
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, sessionerr.ErrQueueDisabled
	}
	item := &Item{ID: fmt.Sprintf("%s-%d", clientID, idx), Cmd: cmd, Index: idx, Done: make(chan Result, 1)}
	q.items.PushBack(item)
	q.mu.Unlock()

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}

	return item, nil
}

// Run drains the queue on the calling goroutine until ctx is canceled or a
// command fails with a hard (non-Soft) error, which disables the queue and
// answers every still-pending item with ErrQueueDisabled.
// This is the queue's single consumer; callers must never invoke Run from
// more than one goroutine concurrently.
func (q *Queue) Run(ctx context.Context) {
	for {
		item, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.notEmpty:
				continue
			}
		}

		if q.callbacks.OnStart != nil {
			q.callbacks.OnStart(*item)
		}

		output, err := q.exec(ctx, item.Cmd)
		result := Result{Output: output, Err: err}
		item.Done <- result

		if q.callbacks.OnCommandExecuted != nil {
			q.callbacks.OnCommandExecuted(*item, result)
		}
		q.recordRecent(Record{Item: *item, Result: result})

		if err != nil && !sessionerr.Soft(err) {
			q.disable()
			return
		}

		if q.isEmpty() && q.callbacks.OnQueueEmpty != nil {
			q.callbacks.OnQueueEmpty()
		}
	}
}

func (q *Queue) pop() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return nil, false
	}
	q.items.Remove(front)
	return front.Value.(*Item), true
}

func (q *Queue) isEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() == 0
}

func (q *Queue) disable() {
	q.mu.Lock()
	q.closed = true
	for el := q.items.Front(); el != nil; el = el.Next() {
		el.Value.(*Item).Done <- Result{Err: sessionerr.ErrQueueDisabled}
	}
	q.items.Init()
	q.mu.Unlock()
	if q.callbacks.OnSessionEnd != nil {
		q.callbacks.OnSessionEnd()
	}
}

func (q *Queue) recordRecent(r Record) {
	q.recentMu.Lock()
	defer q.recentMu.Unlock()
	q.recent = append(q.recent, r)
	if len(q.recent) > recentCap {
		q.recent = q.recent[len(q.recent)-recentCap:]
	}
}

// Recent returns a copy of the last (up to recentCap) executed records.
func (q *Queue) Recent() []Record {
	q.recentMu.Lock()
	defer q.recentMu.Unlock()
	out := make([]Record, len(q.recent))
	copy(out, q.recent)
	return out
}

// Len reports the number of items currently waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
