package ledgersync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type TaskKind string

const (
	TaskProcessEvent TaskKind = "event"
	TaskRecovery     TaskKind = "recovery"
)

// Task is one unit of work for the supervisor's workers.
type Task struct {
	Kind   TaskKind `json:"kind"`
	Key    string   `json:"key"`
	Reason string   `json:"reason,omitempty"`
}

// ID identifies the task for queue-level dedup.
func (t Task) ID() string {
	return string(t.Kind) + ":" + t.Key
}

func (t Task) valid() bool {
	return strings.TrimSpace(string(t.Kind)) != "" && strings.TrimSpace(t.Key) != ""
}

type TaskQueue interface {
	TryEnqueue(task Task) bool
	Enqueue(ctx context.Context, task Task) bool
	Dequeue(ctx context.Context) (Task, bool)
	Depth() int
	Capacity() int
	Close() error
}

type taskQueueSnapshotter interface {
	SnapshotTasks() []Task
}

type inMemoryTaskQueue struct {
	ch chan Task
}

func NewInMemoryTaskQueue(capacity int) TaskQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryTaskQueue{
		ch: make(chan Task, capacity),
	}
}

func (q *inMemoryTaskQueue) TryEnqueue(task Task) bool {
	if q == nil || !task.valid() {
		return false
	}
	select {
	case q.ch <- task:
		return true
	default:
		return false
	}
}

func (q *inMemoryTaskQueue) Enqueue(ctx context.Context, task Task) bool {
	if q == nil || !task.valid() {
		return false
	}
	select {
	case q.ch <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryTaskQueue) Dequeue(ctx context.Context) (Task, bool) {
	if q == nil {
		return Task{}, false
	}
	select {
	case task := <-q.ch:
		return task, true
	case <-ctx.Done():
		return Task{}, false
	}
}

func (q *inMemoryTaskQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryTaskQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryTaskQueue) Close() error {
	return nil
}

// fileTaskQueue persists pending tasks so a restart resumes them.
type fileTaskQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Task
}

type fileTaskQueueState struct {
	Items []Task `json:"items"`
}

func NewFileTaskQueue(path string, capacity int) (TaskQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileTaskQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Task{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileTaskQueue) TryEnqueue(task Task) bool {
	if !task.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, task)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileTaskQueue) Enqueue(ctx context.Context, task Task) bool {
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileTaskQueue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]Task{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return Task{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Task{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileTaskQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileTaskQueue) Capacity() int {
	return q.capacity
}

func (q *fileTaskQueue) SnapshotTasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.items...)
}

func (q *fileTaskQueue) Close() error {
	return nil
}

func (q *fileTaskQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileTaskQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]Task(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]Task(nil), snapshot.Items...)
	return nil
}

func (q *fileTaskQueue) saveLocked() error {
	data, err := json.Marshal(fileTaskQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
