// Package schedule keeps a registry of periodic maintenance operations
// ordered by due time. The registry never runs its own timer: an external
// trigger calls RunDue, so only due tasks are touched instead of scanning
// every task each tick.
package schedule

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/quantumnexus/deception/pkg/audit"
)

// Task is one registered periodic operation.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type entry struct {
	task *Task
	due  time.Time
}

// Registry is a due-time-ordered task collection.
type Registry struct {
	mu     sync.Mutex
	queue  taskQueue
	events audit.Logger // optional run log
}

func NewRegistry(events audit.Logger) *Registry {
	return &Registry{events: events}
}

// Register adds a task due after one full interval from now.
func (r *Registry) Register(name string, interval time.Duration, run func(ctx context.Context) error) error {
	if name == "" || interval <= 0 || run == nil {
		return fmt.Errorf("task %q: name, positive interval and run func are required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.queue {
		if e.task.Name == name {
			return fmt.Errorf("task %q already registered", name)
		}
	}
	heap.Push(&r.queue, &entry{
		task: &Task{Name: name, Interval: interval, Run: run},
		due:  time.Now().Add(interval),
	})
	return nil
}

// Next reports the earliest due time, or false when nothing is registered.
func (r *Registry) Next() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return time.Time{}, false
	}
	return r.queue[0].due, true
}

// RunDue executes every task due at now and reschedules it one interval out.
// Task failures are recorded, never propagated; one bad task must not starve
// the rest. Returns the number of tasks run.
func (r *Registry) RunDue(ctx context.Context, now time.Time) int {
	ran := 0
	for {
		task, ok := r.popDue(now)
		if !ok {
			return ran
		}
		start := time.Now()
		err := task.Run(ctx)
		r.record(task.Name, time.Since(start), err)
		ran++
	}
}

func (r *Registry) popDue(now time.Time) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 || r.queue[0].due.After(now) {
		return nil, false
	}
	e := heap.Pop(&r.queue).(*entry)
	e.due = now.Add(e.task.Interval)
	heap.Push(&r.queue, e)
	return e.task, true
}

func (r *Registry) record(name string, took time.Duration, err error) {
	if r.events == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{"task": name, "duration_ms": took.Milliseconds()})
	e := &audit.Entry{
		Component: "tasks",
		Message:   fmt.Sprintf("task %s completed", name),
		Metadata:  string(meta),
	}
	if err != nil {
		e.Level = audit.LevelError
		e.Message = fmt.Sprintf("task %s failed: %v", name, err)
	}
	r.events.LogAsync(e)
}

// taskQueue is a min-heap on due time.
type taskQueue []*entry

func (q taskQueue) Len() int           { return len(q) }
func (q taskQueue) Less(i, j int) bool { return q[i].due.Before(q[j].due) }
func (q taskQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *taskQueue) Push(x any)        { *q = append(*q, x.(*entry)) }
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}
