// Package worker queues background tasks in the workerqueue table.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/friendica/friendica-go/internal/database"
	"github.com/friendica/friendica-go/internal/dba"
	"github.com/friendica/friendica-go/internal/logger"
)

// Task priorities, lower runs first.
const (
	PriorityUndefined  = 0
	PriorityCritical   = 10
	PriorityHigh       = 20
	PriorityMedium     = 30
	PriorityLow        = 40
	PriorityNegligible = 50
	PriorityEphemeral  = 60
)

var priorities = []int{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityNegligible, PriorityEphemeral}

// Task is a queued command with its arguments.
type Task struct {
	Command  string
	Priority int
	// Delayed postpones the execution. Zero runs the task right away.
	Delayed time.Time
	// Created defaults to now.
	Created time.Time
	// ForcePriority updates the priority of an identical pending task.
	ForcePriority bool
	Args          []any
}

// Queue adds tasks to the workerqueue.
type Queue struct {
	db  *database.Database
	log *slog.Logger
	now func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithClock replaces the clock used for the creation date.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue.
func New(db *database.Database, opts ...Option) *Queue {
	q := &Queue{db: db, log: logger.Logger(), now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add queues a task and returns the id of its row. An identical pending task
// is not queued twice, its id is returned instead.
func (q *Queue) Add(ctx context.Context, task Task) (int64, error) {
	if task.Command == "" {
		return 0, errors.New("worker: empty command")
	}

	args := task.Args
	if args == nil {
		args = []any{}
	}
	parameter, err := json.Marshal(args)
	if err != nil {
		return 0, fmt.Errorf("failed to encode parameters of %s: %w", task.Command, err)
	}

	priority := task.Priority
	if priority == PriorityUndefined {
		priority = PriorityMedium
	}
	if !slices.Contains(priorities, priority) {
		q.log.Warn("Invalid priority", "priority", priority, "command", task.Command)
		priority = PriorityMedium
	}

	created := task.Created
	if created.IsZero() {
		created = q.now()
	}
	nextTry := dba.NullDatetime
	if !task.Delayed.IsZero() {
		nextTry = dba.UTC(task.Delayed)
	}

	pending := dba.Fields{"command": task.Command, "parameter": string(parameter), "done": false}
	row, err := q.db.SelectFirst(ctx, "workerqueue", []string{"id"}, pending, dba.Params{})
	switch {
	case err == nil:
		if task.ForcePriority {
			cond := dba.Fields{"command": task.Command, "parameter": string(parameter), "done": false, "pid": 0}
			if err := q.db.Update(ctx, "workerqueue", dba.Fields{"priority": priority}, cond); err != nil {
				return 0, err
			}
		}
		return row.Int("id"), nil
	case !errors.Is(err, database.ErrNotFound):
		return 0, err
	}

	res, err := q.db.Insert(ctx, "workerqueue", dba.Fields{
		"command":   task.Command,
		"parameter": string(parameter),
		"created":   dba.UTC(created),
		"priority":  priority,
		"next_try":  nextTry,
	}, database.InsertDefault)
	if err != nil {
		return 0, fmt.Errorf("failed to queue %s: %w", task.Command, err)
	}

	q.log.Debug("Task queued", "command", task.Command, "priority", priority, "id", res.LastInsertID)
	return res.LastInsertID, nil
}

// Remove deletes a task.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	_, err := q.db.Delete(ctx, "workerqueue", dba.Fields{"id": id})
	return err
}

// Parameters decodes the arguments of a queued task.
func (q *Queue) Parameters(ctx context.Context, id int64) (string, []any, error) {
	row, err := q.db.SelectFirst(ctx, "workerqueue", []string{"command", "parameter"}, dba.Fields{"id": id}, dba.Params{})
	if err != nil {
		return "", nil, err
	}

	var args []any
	if err := json.Unmarshal([]byte(row.String("parameter")), &args); err != nil {
		return "", nil, fmt.Errorf("corrupted parameters of task %d: %w", id, err)
	}
	return row.String("command"), args, nil
}
