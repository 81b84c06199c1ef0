package post

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/friendica/friendica-go/internal/database"
	"github.com/friendica/friendica-go/internal/dba"
	"github.com/friendica/friendica-go/internal/logger"
	"github.com/friendica/friendica-go/internal/settings"
	"github.com/friendica/friendica-go/internal/worker"
)

// Preparation modes of a delayed post.
const (
	// Prepared posts are published as they are with the default connector
	// settings.
	Prepared = 0
	// PreparedNoHook posts may have their own connector settings.
	PreparedNoHook = 2
)

// DelayedPublishCommand is the worker command that publishes a delayed post.
const DelayedPublishCommand = "DelayedPublish"

// UserSettings is the part of the user config the delayed posts need.
type UserSettings interface {
	Get(ctx context.Context, uid int64, cat, key string) (string, bool, error)
	Set(ctx context.Context, uid int64, cat, key string, value any) error
}

// Delayed is the delayed-post table.
type Delayed struct {
	db      *database.Database
	queue   *worker.Queue
	users   UserSettings
	log     *slog.Logger
	now     func() time.Time
	// minimum minutes between two published posts of a user
	interval int
}

// DelayedOption configures Delayed.
type DelayedOption func(*Delayed)

// WithPostingInterval sets system.minimum_posting_interval in minutes.
func WithPostingInterval(minutes int) DelayedOption {
	return func(d *Delayed) { d.interval = minutes }
}

// WithDelayedLogger sets the logger.
func WithDelayedLogger(l *slog.Logger) DelayedOption {
	return func(d *Delayed) { d.log = l }
}

// WithDelayedClock replaces the clock.
func WithDelayedClock(now func() time.Time) DelayedOption {
	return func(d *Delayed) { d.now = now }
}

// NewDelayed creates the model.
func NewDelayed(db *database.Database, queue *worker.Queue, users UserSettings, opts ...DelayedOption) *Delayed {
	d := &Delayed{db: db, queue: queue, users: users, log: logger.Logger(), now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DelayedPost is a post waiting to be published.
type DelayedPost struct {
	URI         string
	Item        map[string]any
	Notify      int
	Mode        int
	Delayed     time.Time
	Taglist     []string
	Attachments []any
}

// Add queues a post for publishing. Without a date the post is published
// after the minimum posting interval of its user. It returns the id of the
// delayed-post row, 0 when the post has no user or is already queued.
func (d *Delayed) Add(ctx context.Context, p DelayedPost) (int64, error) {
	uid := database.Row(p.Item).Int("uid")
	if uid == 0 {
		d.log.Info("No uid or already found")
		return 0, nil
	}

	exists, err := d.Exists(ctx, p.URI, uid)
	if err != nil {
		return 0, err
	}
	if exists {
		d.log.Info("No uid or already found")
		return 0, nil
	}

	delayed := p.Delayed
	if delayed.IsZero() {
		delayed, err = d.nextPublish(ctx, uid)
		if err != nil {
			return 0, err
		}
	}

	d.log.Info("Adding post for delayed publishing", "uid", uid, "delayed", dba.UTC(delayed), "uri", p.URI)

	taglist := p.Taglist
	if taglist == nil {
		taglist = []string{}
	}
	attachments := p.Attachments
	if attachments == nil {
		attachments = []any{}
	}

	wid, err := d.queue.Add(ctx, worker.Task{
		Command:  DelayedPublishCommand,
		Priority: worker.PriorityHigh,
		Delayed:  delayed,
		Args:     []any{p.Item, p.Notify, taglist, attachments, p.Mode, p.URI},
	})
	if err != nil || wid == 0 {
		return 0, err
	}

	res, err := d.db.Insert(ctx, "delayed-post", dba.Fields{
		"uri":     p.URI,
		"uid":     uid,
		"delayed": dba.UTC(delayed),
		"wid":     wid,
	}, database.InsertIgnore)
	if err != nil || !res.Inserted() {
		return 0, err
	}
	return res.LastInsertID, nil
}

func (d *Delayed) nextPublish(ctx context.Context, uid int64) (time.Time, error) {
	var last int64
	raw, ok, err := d.users.Get(ctx, uid, "system", "last_publish")
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		if err := settings.Decode(raw, &last); err != nil {
			d.log.Warn("Invalid last publishing date, publishing without delay", "uid", uid, "value", raw, "error", err)
			last = 0
		}
	}

	next := max(last+int64(60*d.interval), d.now().Unix())
	if err := d.users.Set(ctx, uid, "system", "last_publish", next); err != nil {
		return time.Time{}, err
	}
	return time.Unix(next, 0).UTC(), nil
}

// Exists reports whether the uri is queued for the user.
func (d *Delayed) Exists(ctx context.Context, uri string, uid int64) (bool, error) {
	return d.db.Exists(ctx, "delayed-post", dba.Fields{"uri": uri, "uid": uid})
}

// DeleteByID removes a delayed post together with its worker task.
func (d *Delayed) DeleteByID(ctx context.Context, id int64) error {
	row, err := d.db.SelectFirst(ctx, "delayed-post", []string{"wid"}, dba.Fields{"id": id}, dba.Params{})
	switch {
	case errors.Is(err, database.ErrNotFound):
		return nil
	case err != nil:
		return err
	}

	wid := row.Int("wid")
	if wid == 0 {
		return nil
	}

	if _, err := d.db.Delete(ctx, "delayed-post", dba.Fields{"id": id}); err != nil {
		return err
	}
	return d.queue.Remove(ctx, wid)
}

// DelayedParameters is a delayed post together with its publishing
// arguments.
type DelayedParameters struct {
	Parameters  database.Row
	Item        map[string]any
	Notify      int
	Taglist     []string
	Attachments []any
	Unprepared  int
	URI         string
}

// ParametersForID returns the publishing arguments of a delayed post, nil
// when the post or its task is gone.
func (d *Delayed) ParametersForID(ctx context.Context, id int64) (*DelayedParameters, error) {
	delayed, err := d.db.SelectFirst(ctx, "delayed-post", []string{"id", "uid", "wid", "delayed"}, dba.Fields{"id": id}, dba.Params{})
	switch {
	case errors.Is(err, database.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	if delayed.Int("wid") == 0 {
		return nil, nil
	}

	task, err := d.db.SelectFirst(ctx, "workerqueue", []string{"parameter"},
		dba.Fields{"id": delayed.Int("wid"), "command": DelayedPublishCommand}, dba.Params{})
	switch {
	case errors.Is(err, database.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}

	var args []json.RawMessage
	if err := json.Unmarshal([]byte(task.String("parameter")), &args); err != nil || len(args) < 6 {
		return nil, nil
	}

	params := &DelayedParameters{Parameters: delayed}
	for i, target := range []any{&params.Item, &params.Notify, &params.Taglist, &params.Attachments, &params.Unprepared, &params.URI} {
		if err := json.Unmarshal(args[i], target); err != nil {
			return nil, fmt.Errorf("corrupted parameter %d of delayed post %d: %w", i, id, err)
		}
	}

	// Attachments only live in their dedicated argument.
	if len(params.Attachments) == 0 {
		if list, ok := params.Item["attachments"].([]any); ok && len(list) > 0 {
			params.Attachments = list
			delete(params.Item, "attachments")
		}
	}

	return params, nil
}
