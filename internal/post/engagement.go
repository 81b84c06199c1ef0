package post

import (
	"context"
	"log/slog"
	"time"

	"github.com/friendica/friendica-go/internal/config"
	"github.com/friendica/friendica-go/internal/database"
	"github.com/friendica/friendica-go/internal/dba"
	"github.com/friendica/friendica-go/internal/logger"
)

// Engagement is the post-engagement table that feeds the channels.
type Engagement struct {
	db      *database.Database
	fields  FieldFilter
	channel config.ChannelConfig
	log     *slog.Logger
	now     func() time.Time
}

// NewEngagement creates the model.
func NewEngagement(db *database.Database, fields FieldFilter, channel config.ChannelConfig) *Engagement {
	return &Engagement{db: db, fields: fields, channel: channel, log: logger.Logger(), now: time.Now}
}

// Store inserts or replaces the engagement of a post.
func (e *Engagement) Store(ctx context.Context, uriID int64, data map[string]any) error {
	if uriID == 0 {
		return ErrEmptyURIID
	}

	fields := dba.Fields(e.fields.GetFieldsForTable("post-engagement", data))
	fields["uri-id"] = uriID

	_, err := e.db.Insert(ctx, "post-engagement", fields, database.InsertUpdate)
	return err
}

// Expire removes the engagements that fell out of the window. With a post
// limit the window ends at the creation date of the limit-th newest entry,
// otherwise it covers the configured hours.
func (e *Engagement) Expire(ctx context.Context) (int64, error) {
	limit, err := e.creationDateLimit(ctx)
	if err != nil {
		return 0, err
	}
	if limit == "" {
		e.log.Info("Expiration limit not reached")
		return 0, nil
	}

	rows, err := e.db.Delete(ctx, "post-engagement", dba.Where("`created` < ?", limit))
	if err != nil {
		return 0, err
	}
	e.log.Info("Cleared expired engagements", "limit", limit, "rows", rows)
	return rows, nil
}

func (e *Engagement) creationDateLimit(ctx context.Context) (string, error) {
	if e.channel.EngagementPostLimit > 0 {
		rows, err := e.db.SelectToArray(ctx, "post-engagement", []string{"created"}, nil,
			dba.Params{Order: []dba.Order{dba.Desc("created")}, Offset: e.channel.EngagementPostLimit, Limit: 1})
		if err != nil {
			return "", err
		}
		if len(rows) == 0 {
			return "", nil
		}
		return rows[0].String("created"), nil
	}

	return dba.UTC(e.now().Add(-time.Duration(e.channel.EngagementHours) * time.Hour)), nil
}
