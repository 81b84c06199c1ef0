// Package post holds the thin models of the post tables.
package post

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/friendica/friendica-go/internal/database"
	"github.com/friendica/friendica-go/internal/dba"
	"github.com/friendica/friendica-go/internal/logger"
)

// ErrEmptyURIID is returned when a post is addressed without uri-id.
var ErrEmptyURIID = errors.New("empty uri-id")

// FieldFilter keeps the values that belong to the columns of a table.
type FieldFilter interface {
	GetFieldsForTable(table string, data map[string]any) map[string]any
}

// Post is the post table.
type Post struct {
	db     *database.Database
	fields FieldFilter
	log    *slog.Logger
}

// New creates the post model.
func New(db *database.Database, fields FieldFilter) *Post {
	return &Post{db: db, fields: fields, log: logger.Logger()}
}

// Insert stores a post. Existing posts are left untouched. The uri-id is
// returned.
func (p *Post) Insert(ctx context.Context, uriID int64, data map[string]any) (int64, error) {
	if uriID == 0 {
		return 0, ErrEmptyURIID
	}

	fields := dba.Fields(p.fields.GetFieldsForTable("post", data))
	fields["uri-id"] = uriID

	if _, err := p.db.Insert(ctx, "post", fields, database.InsertIgnore); err != nil {
		return 0, fmt.Errorf("failed to insert post %d: %w", uriID, err)
	}
	return uriID, nil
}

// Exists reports whether a post matches the condition.
func (p *Post) Exists(ctx context.Context, cond dba.Condition) (bool, error) {
	return p.db.Exists(ctx, "post", cond)
}

// Delete removes posts and, unless disabled, the rows that depend on them.
func (p *Post) Delete(ctx context.Context, cond dba.Condition, opts ...database.DeleteOption) (int64, error) {
	return p.db.Delete(ctx, "post", cond, opts...)
}

// ItemURI maps item uris to the numeric uri-id used by the post tables.
type ItemURI struct {
	db *database.Database
}

// NewItemURI creates the item-uri model.
func NewItemURI(db *database.Database) *ItemURI {
	return &ItemURI{db: db}
}

// Insert adds an uri and returns its id. An empty guid gets a random one.
func (i *ItemURI) Insert(ctx context.Context, uri, guid string) (int64, error) {
	if guid == "" {
		guid = uuid.NewString()
	}

	res, err := i.db.Insert(ctx, "item-uri", dba.Fields{"uri": uri, "guid": guid}, database.InsertIgnore)
	if err != nil {
		return 0, err
	}
	if res.Inserted() && res.LastInsertID != 0 {
		return res.LastInsertID, nil
	}
	return i.ID(ctx, uri)
}

// ID returns the id of an uri, 0 if it is unknown.
func (i *ItemURI) ID(ctx context.Context, uri string) (int64, error) {
	row, err := i.db.SelectFirst(ctx, "item-uri", []string{"id"}, dba.Fields{"uri": uri}, dba.Params{})
	switch {
	case errors.Is(err, database.ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, err
	}
	return row.Int("id"), nil
}

// IDByURI returns the id of an uri and creates it when it is missing.
func (i *ItemURI) IDByURI(ctx context.Context, uri string) (int64, error) {
	id, err := i.ID(ctx, uri)
	if err != nil || id != 0 {
		return id, err
	}
	return i.Insert(ctx, uri, "")
}
