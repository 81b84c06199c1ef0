package post

import (
	"context"

	"github.com/friendica/friendica-go/internal/database"
	"github.com/friendica/friendica-go/internal/dba"
)

// Notification types, combined as bits in notification-type.
const (
	TypeNone                  = 0
	TypeExplicitTagged        = 1
	TypeImplicitTagged        = 2
	TypeThreadComment         = 4
	TypeDirectComment         = 8
	TypeCommentParticipation  = 16
	TypeActivityParticipation = 32
	TypeDirectThreadComment   = 64
	TypeShared                = 128
)

// UserNotification is the post-user-notification table.
type UserNotification struct {
	db     *database.Database
	fields FieldFilter
}

// NewUserNotification creates the model.
func NewUserNotification(db *database.Database, fields FieldFilter) *UserNotification {
	return &UserNotification{db: db, fields: fields}
}

// Insert adds a notification entry unless it exists.
func (n *UserNotification) Insert(ctx context.Context, uriID, uid int64, data map[string]any) error {
	if uriID == 0 {
		return ErrEmptyURIID
	}

	fields := dba.Fields(n.fields.GetFieldsForTable("post-user-notification", data))
	fields["uri-id"] = uriID
	fields["uid"] = uid

	_, err := n.db.Insert(ctx, "post-user-notification", fields, database.InsertIgnore)
	return err
}

// Update changes a notification entry. The key fields can't be changed.
func (n *UserNotification) Update(ctx context.Context, uriID, uid int64, data map[string]any, insertIfMissing bool) error {
	if uriID == 0 {
		return ErrEmptyURIID
	}

	fields := dba.Fields(n.fields.GetFieldsForTable("post-user-notification", data))
	delete(fields, "uri-id")
	delete(fields, "uid")
	if len(fields) == 0 {
		return nil
	}

	var opts []database.UpdateOption
	if insertIfMissing {
		opts = append(opts, database.InsertIfMissing())
	}
	return n.db.Update(ctx, "post-user-notification", fields, dba.Fields{"uri-id": uriID, "uid": uid}, opts...)
}

// Delete removes notification entries.
func (n *UserNotification) Delete(ctx context.Context, cond dba.Condition, opts ...database.DeleteOption) (int64, error) {
	return n.db.Delete(ctx, "post-user-notification", cond, opts...)
}
