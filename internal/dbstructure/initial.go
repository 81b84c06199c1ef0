package dbstructure

import (
	"context"
	"fmt"

	"github.com/friendica/friendica-go/internal/database"
	"github.com/friendica/friendica-go/internal/dba"
)

// Activities are the verbs that get the fixed ids 1 to n.
var Activities = []string{
	"http://activitystrea.ms/schema/1.0/like",
	"http://purl.org/macgirvin/dfrn/1.0/dislike",
	"http://purl.org/zot/activity/attendyes",
	"http://purl.org/zot/activity/attendno",
	"http://purl.org/zot/activity/attendmaybe",
	"http://activitystrea.ms/schema/1.0/follow",
	"http://activitystrea.ms/schema/1.0/share",
}

const (
	pageFlagsSoapbox = 1
	accountTypeRelay = 4
)

// zeroRow is a row that has to exist with id 0.
type zeroRow struct {
	table  string
	key    string
	fields dba.Fields
	label  string
}

var zeroRows = []zeroRow{
	{table: "user", key: "uid", fields: dba.Fields{"verified": true, "page-flags": pageFlagsSoapbox, "account-type": accountTypeRelay}, label: "user"},
	{table: "contact", key: "id", fields: dba.Fields{"nurl": ""}, label: "contact"},
	{table: "tag", key: "id", fields: dba.Fields{"name": ""}, label: "tag"},
	{table: "permissionset", key: "id", fields: dba.Fields{"allow_cid": "", "allow_gid": "", "deny_cid": "", "deny_gid": ""}, label: "permissionset"},
}

// CheckInitialValues makes sure the rows the application relies on exist:
// the activity verbs and the zero entries of verb, user, contact, tag and
// permissionset.
func (s *Structure) CheckInitialValues(ctx context.Context, verbose bool) error {
	exists, err := s.ExistsTable(ctx, "verb")
	if err != nil {
		return err
	}
	if exists {
		if err := s.checkVerbs(ctx, verbose); err != nil {
			return err
		}
	} else if verbose {
		s.printf("verb: Table not found\n")
	}

	for _, zero := range zeroRows {
		exists, err := s.ExistsTable(ctx, zero.table)
		if err != nil {
			return err
		}
		if !exists {
			if verbose {
				s.printf("%s: Table not found\n", zero.label)
			}
			continue
		}

		added, err := s.addZeroRow(ctx, zero.table, zero.key, zero.fields)
		if err != nil {
			return err
		}
		if !verbose {
			continue
		}
		if added {
			s.printf("Zero %s added\n", zero.label)
		} else {
			s.printf("Zero %s already added\n", zero.label)
		}
	}
	return nil
}

func (s *Structure) checkVerbs(ctx context.Context, verbose bool) error {
	found, err := s.db.Exists(ctx, "verb", dba.Fields{"id": 1})
	if err != nil {
		return err
	}
	if !found {
		for i, activity := range Activities {
			if _, err := s.db.Insert(ctx, "verb", dba.Fields{"id": i + 1, "name": activity}, database.InsertIgnore); err != nil {
				return fmt.Errorf("failed to add verb %s: %w", activity, err)
			}
		}
		if verbose {
			s.printf("verb: activities added\n")
		}
	} else if verbose {
		s.printf("verb: activities already added\n")
	}

	added, err := s.addZeroRow(ctx, "verb", "id", dba.Fields{"name": ""})
	if err != nil {
		return err
	}
	if verbose {
		if added {
			s.printf("Zero verb added\n")
		} else {
			s.printf("Zero verb already added\n")
		}
	}
	return nil
}

// addZeroRow inserts a row and moves it to id 0 unless that row exists.
func (s *Structure) addZeroRow(ctx context.Context, table, key string, fields dba.Fields) (bool, error) {
	found, err := s.db.Exists(ctx, table, dba.Fields{key: 0})
	if err != nil || found {
		return false, err
	}

	res, err := s.db.Insert(ctx, table, fields, database.InsertDefault)
	if err != nil {
		return false, fmt.Errorf("failed to add zero %s: %w", table, err)
	}
	if res.LastInsertID == 0 {
		return false, nil
	}

	if err := s.db.Update(ctx, table, dba.Fields{key: 0}, dba.Fields{key: res.LastInsertID}); err != nil {
		return false, fmt.Errorf("failed to move zero %s: %w", table, err)
	}
	return true, nil
}
