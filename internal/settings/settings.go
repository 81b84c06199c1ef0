// Package settings stores node and user settings in the config and pconfig
// tables.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/friendica/friendica-go/internal/database"
	"github.com/friendica/friendica-go/internal/dba"
	"github.com/friendica/friendica-go/internal/logger"
)

// Config reads and writes the node wide config table.
type Config struct {
	db  *database.Database
	log *slog.Logger
}

// NewConfig creates the config store.
func NewConfig(db *database.Database, log *slog.Logger) *Config {
	if log == nil {
		log = logger.Logger()
	}
	return &Config{db: db, log: log}
}

// Get returns the raw value and whether it is set.
func (c *Config) Get(ctx context.Context, cat, key string) (string, bool, error) {
	return get(ctx, c.db, "config", dba.Fields{"cat": cat, "k": key})
}

// Set stores a value.
func (c *Config) Set(ctx context.Context, cat, key string, value any) error {
	v, err := Encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s.%s: %w", cat, key, err)
	}

	if _, err := c.db.Insert(ctx, "config", dba.Fields{"cat": cat, "k": key, "v": v}, database.InsertUpdate); err != nil {
		return fmt.Errorf("failed to set %s.%s: %w", cat, key, err)
	}
	c.log.Debug("config set", "cat", cat, "key", key)
	return nil
}

// Delete removes a value and reports whether it existed.
func (c *Config) Delete(ctx context.Context, cat, key string) (bool, error) {
	n, err := c.db.Delete(ctx, "config", dba.Fields{"cat": cat, "k": key})
	return n > 0, err
}

// Int returns a numeric value or def when it is not set or not numeric.
func (c *Config) Int(ctx context.Context, cat, key string, def int) (int, error) {
	raw, ok, err := c.Get(ctx, cat, key)
	if err != nil || !ok {
		return def, err
	}
	var n int
	if err := Decode(raw, &n); err != nil {
		return def, nil
	}
	return n, nil
}

// PConfig reads and writes the per user pconfig table.
type PConfig struct {
	db  *database.Database
	log *slog.Logger
}

// NewPConfig creates the user config store.
func NewPConfig(db *database.Database, log *slog.Logger) *PConfig {
	if log == nil {
		log = logger.Logger()
	}
	return &PConfig{db: db, log: log}
}

// Get returns the raw value of a user and whether it is set.
func (p *PConfig) Get(ctx context.Context, uid int64, cat, key string) (string, bool, error) {
	return get(ctx, p.db, "pconfig", dba.Fields{"uid": uid, "cat": cat, "k": key})
}

// Set stores a value of a user.
func (p *PConfig) Set(ctx context.Context, uid int64, cat, key string, value any) error {
	v, err := Encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s.%s: %w", cat, key, err)
	}

	fields := dba.Fields{"uid": uid, "cat": cat, "k": key, "v": v}
	if _, err := p.db.Insert(ctx, "pconfig", fields, database.InsertUpdate); err != nil {
		return fmt.Errorf("failed to set %s.%s of user %d: %w", cat, key, uid, err)
	}
	p.log.Debug("pconfig set", "uid", uid, "cat", cat, "key", key)
	return nil
}

// Delete removes a value of a user and reports whether it existed.
func (p *PConfig) Delete(ctx context.Context, uid int64, cat, key string) (bool, error) {
	n, err := p.db.Delete(ctx, "pconfig", dba.Fields{"uid": uid, "cat": cat, "k": key})
	return n > 0, err
}

func get(ctx context.Context, db *database.Database, table string, cond dba.Fields) (string, bool, error) {
	row, err := db.SelectFirst(ctx, table, []string{"v"}, cond, dba.Params{})
	switch {
	case errors.Is(err, database.ErrNotFound):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	if !row.Has("v") {
		return "", false, nil
	}
	return row.String("v"), true, nil
}

// Encode turns a value into its stored form. Strings are kept, everything
// else is JSON encoded.
func Encode(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode reads a stored value into target. A string target gets the raw
// value.
func Decode(raw string, target any) error {
	if s, ok := target.(*string); ok {
		*s = raw
		return nil
	}
	return json.Unmarshal([]byte(raw), target)
}
