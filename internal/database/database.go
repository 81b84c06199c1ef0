// Package database executes statements against the MySQL/MariaDB server.
//
// A Database wraps the connection pool. Transaction and Lock return a
// session bound to a pinned transaction or connection; every statement issued
// through that session runs on it until Commit, Rollback or Unlock.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/afero"

	"github.com/friendica/friendica-go/internal/config"
	"github.com/friendica/friendica-go/internal/logger"
	"github.com/friendica/friendica-go/internal/profiler"
)

// Relations maps a table and field to the tables and fields that reference
// it: relations[table][field][relatedTable] = relatedFields.
type Relations map[string]map[string]map[string][]string

// Definition provides the field types and relations of the schema.
type Definition interface {
	// FieldTypes returns field => SQL type for a table, nil when unknown.
	FieldTypes(table string) map[string]string
	Relations() Relations
}

// LogSettings configures the slow query and index logs.
type LogSettings struct {
	File  string
	Limit time.Duration

	IndexFile      string
	IndexWatch     []string
	IndexDenylist  []string
	IndexLimit     int
	IndexLimitHigh int

	Callstack bool
}

// LogSettingsFrom extracts the log settings of the system section.
func LogSettingsFrom(sys config.SystemConfig) LogSettings {
	return LogSettings{
		File:           sys.DBLog,
		Limit:          sys.DBLogLimit,
		IndexFile:      sys.DBLogIndex,
		IndexWatch:     sys.DBLogIndexWatch,
		IndexDenylist:  sys.DBLogIndexDenylist,
		IndexLimit:     sys.DBLogLimitIndex,
		IndexLimitHigh: sys.DBLogLimitIndexHigh,
		Callstack:      sys.DBCallstack,
	}
}

// querier is the subset shared by *sql.DB, *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Database is the statement executor.
type Database struct {
	*core

	tx     *sql.Tx
	conn   *sql.Conn
	locked bool
}

// core is the state shared by a Database and its sessions.
type core struct {
	mu        sync.RWMutex
	db        *sql.DB
	dsn       string
	pool      config.DatabaseConfig
	connected bool

	serverInfo   string
	databaseName string

	log        *slog.Logger
	profiler   *profiler.Profiler
	fs         afero.Fs
	definition Definition
	testMode   bool
	logs       LogSettings
	retry      []RetryOption
}

// Option configures a Database.
type Option func(*core)

// WithLogger sets the logger. The global logger is used by default.
func WithLogger(l *slog.Logger) Option {
	return func(c *core) { c.log = l }
}

// WithProfiler records statement timings.
func WithProfiler(p *profiler.Profiler) Option {
	return func(c *core) { c.profiler = p }
}

// WithFs sets the filesystem the slow query logs are written to.
func WithFs(fs afero.Fs) Option {
	return func(c *core) { c.fs = fs }
}

// WithDefinition enables field casting and cascading deletes.
func WithDefinition(d Definition) Option {
	return func(c *core) { c.definition = d }
}

// WithTestMode returns statement errors verbatim instead of logging them.
func WithTestMode(enabled bool) Option {
	return func(c *core) { c.testMode = enabled }
}

// WithLogSettings enables the slow query and index logs.
func WithLogSettings(s LogSettings) Option {
	return func(c *core) { c.logs = s }
}

// WithServerInfo presets the server version string.
func WithServerInfo(info string) Option {
	return func(c *core) { c.serverInfo = info }
}

// WithDatabaseName presets the name of the selected database.
func WithDatabaseName(name string) Option {
	return func(c *core) { c.databaseName = name }
}

// WithDeadlockRetry overrides the retry behaviour of Exec on deadlocks.
func WithDeadlockRetry(opts ...RetryOption) Option {
	return func(c *core) { c.retry = opts }
}

func newCore(opts []Option) *core {
	c := &core{
		log: logger.Logger(),
		fs:  afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// New wraps an already opened pool. The Database counts as connected.
func New(db *sql.DB, opts ...Option) *Database {
	c := newCore(opts)
	c.db = db
	c.connected = true
	return &Database{core: c}
}

// Open connects to the configured server.
func Open(ctx context.Context, cfg config.DatabaseConfig, opts ...Option) (*Database, error) {
	c := newCore(opts)
	c.dsn = DSN(cfg)
	c.pool = cfg

	d := &Database{core: c}
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// DSN builds the go-sql-driver data source name of the configuration.
func DSN(cfg config.DatabaseConfig) string {
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.DBName = cfg.Database
	mc.Loc = time.UTC
	mc.Timeout = cfg.ConnectTimeout

	if cfg.Socket != "" {
		mc.Net = "unix"
		mc.Addr = cfg.Socket
	} else {
		mc.Net = "tcp"
		mc.Addr = cfg.Hostname
		if _, _, err := net.SplitHostPort(cfg.Hostname); err != nil {
			port := cfg.Port
			if port == 0 {
				port = 3306
			}
			mc.Addr = net.JoinHostPort(cfg.Hostname, strconv.Itoa(port))
		}
	}

	charset := cfg.Charset
	if charset == "" {
		charset = "utf8mb4"
	}
	mc.Params = map[string]string{"charset": charset}

	return mc.FormatDSN()
}

// Connect opens the pool and pings the server.
func (d *Database) Connect(ctx context.Context) error {
	if d.dsn == "" {
		return ErrNotConnected
	}

	db, err := sql.Open("mysql", d.dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if d.pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(d.pool.MaxOpenConns)
	}
	if d.pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(d.pool.MaxIdleConns)
	}
	db.SetConnMaxLifetime(d.pool.ConnMaxLifetime)

	timeout := d.pool.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	d.mu.Lock()
	d.db = db
	d.connected = true
	d.mu.Unlock()
	return nil
}

// Disconnect closes the pool.
func (d *Database) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.connected = false
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// Reconnect drops the pool and connects again. A pool handed to New can
// only be pinged.
func (d *Database) Reconnect(ctx context.Context) error {
	if d.dsn == "" {
		d.mu.RLock()
		db := d.db
		d.mu.RUnlock()
		if db == nil {
			return ErrNotConnected
		}
		return db.PingContext(ctx)
	}

	if err := d.Disconnect(); err != nil {
		d.log.Debug("Closing the old connection failed", "error", err)
	}
	return d.Connect(ctx)
}

// IsConnected reports the connection flag without contacting the server.
func (d *Database) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected && d.db != nil
}

// Connected checks the connection with a trivial statement.
func (d *Database) Connected(ctx context.Context) bool {
	if !d.IsConnected() {
		return false
	}

	var one int
	if err := d.handle().QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		d.log.Debug("Connection check failed", "error", err)
		return false
	}
	return one == 1
}

// ServerInfo returns the server version string, e.g. "10.11.6-MariaDB".
func (d *Database) ServerInfo(ctx context.Context) (string, error) {
	d.mu.RLock()
	info := d.serverInfo
	d.mu.RUnlock()
	if info != "" {
		return info, nil
	}

	if !d.IsConnected() {
		return "", ErrNotConnected
	}
	if err := d.queryValue(ctx, "SELECT VERSION()", &info); err != nil {
		return "", d.newError(err, "SELECT VERSION()", nil)
	}

	d.mu.Lock()
	d.serverInfo = info
	d.mu.Unlock()
	return info, nil
}

// DatabaseName returns the name of the selected database.
func (d *Database) DatabaseName(ctx context.Context) (string, error) {
	d.mu.RLock()
	name := d.databaseName
	d.mu.RUnlock()
	if name != "" {
		return name, nil
	}

	if !d.IsConnected() {
		return "", ErrNotConnected
	}
	var ns sql.NullString
	if err := d.queryValue(ctx, "SELECT DATABASE()", &ns); err != nil {
		return "", d.newError(err, "SELECT DATABASE()", nil)
	}

	d.mu.Lock()
	d.databaseName = ns.String
	d.mu.Unlock()
	return ns.String, nil
}

// queryValue scans the single value of a statement. It runs on the pinned
// connection of a locked or transactional session, so it never waits for a
// second pool connection.
func (d *Database) queryValue(ctx context.Context, query string, dest any) error {
	rows, err := d.querier().QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	if err := rows.Scan(dest); err != nil {
		return err
	}
	return rows.Err()
}

// DB returns the underlying pool.
func (d *Database) DB() *sql.DB {
	return d.handle()
}

// TestMode reports whether statement errors are returned verbatim.
func (d *Database) TestMode() bool {
	return d.testMode
}

func (d *Database) handle() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

// querier returns what statements of this session run on.
func (d *Database) querier() querier {
	switch {
	case d.tx != nil:
		return d.tx
	case d.conn != nil:
		return d.conn
	default:
		return d.handle()
	}
}

// pinned reports whether the session is bound to a transaction or connection.
func (d *Database) pinned() bool {
	return d.tx != nil || d.conn != nil
}
