package dbstructure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/friendica/friendica-go/internal/database"
	"github.com/friendica/friendica-go/internal/dba"
	"github.com/friendica/friendica-go/internal/logger"
)

// Update status stored in system.dbupdate.
const (
	UpdateNotChecked = 0
	UpdateSuccessful = 1
	UpdateFailed     = 2
)

// PostUpdateVersion is the post update version that has to be reached
// before the legacy tables can be dropped.
const PostUpdateVersion = 1400

// LegacyTables are no longer used and may be dropped.
var LegacyTables = []string{
	"fserver", "gcign", "gcontact", "gcontact-relation", "gfollower", "glink", "item-delivery-data",
	"item-activity", "item-content", "item_id", "participation", "poll", "poll_result", "queue", "retriever_rule",
	"deliverq", "dsprphotoq", "ffinder", "sign", "spam", "term", "user-item", "thread", "item", "challenge",
	"auth_codes", "tokens", "clients", "profile_check", "host",
}

// ErrUpdateRunning is returned when another process alters the schema.
var ErrUpdateRunning = errors.New("Another database update is currently running.")

// ErrVersionNotNumeric is returned by SetDatabaseVersion.
var ErrVersionNotNumeric = errors.New("The version number must be numeric")

// ConfigStore reads and writes node wide settings.
type ConfigStore interface {
	Get(ctx context.Context, cat, key string) (string, bool, error)
	Set(ctx context.Context, cat, key string, value any) error
}

// Structure applies the definition to the database.
type Structure struct {
	db     *database.Database
	def    *Definition
	config ConfigStore
	log    *slog.Logger
	out    io.Writer
	now    func() time.Time
}

// Option configures a Structure.
type Option func(*Structure)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Structure) { s.log = l }
}

// WithOutput sets the writer that receives the console output.
func WithOutput(w io.Writer) Option {
	return func(s *Structure) { s.out = w }
}

// WithClock replaces the clock used for the maintenance reason.
func WithClock(now func() time.Time) Option {
	return func(s *Structure) { s.now = now }
}

// New creates the structure service.
func New(db *database.Database, def *Definition, config ConfigStore, opts ...Option) *Structure {
	s := &Structure{
		db:     db,
		def:    def,
		config: config,
		log:    logger.Logger(),
		out:    os.Stdout,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Definition returns the definition the service works with.
func (s *Structure) Definition() *Definition {
	return s.def
}

func (s *Structure) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// UpdateOptions control an update run.
type UpdateOptions struct {
	// Verbose echoes the statements.
	Verbose bool
	// Action executes the statements.
	Action bool
	// Install marks the initial run during the installation.
	Install bool
}

// DryRun prints the statements without executing them.
func (s *Structure) DryRun(ctx context.Context) (string, error) {
	return s.Update(ctx, UpdateOptions{Verbose: true})
}

// PerformUpdate applies the definition, optionally in maintenance mode.
func (s *Structure) PerformUpdate(ctx context.Context, maintenance, verbose bool) (string, error) {
	if maintenance {
		if err := s.config.Set(ctx, "system", "maintenance", 1); err != nil {
			return "", err
		}
	}

	status, err := s.Update(ctx, UpdateOptions{Verbose: verbose, Action: true})

	if maintenance {
		err = errors.Join(err,
			s.config.Set(ctx, "system", "maintenance", 0),
			s.config.Set(ctx, "system", "maintenance_reason", ""))
	}
	return status, err
}

// Install creates the structure during the installation.
func (s *Structure) Install(ctx context.Context) (string, error) {
	return s.Update(ctx, UpdateOptions{Action: true, Install: true})
}

// Update compares the definition with the database and converges them. The
// returned text lists the statements that failed, it is empty on success.
func (s *Structure) Update(ctx context.Context, opts UpdateOptions) (string, error) {
	value, _, err := s.config.Get(ctx, "system", "maintenance")
	if err != nil {
		return "", err
	}
	maintenance := value != "" && value != "0"

	if opts.Action && !opts.Install {
		updating, err := s.IsUpdating(ctx)
		if err != nil {
			return "", err
		}
		if updating {
			return ErrUpdateRunning.Error(), ErrUpdateRunning
		}
	}

	if maintenance {
		if err := s.setReason(ctx, "%s: Database update", s.timestamp()); err != nil {
			return "", err
		}
	}

	// Before the comparison for existing tables, after it for new ones.
	if err := s.CheckInitialValues(ctx, false); err != nil {
		return "", err
	}

	s.log.Info("updating structure")

	tables, err := ShowTables(ctx, s.db)
	if err != nil {
		return "", fmt.Errorf("failed to list tables: %w", err)
	}

	live, err := IntrospectAll(ctx, s.db, tables)
	if err != nil {
		return "", err
	}

	serverInfo, err := s.db.ServerInfo(ctx)
	if err != nil {
		return "", err
	}

	var errs strings.Builder
	for _, stmt := range Diff(s.def, live, DiffOptions{Ignore: AlterIgnore(serverInfo)}) {
		if opts.Verbose {
			s.printf("%s\n", stmt)
		}
		if !opts.Action {
			continue
		}

		if maintenance && !stmt.Create {
			if err := s.setReason(ctx, "%s: updating %s table.", s.timestamp(), stmt.Table); err != nil {
				return "", err
			}
		}

		for _, query := range stmt.Queries {
			s.log.Info("updating structure", "table", stmt.Table)
			if _, err := s.db.Exec(ctx, query); err != nil {
				label := query
				if stmt.Create {
					label = stmt.Table
				}
				errs.WriteString(s.printUpdateError(err, label))
				break
			}
		}
	}

	if err := s.CheckInitialValues(ctx, false); err != nil {
		return errs.String(), err
	}

	if opts.Action && !opts.Install {
		status := UpdateSuccessful
		if errs.Len() > 0 {
			status = UpdateFailed
		}
		if err := s.config.Set(ctx, "system", "dbupdate", status); err != nil {
			return errs.String(), err
		}
	}

	return errs.String(), nil
}

func (s *Structure) timestamp() string {
	now := s.now()
	return now.Format(dba.MySQLDatetime) + " " + now.Location().String()
}

func (s *Structure) setReason(ctx context.Context, format string, args ...any) error {
	return s.config.Set(ctx, "system", "maintenance_reason", fmt.Sprintf(format, args...))
}

func (s *Structure) printUpdateError(err error, message string) string {
	code := database.ErrorCode(err)
	text := err.Error()
	var dbErr *database.Error
	if errors.As(err, &dbErr) {
		text = dbErr.Message
	}

	s.printf("\nError %d occurred during database update:\n%s\n", code, text)
	s.log.Error("database update failed", "code", code, "error", text, "statement", message)
	return "Errors encountered performing database changes: " + message + "\n"
}

// IsUpdating reports whether a schema changing statement runs on the
// database.
func (s *Structure) IsUpdating(ctx context.Context) (bool, error) {
	name, err := s.db.DatabaseName(ctx)
	if err != nil {
		return false, err
	}

	processes, err := s.db.SelectToArray(ctx, "information_schema.processlist", []string{"info"},
		dba.Fields{"db": name, "command": []string{"Query", "Execute"}}, dba.Params{})
	if err != nil {
		return false, err
	}

	for _, process := range processes {
		verb, _, _ := strings.Cut(process.String("info"), " ")
		switch strings.ToLower(verb) {
		case "alter", "create", "drop", "rename":
			return true, nil
		}
	}
	return false, nil
}

// SetDatabaseVersion stores the structure version in system.build.
func (s *Structure) SetDatabaseVersion(ctx context.Context, version string) error {
	if _, err := strconv.ParseFloat(version, 64); err != nil {
		return ErrVersionNotNumeric
	}

	if err := s.config.Set(ctx, "system", "build", version); err != nil {
		return err
	}
	s.printf("The database version had been set to %s.\n", version)
	return nil
}

// DropTables lists the legacy tables that still exist, and drops them when
// execute is set.
func (s *Structure) DropTables(ctx context.Context, execute bool) error {
	value, found, err := s.config.Get(ctx, "system", "post_update_version")
	if err != nil {
		return err
	}
	postUpdate := PostUpdateVersion
	if found {
		postUpdate, _ = strconv.Atoi(value)
	}
	if postUpdate < PostUpdateVersion {
		s.printf("The post update is at version %d, it has to be at %d to safely drop the tables.\n", postUpdate, PostUpdateVersion)
		return nil
	}

	name, err := s.db.DatabaseName(ctx)
	if err != nil {
		return err
	}

	rows, err := s.db.SelectToArray(ctx, "INFORMATION_SCHEMA.TABLES", []string{"TABLE_NAME"},
		dba.Fields{"TABLE_SCHEMA": name, "TABLE_TYPE": "BASE TABLE"}, dba.Params{})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		s.printf("No unused tables found.\n")
		return nil
	}

	existing := make([]string, len(rows))
	for i, row := range rows {
		existing[i] = row.String("TABLE_NAME")
	}

	if !execute {
		s.printf("These tables are not used for friendica and will be deleted when you execute \"dbstructure drop -e\":\n\n")
	}

	for _, table := range LegacyTables {
		if !slices.Contains(existing, table) {
			continue
		}
		if !execute {
			s.printf("%s\n", table)
			continue
		}

		query := "DROP TABLE " + dba.QuoteIdentifier(table) + ";"
		s.printf("%s\n", query)
		if _, err := s.db.Exec(ctx, query); err != nil {
			s.printUpdateError(err, query)
		}
	}
	return nil
}

// ConvertToInnoDB moves MyISAM tables and InnoDB tables with the Antelope
// row formats to InnoDB with the DYNAMIC row format.
func (s *Structure) ConvertToInnoDB(ctx context.Context) error {
	name, err := s.db.DatabaseName(ctx)
	if err != nil {
		return err
	}

	tables, err := s.db.SelectToArray(ctx, "information_schema.tables", []string{"table_name"},
		dba.Fields{"engine": "MyISAM", "table_schema": name}, dba.Params{})
	if err != nil {
		return err
	}

	antelope, err := s.db.SelectToArray(ctx, "information_schema.tables", []string{"table_name"},
		dba.Fields{"engine": "InnoDB", "ROW_FORMAT": []string{"COMPACT", "REDUNDANT"}, "table_schema": name}, dba.Params{})
	if err != nil {
		return err
	}
	tables = append(tables, antelope...)

	if len(tables) == 0 {
		s.printf("There are no tables on MyISAM or InnoDB with the Antelope file format.\n")
		return nil
	}

	for _, table := range tables {
		query := "ALTER TABLE " + dba.QuoteIdentifier(table.String("table_name")) + " ENGINE=InnoDB ROW_FORMAT=DYNAMIC;"
		s.printf("%s\n", query)
		if _, err := s.db.Exec(ctx, query); err != nil {
			s.printUpdateError(err, query)
		}
	}
	return nil
}

// PrintStructure writes the CREATE statements of all tables.
func (s *Structure) PrintStructure(w io.Writer, platform string) {
	fmt.Fprintf(w, "-- ------------------------------------------\n")
	fmt.Fprintf(w, "-- %s\n", platform)
	fmt.Fprintf(w, "-- DB_UPDATE_VERSION %d\n", s.def.Version)
	fmt.Fprintf(w, "-- ------------------------------------------\n\n\n")

	for _, table := range s.def.Tables {
		fmt.Fprintf(w, "--\n-- TABLE %s\n--\n", table.Name)
		fmt.Fprintf(w, "%s;\n\n", CreateTableSQL(table))
	}
}

// RenameTo is the new name and type of a renamed column.
type RenameTo struct {
	Name string
	Type string
}

// Rename renames columns. It does nothing and returns false when one of
// them does not exist.
func (s *Structure) Rename(ctx context.Context, table string, columns map[string]RenameTo) (bool, error) {
	if table == "" || len(columns) == 0 {
		return false, nil
	}

	from := sortedKeys(columns)
	ok, err := s.ExistsColumn(ctx, table, from...)
	if err != nil || !ok {
		return false, err
	}

	changes := make([]string, len(from))
	for i, name := range from {
		to := columns[name]
		changes[i] = " CHANGE `" + name + "` `" + to.Name + "` " + to.Type
	}

	query := "ALTER TABLE `" + dba.Escape(table) + "`" + strings.Join(changes, ",") + ";"
	if _, err := s.db.Exec(ctx, query); err != nil {
		return false, err
	}
	return true, nil
}

// RenamePrimaryKey replaces the primary key of a table.
func (s *Structure) RenamePrimaryKey(ctx context.Context, table string, columns []string) (bool, error) {
	if table == "" || len(columns) == 0 {
		return false, nil
	}

	ok, err := s.ExistsColumn(ctx, table, columns...)
	if err != nil || !ok {
		return false, err
	}

	query := "ALTER TABLE `" + dba.Escape(table) + "` DROP PRIMARY KEY, ADD PRIMARY KEY(`" + strings.Join(columns, "`, `") + "`);"
	if _, err := s.db.Exec(ctx, query); err != nil {
		return false, err
	}
	return true, nil
}

// ExistsColumn reports whether all columns exist. Without columns it checks
// the table.
func (s *Structure) ExistsColumn(ctx context.Context, table string, columns ...string) (bool, error) {
	if table == "" {
		return false, nil
	}
	if len(columns) == 0 {
		return s.ExistsTable(ctx, table)
	}

	for _, column := range columns {
		rows, err := s.db.Query(ctx, "SHOW COLUMNS FROM `"+dba.Escape(table)+"` LIKE '"+dba.Escape(column)+"';")
		if err != nil {
			return false, err
		}
		found := rows.Next()
		err = errors.Join(rows.Err(), rows.Close())
		if err != nil || !found {
			return false, err
		}
	}
	return true, nil
}

// ExistsTable reports whether the table exists in the current database.
func (s *Structure) ExistsTable(ctx context.Context, table string) (bool, error) {
	return s.db.ExistsTable(ctx, table)
}

// ExistsForeignKeyForField reports whether the field has a foreign key.
func (s *Structure) ExistsForeignKeyForField(ctx context.Context, table, field string) (bool, error) {
	name, err := s.db.DatabaseName(ctx)
	if err != nil {
		return false, err
	}
	return s.db.Exists(ctx, "INFORMATION_SCHEMA.KEY_COLUMN_USAGE",
		dba.Where("`TABLE_SCHEMA` = ? AND `TABLE_NAME` = ? AND `COLUMN_NAME` = ? AND `REFERENCED_TABLE_SCHEMA` IS NOT NULL",
			name, table, field))
}

// GetColumns returns the SHOW COLUMNS rows of a table.
func (s *Structure) GetColumns(ctx context.Context, table string) ([]database.Row, error) {
	rows, err := s.db.Query(ctx, "SHOW COLUMNS FROM `"+dba.Escape(table)+"`")
	if err != nil {
		return nil, err
	}
	return rows.All(0)
}
