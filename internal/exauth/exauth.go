// Package exauth implements the ejabberd external authentication protocol
// against the user table.
package exauth

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/idna"

	"github.com/friendica/friendica-go/internal/config"
	"github.com/friendica/friendica-go/internal/database"
	"github.com/friendica/friendica-go/internal/dba"
	"github.com/friendica/friendica-go/internal/logger"
	"github.com/friendica/friendica-go/internal/pidfile"
)

// ErrAlreadyRunning is returned when another bridge process for the same
// host could not be stopped.
var ErrAlreadyRunning = errors.New("the old process wasn't killed in time")

// Database is the part of the database the bridge needs.
type Database interface {
	Connected(ctx context.Context) bool
	Exists(ctx context.Context, table string, cond dba.Condition) (bool, error)
	SelectFirst(ctx context.Context, table string, fields []string, cond dba.Condition, params dba.Params) (database.Row, error)
}

// UserSettings reads per user settings.
type UserSettings interface {
	Get(ctx context.Context, uid int64, cat, key string) (string, bool, error)
}

// Authenticator answers the requests of an ejabberd server.
type Authenticator struct {
	db       Database
	users    UserSettings
	client   *http.Client
	fs       afero.Fs
	hostname string
	lockPath string
	log      *slog.Logger
	level    *slog.LevelVar

	// host is the first host seen, it owns the pid file.
	host    string
	pidFile string
}

// Option configures the Authenticator.
type Option func(*Authenticator)

// WithHTTPClient sets the client for the remote checks.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Authenticator) { a.client = c }
}

// WithFs sets the filesystem of the pid files.
func WithFs(fs afero.Fs) Option {
	return func(a *Authenticator) { a.fs = fs }
}

// WithLogger sets the logger. Debug messages still depend on jabber.debug.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) { a.log = l }
}

// New creates an Authenticator for the node with the given hostname.
func New(db Database, users UserSettings, hostname string, cfg config.JabberConfig, opts ...Option) *Authenticator {
	a := &Authenticator{
		db:       db,
		users:    users,
		client:   &http.Client{Timeout: 10 * time.Second},
		fs:       afero.NewOsFs(),
		hostname: hostname,
		lockPath: cfg.LockPath,
		log:      logger.Logger(),
		level:    new(slog.LevelVar),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.SetDebug(cfg.Debug)
	a.log = slog.New(levelHandler{Handler: a.log.Handler(), min: a.level}).With("component", "auth_ejabberd")
	return a
}

// SetDebug switches the debug messages on or off. It is safe to call while
// Run is active.
func (a *Authenticator) SetDebug(debug bool) {
	if debug {
		a.level.Set(slog.LevelDebug)
	} else {
		a.level.Set(slog.LevelInfo)
	}
}

// Run processes requests from in until it ends, a zero length frame is
// read, the database goes away or ctx is done.
func (a *Authenticator) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	a.log.Info("start")
	defer a.log.Info("stop")
	defer a.release()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !a.db.Connected(ctx) {
			a.log.Error("the database connection went down")
			return database.ErrConnectionLost
		}

		var length uint16
		if err := binary.Read(in, binary.BigEndian, &length); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if length == 0 {
			a.log.Error("we got no data, quitting")
			return nil
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(in, data); err != nil {
			a.log.Error("incomplete frame", "error", err)
			return nil
		}
		a.log.Debug("received data", "data", redact(string(data)))

		ok, err := a.handle(ctx, strings.SplitN(string(data), ":", 4))
		if err != nil {
			return err
		}
		if err := reply(out, ok); err != nil {
			return err
		}
	}
}

func (a *Authenticator) handle(ctx context.Context, command []string) (bool, error) {
	switch command[0] {
	case "isuser":
		return a.isUser(ctx, command)
	case "auth":
		return a.auth(ctx, command)
	case "setpass":
		a.log.Info("setpass command disabled")
	default:
		a.log.Info("unknown command", "command", command[0])
	}
	return false, nil
}

func reply(out io.Writer, ok bool) error {
	var result uint16
	if ok {
		result = 1
	}
	return binary.Write(out, binary.BigEndian, [2]uint16{2, result})
}

// unescapeUser reverses the escaping ejabberd applies to user names.
func unescapeUser(user string) string {
	return strings.NewReplacer("%20", " ", "(a)", "@").Replace(user)
}

func redact(data string) string {
	parts := strings.SplitN(data, ":", 4)
	if len(parts) == 4 {
		parts[3] = "***"
	}
	return strings.Join(parts, ":")
}

func (a *Authenticator) isUser(ctx context.Context, command []string) (bool, error) {
	if len(command) < 3 {
		a.log.Info("invalid isuser command, no username given")
		return false, nil
	}
	host := command[2]
	if err := a.setHost(host); err != nil {
		return false, err
	}

	user := unescapeUser(command[1])

	found := false
	if host == a.hostname {
		a.log.Debug("internal user check", "user", user, "host", host)
		exists, err := a.db.Exists(ctx, "user", dba.Fields{"nickname": user})
		if err != nil {
			a.log.Warn("user lookup failed", "user", user, "error", err)
		}
		found = exists
	}

	if !found {
		found = a.checkUser(ctx, host, command[1])
	}

	if found {
		a.log.Info("valid user", "user", user)
	} else {
		a.log.Warn("invalid user", "user", user)
	}
	return found, nil
}

// checkUser asks the remote node. user is still escaped the way ejabberd
// sent it, so it goes into the path unchanged.
func (a *Authenticator) checkUser(ctx context.Context, host, user string) bool {
	a.log.Debug("external user check", "user", user, "host", host)

	resp, err := a.get(ctx, remoteURL(host, "/noscrape/"+user), "", "")
	if err != nil {
		a.log.Debug("external user check failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var profile struct {
		Nick string `json:"nick"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return false
	}
	return profile.Nick == user
}

func (a *Authenticator) auth(ctx context.Context, command []string) (bool, error) {
	if len(command) != 4 {
		a.log.Info("invalid auth command, data missing")
		return false, nil
	}
	host, password := command[2], command[3]
	if err := a.setHost(host); err != nil {
		return false, err
	}

	user := unescapeUser(command[1])

	ok := false
	if host == a.hostname {
		a.log.Debug("internal auth", "user", user, "host", host)
		ok = a.checkLocal(ctx, user, password)
	}

	if !ok {
		ok = a.checkCredentials(ctx, host, command[1], password)
	}

	if ok {
		a.log.Info("authenticated user", "user", user, "host", host)
	} else {
		a.log.Warn("authentication failed", "user", user, "host", host)
	}
	return ok, nil
}

func (a *Authenticator) checkLocal(ctx context.Context, user, password string) bool {
	uid := int64(-1)

	row, err := a.db.SelectFirst(ctx, "user", []string{"uid", "password"}, dba.Fields{"nickname": user}, dba.Params{})
	switch {
	case err == nil:
		uid = row.Int("uid")
		if bcrypt.CompareHashAndPassword([]byte(row.String("password")), []byte(password)) == nil {
			return true
		}
	case errors.Is(err, database.ErrNotFound):
		a.log.Warn("user not found", "user", user)
	default:
		a.log.Warn("user lookup failed", "user", user, "error", err)
	}

	a.log.Debug("check against alternate password", "user", user)
	alternate, found, err := a.users.Get(ctx, uid, "xmpp", "password")
	if err != nil || !found || alternate == "" {
		return false
	}
	return alternate == password
}

func (a *Authenticator) checkCredentials(ctx context.Context, host, user, password string) bool {
	a.log.Debug("external credential check", "user", user, "host", host)

	resp, err := a.get(ctx, remoteURL(host, "/api/account/verify_credentials.json")+"?skip_status=true", user, password)
	if err != nil {
		a.log.Debug("external credential check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	a.log.Debug("external auth returned", "user", user, "host", host, "code", resp.StatusCode)
	return resp.StatusCode == http.StatusOK
}

func (a *Authenticator) get(ctx context.Context, target, user, password string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if user != "" {
		req.SetBasicAuth(user, password)
	}
	return a.client.Do(req)
}

func remoteURL(host, path string) string {
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	return "https://" + host + path
}

// setHost claims the pid file of the first host. An older process for the
// same host is terminated.
func (a *Authenticator) setHost(host string) error {
	if a.host != "" {
		return nil
	}

	a.log.Info("Hostname for process", "pid", os.Getpid(), "host", host)
	a.host = host

	if a.lockPath == "" {
		a.log.Info("No lockpath defined.")
		return nil
	}

	file := filepath.Join(a.lockPath, host)
	if pidfile.IsRunningProcess(a.fs, file) {
		if !pidfile.KillProcess(a.fs, file) {
			a.log.Error("The old process wasn't killed in time. We now quit our process.")
			return ErrAlreadyRunning
		}
		a.log.Info("Old process was successfully killed")
	}

	created, err := pidfile.Create(a.fs, file)
	if err != nil || !created {
		a.log.Warn("Pid file couldn't be created", "file", file, "error", err)
		return nil
	}
	a.pidFile = file
	return nil
}

func (a *Authenticator) release() {
	if a.pidFile == "" {
		return
	}
	if err := pidfile.Delete(a.fs, a.pidFile); err != nil {
		a.log.Warn("Failed to remove pid file", "file", a.pidFile, "error", err)
	}
	a.pidFile = ""
}

// levelHandler drops records below min.
type levelHandler struct {
	slog.Handler
	min slog.Leveler
}

func (h levelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.min.Level() && h.Handler.Enabled(ctx, l)
}

func (h levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return levelHandler{Handler: h.Handler.WithAttrs(attrs), min: h.min}
}

func (h levelHandler) WithGroup(name string) slog.Handler {
	return levelHandler{Handler: h.Handler.WithGroup(name), min: h.min}
}
