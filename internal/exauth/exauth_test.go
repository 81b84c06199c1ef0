package exauth

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"github.com/friendica/friendica-go/internal/config"
	"github.com/friendica/friendica-go/internal/database"
	"github.com/friendica/friendica-go/internal/dba"
	"github.com/friendica/friendica-go/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type account struct {
	uid  int64
	hash string
}

type fakeDB struct {
	users     map[string]account
	connected bool
}

func (f *fakeDB) Connected(context.Context) bool { return f.connected }

func (f *fakeDB) Exists(_ context.Context, table string, cond dba.Condition) (bool, error) {
	_, ok := f.users[cond.(dba.Fields)["nickname"].(string)]
	return ok, nil
}

func (f *fakeDB) SelectFirst(_ context.Context, table string, fields []string, cond dba.Condition, _ dba.Params) (database.Row, error) {
	u, ok := f.users[cond.(dba.Fields)["nickname"].(string)]
	if !ok {
		return nil, database.ErrNotFound
	}
	return database.Row{"uid": u.uid, "password": u.hash}, nil
}

type fakeSettings map[int64]string

func (f fakeSettings) Get(_ context.Context, uid int64, cat, key string) (string, bool, error) {
	v, ok := f[uid]
	return v, ok, nil
}

// remote serves the requests of every host from one handler without
// touching the network.
type remote struct {
	handler http.Handler
}

func (r remote) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	r.handler.ServeHTTP(rec, req)
	return rec.Result(), nil
}

func remoteNode(t *testing.T) *http.Client {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/noscrape/", func(w http.ResponseWriter, r *http.Request) {
		if r.Host != "remote.example" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"nick":"carol","fn":"Carol"}`))
	})
	mux.HandleFunc("/api/account/verify_credentials.json", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("skip_status"))
		user, pass, ok := r.BasicAuth()
		if !ok || user != "carol" || pass != "remote-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return &http.Client{Transport: remote{handler: mux}}
}

func frame(data string) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(data)))
	buf.WriteString(data)
	return buf.Bytes()
}

func replies(t *testing.T, out []byte) []uint16 {
	t.Helper()
	require.Zero(t, len(out)%4)

	var results []uint16
	for i := 0; i < len(out); i += 4 {
		assert.Equal(t, uint16(2), binary.BigEndian.Uint16(out[i:]))
		results = append(results, binary.BigEndian.Uint16(out[i+2:]))
	}
	return results
}

func newAuthenticator(t *testing.T, db *fakeDB, lockPath string, fs afero.Fs) *Authenticator {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	if db.users == nil {
		db.users = map[string]account{
			"alice":             {uid: 1, hash: string(hash)},
			"bob":               {uid: 2, hash: "$2y$10$invalid"},
			"mary ann@home.net": {uid: 3, hash: string(hash)},
		}
	}

	return New(db, fakeSettings{2: "xmpp-pass"}, "friendica.local",
		config.JabberConfig{LockPath: lockPath},
		WithHTTPClient(remoteNode(t)),
		WithFs(fs),
		WithLogger(logger.Discard()),
	)
}

func TestRun(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  uint16
	}{
		{name: "local user", frame: "isuser:alice:friendica.local", want: 1},
		{name: "escaped user", frame: "isuser:mary%20ann(a)home.net:friendica.local", want: 1},
		{name: "unknown local user", frame: "isuser:dave:friendica.local", want: 0},
		{name: "remote user", frame: "isuser:carol:remote.example", want: 1},
		{name: "isuser without user", frame: "isuser", want: 0},
		{name: "password", frame: "auth:alice:friendica.local:secret", want: 1},
		{name: "password with colon", frame: "auth:alice:friendica.local:sec:ret", want: 0},
		{name: "wrong password", frame: "auth:alice:friendica.local:nope", want: 0},
		{name: "alternate password", frame: "auth:bob:friendica.local:xmpp-pass", want: 1},
		{name: "remote credentials", frame: "auth:carol:remote.example:remote-secret", want: 1},
		{name: "auth missing password", frame: "auth:alice:friendica.local", want: 0},
		{name: "setpass", frame: "setpass:alice:friendica.local:new", want: 0},
		{name: "unknown command", frame: "tryregister:alice:friendica.local:x", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAuthenticator(t, &fakeDB{connected: true}, "", afero.NewMemMapFs())

			var out bytes.Buffer
			err := a.Run(context.Background(), bytes.NewReader(frame(tt.frame)), &out)
			require.NoError(t, err)
			assert.Equal(t, []uint16{tt.want}, replies(t, out.Bytes()))
		})
	}
}

func TestRunSequence(t *testing.T) {
	a := newAuthenticator(t, &fakeDB{connected: true}, "", afero.NewMemMapFs())

	in := bytes.NewBuffer(nil)
	in.Write(frame("isuser:alice:friendica.local"))
	in.Write(frame("auth:alice:friendica.local:nope"))
	in.Write([]byte{0, 0})
	in.Write(frame("isuser:alice:friendica.local"))

	var out bytes.Buffer
	require.NoError(t, a.Run(context.Background(), in, &out))
	assert.Equal(t, []uint16{1, 0}, replies(t, out.Bytes()))
}

func TestRunConnectionLost(t *testing.T) {
	a := newAuthenticator(t, &fakeDB{connected: false}, "", afero.NewMemMapFs())

	var out bytes.Buffer
	err := a.Run(context.Background(), bytes.NewReader(frame("isuser:alice:friendica.local")), &out)
	assert.ErrorIs(t, err, database.ErrConnectionLost)
	assert.Zero(t, out.Len())
}

func TestRunCanceled(t *testing.T) {
	a := newAuthenticator(t, &fakeDB{connected: true}, "", afero.NewMemMapFs())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.Run(ctx, bytes.NewReader(frame("isuser:alice:friendica.local")), &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPidFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	a := newAuthenticator(t, &fakeDB{connected: true}, "/var/lock/jabber", fs)

	in := bytes.NewBuffer(nil)
	in.Write(frame("isuser:alice:friendica.local"))

	var out bytes.Buffer
	require.NoError(t, a.Run(context.Background(), in, &out))
	assert.Equal(t, "friendica.local", a.host)
	assert.Empty(t, a.pidFile)

	exists, err := afero.Exists(fs, "/var/lock/jabber/friendica.local")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSetHost(t *testing.T) {
	fs := afero.NewMemMapFs()
	a := newAuthenticator(t, &fakeDB{connected: true}, "/var/lock/jabber", fs)

	require.NoError(t, a.setHost("friendica.local"))
	assert.Equal(t, strconv.Itoa(os.Getpid()), readFile(t, fs, "/var/lock/jabber/friendica.local"))

	// later hosts don't move the lock
	require.NoError(t, a.setHost("other.example"))
	exists, err := afero.Exists(fs, "/var/lock/jabber/other.example")
	require.NoError(t, err)
	assert.False(t, exists)

	a.release()
	exists, err = afero.Exists(fs, "/var/lock/jabber/friendica.local")
	require.NoError(t, err)
	assert.False(t, exists)
}

func readFile(t *testing.T, fs afero.Fs, name string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, name)
	require.NoError(t, err)
	return string(data)
}

func TestSetDebug(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	a := New(&fakeDB{connected: true}, fakeSettings{}, "friendica.local", config.JabberConfig{}, WithLogger(l))

	a.log.Debug("hidden")
	a.log.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "component=auth_ejabberd")

	a.SetDebug(true)
	a.log.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")

	a.SetDebug(false)
	a.log.Debug("hidden again")
	assert.NotContains(t, buf.String(), "hidden again")
}

func TestCheckUserKeepsEscaping(t *testing.T) {
	var path string
	client := &http.Client{Transport: remote{handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{"nick":"mary%20ann"}`))
	})}}
	a := New(&fakeDB{connected: true}, fakeSettings{}, "friendica.local", config.JabberConfig{},
		WithHTTPClient(client), WithLogger(logger.Discard()))

	assert.True(t, a.checkUser(context.Background(), "remote.example", "mary%20ann"))
	assert.Equal(t, "/noscrape/mary%20ann", path)
}

func TestRemoteURL(t *testing.T) {
	assert.Equal(t, "https://xn--bcher-kva.example/noscrape/carol", remoteURL("bücher.example", "/noscrape/carol"))
	assert.Equal(t, "https://remote.example/x", remoteURL("remote.example", "/x"))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "auth:alice:friendica.local:***", redact("auth:alice:friendica.local:secret"))
	assert.Equal(t, "isuser:alice:friendica.local", redact("isuser:alice:friendica.local"))
}
