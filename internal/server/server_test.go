package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/davrd/stashfs/internal/protocol/wire"
	"github.com/davrd/stashfs/pkg/auth"
	"github.com/davrd/stashfs/pkg/quota"
	"github.com/davrd/stashfs/pkg/stats"
	"github.com/davrd/stashfs/pkg/storage"
	"github.com/davrd/stashfs/pkg/store"
	"github.com/davrd/stashfs/pkg/store/memory"
)

// =============================================================================
// Test fixtures
// =============================================================================

func startTestServer(t *testing.T, defaultQuota int64, mutate func(*Options)) (*Server, string) {
	t.Helper()

	s := memory.NewMemoryStore()
	qm := quota.NewManager(s, defaultQuota)
	engine, err := storage.NewEngine(filepath.Join(t.TempDir(), "storage"), s, qm, nil)
	require.NoError(t, err)

	opts := Options{
		Host:                "127.0.0.1",
		Port:                0,
		MaxConnections:      16,
		ShutdownTimeout:     2 * time.Second,
		SessionActiveWindow: 10 * time.Minute,
		Limits:              wire.DefaultLimits(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv := NewServer(opts, Deps{
		Store:  s,
		Auth:   auth.NewAuthenticator(s, bcrypt.MinCost),
		Engine: engine,
		Quota:  qm,
		Stats:  stats.NewCollector(),
	})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, srv.Shutdown())
	})
	return srv, srv.Addr().String()
}

type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return &testClient{t: t, conn: conn}
}

// roundTrip sends one request and decodes the response header into resp,
// returning any response payload.
func (c *testClient) roundTrip(req *wire.Request, payload []byte, resp any) []byte {
	c.t.Helper()

	_, err := wire.WriteMessage(c.conn, req, payload)
	require.NoError(c.t, err)
	respPayload, _, err := wire.ReadMessage(c.conn, wire.DefaultLimits(), resp)
	require.NoError(c.t, err)
	return respPayload
}

func (c *testClient) register(username, password string) *wire.GenericResponse {
	c.t.Helper()

	var resp wire.GenericResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdRegister, Username: username, Password: password}, nil, &resp)
	return &resp
}

func (c *testClient) login(username, password string) *wire.LoginResponse {
	c.t.Helper()

	var resp wire.LoginResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdLogin, Username: username, Password: password}, nil, &resp)
	return &resp
}

func (c *testClient) mustLogin(username, password string) {
	c.t.Helper()

	require.True(c.t, c.register(username, password).Ok)
	resp := c.login(username, password)
	require.True(c.t, resp.Ok)
	require.NotEmpty(c.t, resp.SessionID)
}

// =============================================================================
// Pre-authentication commands
// =============================================================================

func TestPing(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)
	c := dial(t, addr)

	var resp wire.PongResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdPing}, nil, &resp)
	assert.True(t, resp.Ok)
	assert.True(t, resp.Pong)
}

func TestRegisterAndLogin(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)
	c := dial(t, addr)

	resp := c.register("alice", "secret")
	assert.True(t, resp.Ok)
	assert.Equal(t, "Registered", resp.Msg)

	login := c.login("alice", "secret")
	assert.True(t, login.Ok)
	assert.NotEmpty(t, login.SessionID)
}

func TestRegisterDuplicate(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)
	c := dial(t, addr)

	require.True(t, c.register("alice", "secret").Ok)

	resp := c.register("alice", "other")
	assert.False(t, resp.Ok)
	assert.Equal(t, "User already exists", resp.Msg)
}

func TestRegisterMissingFields(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)
	c := dial(t, addr)

	resp := c.register("alice", "")
	assert.False(t, resp.Ok)
	assert.Equal(t, "Missing username/password", resp.Msg)
}

func TestLoginBadCredentials(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)
	c := dial(t, addr)

	require.True(t, c.register("alice", "secret").Ok)

	resp := c.login("alice", "wrong")
	assert.False(t, resp.Ok)
	assert.Equal(t, "Bad credentials", resp.Error)
	assert.Empty(t, resp.SessionID)

	// The connection survives a failed login
	good := c.login("alice", "secret")
	assert.True(t, good.Ok)
}

func TestCommandsRequireAuth(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)
	c := dial(t, addr)

	for _, cmd := range []wire.Command{
		wire.CmdList, wire.CmdMkdir, wire.CmdUpload, wire.CmdDownload,
		wire.CmdDelete, wire.CmdRename, wire.CmdReadText, wire.CmdWriteText,
		wire.CmdStats,
	} {
		var resp wire.GenericResponse
		c.roundTrip(&wire.Request{Cmd: cmd}, nil, &resp)
		assert.False(t, resp.Ok, string(cmd))
		assert.Equal(t, "Not authenticated", resp.Error, string(cmd))
	}
}

func TestRegisterAfterLoginRejected(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)
	c := dial(t, addr)
	c.mustLogin("alice", "secret")

	resp := c.register("bob", "pw")
	assert.False(t, resp.Ok)
	assert.Equal(t, "Already authenticated", resp.Error)

	login := c.login("alice", "secret")
	assert.False(t, login.Ok)
	assert.Equal(t, "Already authenticated", login.Error)
}

func TestUnknownCommandKeepsConnection(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)
	c := dial(t, addr)
	c.mustLogin("alice", "secret")

	var resp wire.GenericResponse
	c.roundTrip(&wire.Request{Cmd: "FROBNICATE"}, nil, &resp)
	assert.False(t, resp.Ok)
	assert.Equal(t, "Unknown cmd FROBNICATE", resp.Error)

	// Still usable afterwards
	var pong wire.PongResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdPing}, nil, &pong)
	assert.True(t, pong.Ok)
}

func TestQuit(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)
	c := dial(t, addr)

	var resp wire.ByeResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdQuit}, nil, &resp)
	assert.True(t, resp.Ok)
	assert.True(t, resp.Bye)

	// Server closes the connection after BYE
	buf := make([]byte, 1)
	_, err := c.conn.Read(buf)
	assert.Error(t, err)
}

// =============================================================================
// File operations over the wire
// =============================================================================

func TestFileLifecycle(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)
	c := dial(t, addr)
	c.mustLogin("alice", "secret")

	content := []byte("hello")

	var up wire.UploadResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdUpload, Path: "docs/notes.txt"}, content, &up)
	require.True(t, up.Ok)
	assert.Equal(t, int64(5), up.Size)

	var list wire.ListResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdList, Cwd: "docs"}, nil, &list)
	require.True(t, list.Ok)
	assert.Equal(t, "docs", list.Cwd)
	require.Len(t, list.Files, 1)
	assert.Equal(t, "docs/notes.txt", list.Files[0].Path)
	assert.Equal(t, int64(5), list.Files[0].Size)
	assert.Equal(t, "file", list.Files[0].Type)

	var down wire.DownloadResponse
	data := c.roundTrip(&wire.Request{Cmd: wire.CmdDownload, Path: "docs/notes.txt"}, nil, &down)
	require.True(t, down.Ok)
	assert.Equal(t, content, data)
	assert.Equal(t, int64(5), down.Size)

	var renamed wire.GenericResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdRename, OldPath: "docs/notes.txt", NewPath: "archive/notes.txt"}, nil, &renamed)
	require.True(t, renamed.Ok)

	var deleted wire.GenericResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdDelete, Path: "archive/notes.txt"}, nil, &deleted)
	require.True(t, deleted.Ok)

	var gone wire.DownloadResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdDownload, Path: "archive/notes.txt"}, nil, &gone)
	assert.False(t, gone.Ok)
	assert.Equal(t, "File not found", gone.Error)
}

func TestMkdirAndListFolders(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)
	c := dial(t, addr)
	c.mustLogin("alice", "secret")

	var mk wire.GenericResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdMkdir, Path: "a/b"}, nil, &mk)
	require.True(t, mk.Ok)

	var list wire.ListResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdList}, nil, &list)
	require.True(t, list.Ok)
	require.Len(t, list.Folders, 1)
	assert.Equal(t, "a", list.Folders[0].Path)
	assert.Equal(t, "folder", list.Folders[0].Type)
	assert.Empty(t, list.Files)
}

func TestWriteAndReadText(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)
	c := dial(t, addr)
	c.mustLogin("alice", "secret")

	var wrote wire.UploadResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdWriteText, Path: "notes.md", Content: "# title"}, nil, &wrote)
	require.True(t, wrote.Ok)
	assert.Equal(t, int64(7), wrote.Size)

	var read wire.TextResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdReadText, Path: "notes.md"}, nil, &read)
	require.True(t, read.Ok)
	assert.Equal(t, "# title", read.Content)

	var bad wire.TextResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdReadText, Path: "image.png"}, nil, &bad)
	assert.False(t, bad.Ok)
	assert.Equal(t, "Only .txt/.md allowed", bad.Error)
}

func TestQuotaOverWire(t *testing.T) {
	_, addr := startTestServer(t, 200, nil)
	c := dial(t, addr)
	c.mustLogin("alice", "secret")

	var first wire.UploadResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdUpload, Path: "a.bin"}, make([]byte, 150), &first)
	require.True(t, first.Ok)

	var second wire.UploadResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdUpload, Path: "b.bin"}, make([]byte, 100), &second)
	assert.False(t, second.Ok)
	assert.Contains(t, second.Error, "Quota exceeded")
}

func TestTraversalOverWire(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)
	c := dial(t, addr)
	c.mustLogin("alice", "secret")

	var resp wire.DownloadResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdDownload, Path: "../../etc/passwd"}, nil, &resp)
	assert.False(t, resp.Ok)
	assert.Equal(t, "Invalid path traversal", resp.Error)
}

func TestUploadWithoutPayload(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)
	c := dial(t, addr)
	c.mustLogin("alice", "secret")

	var resp wire.UploadResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdUpload, Path: "a.bin"}, nil, &resp)
	assert.False(t, resp.Ok)
	assert.Equal(t, "Invalid parameters", resp.Error)
}

// =============================================================================
// Stats
// =============================================================================

func TestStatsOverWire(t *testing.T) {
	_, addr := startTestServer(t, 5000, nil)
	c := dial(t, addr)
	c.mustLogin("alice", "secret")

	var up wire.UploadResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdUpload, Path: "a.bin"}, make([]byte, 123), &up)
	require.True(t, up.Ok)

	var resp wire.StatsResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdStats}, nil, &resp)
	require.True(t, resp.Ok)
	assert.GreaterOrEqual(t, resp.ActiveUsers, 1)
	assert.Equal(t, int64(123), resp.UserUsedBytes)
	assert.Equal(t, int64(5000), resp.UserQuotaBytes)
	assert.Positive(t, resp.ServerBytesIn)
	// Out-bytes count download payloads only; register, login, upload and
	// their acknowledgements contribute nothing
	assert.Zero(t, resp.ServerBytesOut)
	assert.GreaterOrEqual(t, resp.ServerUptimeSecs, int64(0))
}

func TestStatsCountDownloadedBytes(t *testing.T) {
	_, addr := startTestServer(t, 5000, nil)
	c := dial(t, addr)
	c.mustLogin("alice", "secret")

	var up wire.UploadResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdUpload, Path: "a.bin"}, make([]byte, 123), &up)
	require.True(t, up.Ok)

	var down wire.DownloadResponse
	data := c.roundTrip(&wire.Request{Cmd: wire.CmdDownload, Path: "a.bin"}, nil, &down)
	require.True(t, down.Ok)
	require.Len(t, data, 123)

	// A failed download carries no payload and adds nothing
	var missing wire.DownloadResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdDownload, Path: "nope.bin"}, nil, &missing)
	require.False(t, missing.Ok)

	var resp wire.StatsResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdStats}, nil, &resp)
	require.True(t, resp.Ok)
	assert.Equal(t, int64(123), resp.ServerBytesOut)
}

// =============================================================================
// Connection handling
// =============================================================================

func TestMalformedFrameClosesConnection(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)
	c := dial(t, addr)

	// Length prefix says 8 bytes of header follow, but they are not JSON
	_, err := c.conn.Write([]byte{0, 0, 0, 8, 'n', 'o', 't', ' ', 'j', 's', 'o', 'n'})
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = c.conn.Read(buf)
	assert.Error(t, err)
}

func TestMalformedCommandFieldsRejected(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)
	c := dial(t, addr)
	c.mustLogin("alice", "secret")

	// overwrite must be a boolean; the frame itself is well formed
	header := []byte(`{"cmd":"UPLOAD","data_len":1,"path":"a.bin","overwrite":"yes"}`)
	frame := append([]byte{0, 0, 0, byte(len(header))}, header...)
	frame = append(frame, 'x')
	_, err := c.conn.Write(frame)
	require.NoError(t, err)

	var resp wire.GenericResponse
	_, _, err = wire.ReadMessage(c.conn, wire.DefaultLimits(), &resp)
	require.NoError(t, err)
	assert.False(t, resp.Ok)
	assert.Equal(t, "Invalid parameters", resp.Error)

	// Still usable afterwards
	var pong wire.PongResponse
	c.roundTrip(&wire.Request{Cmd: wire.CmdPing}, nil, &pong)
	assert.True(t, pong.Ok)
}

func TestHandlerPanicStillAnswers(t *testing.T) {
	// Nil dependencies make any STATS handler call blow up; the guard must
	// turn that into an error response and a connection close
	srv := NewServer(Options{}, Deps{})
	sess := &session{id: "sess-1", user: &store.User{Username: "alice"}}

	resp, payload, quit := srv.dispatchRequest(sess, &wire.Envelope{Cmd: wire.CmdStats}, nil)
	gen, ok := resp.(*wire.GenericResponse)
	require.True(t, ok)
	assert.Equal(t, "Internal error", gen.Error)
	assert.Nil(t, payload)
	assert.True(t, quit)
}

func TestConnectionsAreIndependent(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, nil)

	c1 := dial(t, addr)
	c1.mustLogin("alice", "secret")

	// A second connection starts unauthenticated
	c2 := dial(t, addr)
	var resp wire.GenericResponse
	c2.roundTrip(&wire.Request{Cmd: wire.CmdList}, nil, &resp)
	assert.Equal(t, "Not authenticated", resp.Error)

	// And alice's data is reachable from a new login
	c2b := c2.login("alice", "secret")
	assert.True(t, c2b.Ok)
}

func TestAuthThrottling(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, func(o *Options) {
		o.AuthAttemptsPerMinute = 3
	})
	c := dial(t, addr)

	// First attempt registers, next two burn the remaining tokens
	require.True(t, c.register("alice", "secret").Ok)
	for i := 0; i < 2; i++ {
		resp := c.login("alice", "wrong")
		assert.Equal(t, "Bad credentials", resp.Error)
	}

	resp := c.login("alice", "secret")
	assert.False(t, resp.Ok)
	assert.Equal(t, "Too many attempts", resp.Error)
}

func TestMaxConnectionsRejectsExcess(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, func(o *Options) {
		o.MaxConnections = 1
	})

	c1 := dial(t, addr)
	var pong wire.PongResponse
	c1.roundTrip(&wire.Request{Cmd: wire.CmdPing}, nil, &pong)
	require.True(t, pong.Ok)

	// The second connection is accepted at the TCP level and immediately
	// closed
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

func TestShutdownIsIdempotent(t *testing.T) {
	srv, _ := startTestServer(t, 1<<20, nil)

	require.NoError(t, srv.Shutdown())
	require.NoError(t, srv.Shutdown())
}
