package tcpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/campus-rides/internal/directory"
	"github.com/example/campus-rides/internal/dispatch"
	"github.com/example/campus-rides/internal/matcher"
	"github.com/example/campus-rides/internal/router"
	"github.com/example/campus-rides/internal/storage"
)

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(line string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(c.t, err)
}

func (c *client) read() map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	var m map[string]any
	require.NoError(c.t, json.Unmarshal([]byte(line), &m))
	return m
}

func (c *client) call(line string) map[string]any {
	c.t.Helper()
	c.send(line)
	return c.read()
}

type testServer struct {
	addr string
	reg  *dispatch.Registry
	stop context.CancelFunc
	done chan error
}

func start(t *testing.T, opts Options) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := directory.NewMemory(bcrypt.MinCost)
	reg := dispatch.NewRegistry(dir)
	engine := matcher.New(matcher.Options{
		Rides:        storage.NewRideStore(),
		Ratings:      storage.NewLedger(),
		Registry:     reg,
		Logger:       logger,
		WriteTimeout: time.Second,
	})
	srv := NewServer(opts, router.New(engine, dir, logger), logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	ts := &testServer{addr: ln.Addr().String(), reg: reg, stop: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ts
}

func signup(c *client, username, role string) {
	c.t.Helper()
	resp := c.call(`{"action":"register","username":"` + username + `","password":"pw","role":"` + role + `","area":"Beirut"}`)
	require.Equal(c.t, "success", resp["status"], resp["message"])
	resp = c.call(`{"action":"login","username":"` + username + `","password":"pw"}`)
	require.Equal(c.t, "success", resp["status"], resp["message"])
}

func TestRideLifecycleOverTCP(t *testing.T) {
	ts := start(t, Options{})
	ali := dial(t, ts.addr)
	sara := dial(t, ts.addr)
	signup(ali, "ali", "passenger")
	signup(sara, "sara", "driver")

	resp := ali.call(`{"action":"create_ride","passenger_username":"ali","area":"Beirut","time":"08:30"}`)
	require.Equal(t, "success", resp["status"], resp["message"])
	assert.Equal(t, float64(1), resp["ride_id"])

	note := sara.read()
	assert.Equal(t, "new_ride", note["action"])
	assert.Equal(t, float64(30600), note["time"])
	assert.NotContains(t, note, "status")

	resp = sara.call(`{"action":"accept_ride","ride_id":1,"username":"sara","driver_ip":"127.0.0.1","driver_port":7000}`)
	assert.Equal(t, "success", resp["status"])

	note = ali.read()
	assert.Equal(t, "ride_accepted", note["action"])
	assert.Equal(t, "sara", note["driver_username"])

	resp = sara.call(`{"action":"accept_ride","ride_id":1,"username":"sara"}`)
	assert.Equal(t, "error", resp["status"])
}

func TestMalformedLineKeepsConnection(t *testing.T) {
	ts := start(t, Options{})
	c := dial(t, ts.addr)
	resp := c.call(`not json`)
	assert.Equal(t, "error", resp["status"])
	c.send("")
	resp = c.call(`{"action":"get_rating","username":"nobody"}`)
	assert.Equal(t, "success", resp["status"])
}

func TestDisconnectClosesAndUnbinds(t *testing.T) {
	ts := start(t, Options{})
	c := dial(t, ts.addr)
	signup(c, "ali", "passenger")

	resp := c.call(`{"action":"disconnect","username":"ali"}`)
	assert.Equal(t, "Disconnected.", resp["message"])

	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := c.r.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
	_, ok := ts.reg.Lookup("ali")
	assert.False(t, ok)
}

func TestClosedConnectionIsUnbound(t *testing.T) {
	ts := start(t, Options{})
	c := dial(t, ts.addr)
	signup(c, "sara", "driver")
	c.conn.Close()

	assert.Eventually(t, func() bool {
		_, ok := ts.reg.Lookup("sara")
		return !ok
	}, 3*time.Second, 10*time.Millisecond)
}

func TestOversizedLineIsRejected(t *testing.T) {
	ts := start(t, Options{MaxLineBytes: 256})
	c := dial(t, ts.addr)
	resp := c.call(`{"action":"get_rating","username":"` + strings.Repeat("x", 512) + `"}`)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "Request too large.", resp["message"])
}

func TestShutdownClosesClients(t *testing.T) {
	ts := start(t, Options{})
	c := dial(t, ts.addr)
	resp := c.call(`{"action":"get_rating","username":"x"}`)
	require.Equal(t, "success", resp["status"])

	ts.stop()
	select {
	case err := <-ts.done:
		assert.NoError(t, err)
		ts.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := c.r.ReadString('\n')
	assert.Error(t, err)
}
