package tracker_test

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wisp92/peershare/internal/config"
	"github.com/wisp92/peershare/tracker"
	"github.com/wisp92/peershare/userdb"
	"github.com/wisp92/peershare/wire"
)

// --------------------------------------------------------------------------------------------- //

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.PeerPenalty = 0
	cfg.CleaningInterval = time.Minute
	cfg.IOTimeout = 2 * time.Second
	cfg.ConnectTimeout = time.Second

	return cfg
}

func startTracker(t *testing.T, cfg *config.Config) (*tracker.Tracker, string, *userdb.Store) {
	t.Helper()

	store, err := userdb.Open(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tk := tracker.New(store, cfg)
	require.NoError(t, tk.Start("127.0.0.1:0"))
	t.Cleanup(tk.Close)

	return tk, tk.Addr().String(), store
}

func register(t *testing.T, addr, username, password string) {
	t.Helper()

	req, err := wire.NewRequest(wire.Register, wire.Credentials{Username: username, Password: password})
	require.NoError(t, err)

	_, err = wire.Call(addr, time.Second, time.Second, req)
	require.NoError(t, err)
}

// login runs the raw two-step handshake on its own connection, closes it, and
// returns the session id.
func login(t *testing.T, addr, username, password string, port int, files []wire.FileDescription) int32 {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	req, err := wire.NewRequest(wire.Login, wire.Credentials{Username: username, Password: password})
	require.NoError(t, err)
	require.NoError(t, wire.WriteRequest(conn, req))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rep, err := wire.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, wire.Success, rep.Status)

	var ref wire.SessionRef
	require.NoError(t, wire.DecodePayload(rep.Payload, &ref))

	followUp, err := wire.NewRequest(wire.Login, wire.Announcement{Host: "10.9.9.9", Port: port, Files: files})
	require.NoError(t, err)
	require.NoError(t, wire.WriteRequest(conn, followUp))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	final, err := wire.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, wire.Success, final.Status)

	return int32(ref.SessionID)
}

func search(t *testing.T, addr string, sessionID int32, filename string) ([]wire.Provider, error) {
	t.Helper()

	req, err := wire.NewRequest(wire.Search, wire.SearchRequest{SessionID: int64(sessionID), Filename: filename})
	require.NoError(t, err)

	rep, err := wire.Call(addr, time.Second, 2*time.Second, req)
	if err != nil {
		return nil, err
	}

	var result wire.SearchResult
	require.NoError(t, wire.DecodePayload(rep.Payload, &result))

	return result.Providers, nil
}

// --------------------------------------------------------------------------------------------- //

func TestRegisterRejectsDuplicate(t *testing.T) {
	_, addr, store := startTracker(t, testConfig())

	register(t, addr, "u1", "p")

	req, err := wire.NewRequest(wire.Register, wire.Credentials{Username: "u1", Password: "other"})
	require.NoError(t, err)

	_, err = wire.Call(addr, time.Second, time.Second, req)
	require.ErrorIs(t, err, wire.ErrFailure)

	user, ok := store.GetUser("u1")
	require.True(t, ok)
	require.Len(t, user.PasswordHex, 40)
	require.Equal(t, 0, user.DownloadCount)
}

// --------------------------------------------------------------------------------------------- //

func TestLoginLogoutLoop(t *testing.T) {
	tk, addr, store := startTracker(t, testConfig())

	register(t, addr, "u1", "p")
	register(t, addr, "u2", "p")

	for i := 0; i < 10; i++ {
		id1 := login(t, addr, "u1", "p", 4001, nil)
		require.Equal(t, 1, tk.Sessions())

		id2 := login(t, addr, "u2", "p", 4002, nil)
		require.Equal(t, 2, tk.Sessions())

		for _, id := range []int32{id1, id2} {
			req, err := wire.NewRequest(wire.Logout, wire.SessionRef{SessionID: int64(id)})
			require.NoError(t, err)

			_, err = wire.Call(addr, time.Second, time.Second, req)
			require.NoError(t, err)
		}

		require.Zero(t, tk.Sessions())
	}

	for _, username := range []string{"u1", "u2"} {
		user, ok := store.GetUser(username)
		require.True(t, ok)
		require.Zero(t, user.DownloadCount)
	}
}

// --------------------------------------------------------------------------------------------- //

func TestLoginRejectsBadCredentials(t *testing.T) {
	_, addr, _ := startTracker(t, testConfig())

	register(t, addr, "u1", "p")

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	req, err := wire.NewRequest(wire.Login, wire.Credentials{Username: "u1", Password: "wrong"})
	require.NoError(t, err)
	require.NoError(t, wire.WriteRequest(conn, req))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rep, err := wire.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, wire.Failure, rep.Status)
}

// --------------------------------------------------------------------------------------------- //

func TestDuplicateLoginRejected(t *testing.T) {
	tk, addr, _ := startTracker(t, testConfig())

	register(t, addr, "u1", "p")
	login(t, addr, "u1", "p", 4001, nil)
	require.Equal(t, 1, tk.Sessions())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	req, err := wire.NewRequest(wire.Login, wire.Credentials{Username: "u1", Password: "p"})
	require.NoError(t, err)
	require.NoError(t, wire.WriteRequest(conn, req))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rep, err := wire.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, wire.Failure, rep.Status)

	require.Equal(t, 1, tk.Sessions())
}

// --------------------------------------------------------------------------------------------- //

// A peer that takes a session id at step 1 and vanishes must leave no locked
// id behind: the same user can log in again immediately.
func TestAbandonedLoginReleasesID(t *testing.T) {
	tk, addr, _ := startTracker(t, testConfig())

	register(t, addr, "u1", "p")

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	req, err := wire.NewRequest(wire.Login, wire.Credentials{Username: "u1", Password: "p"})
	require.NoError(t, err)
	require.NoError(t, wire.WriteRequest(conn, req))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rep, err := wire.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, wire.Success, rep.Status)

	require.NoError(t, conn.Close())

	// The handler's blocked read unwinds on the close and releases the id.
	time.Sleep(200 * time.Millisecond)

	id := login(t, addr, "u1", "p", 4001, nil)
	require.NotZero(t, id)
	require.Equal(t, 1, tk.Sessions())
}

// --------------------------------------------------------------------------------------------- //

func TestSearchScenario(t *testing.T) {
	_, addr, _ := startTracker(t, testConfig())

	for _, username := range []string{"u1", "u2", "u3"} {
		register(t, addr, username, "p")
	}

	id1 := login(t, addr, "u1", "p", 4001, []wire.FileDescription{{Name: "a.bin", Size: 1}, {Name: "b.bin", Size: 2}})
	login(t, addr, "u2", "p", 4002, []wire.FileDescription{{Name: "b.bin", Size: 2}, {Name: "c.bin", Size: 3}})
	login(t, addr, "u3", "p", 4003, nil)

	names := func(providers []wire.Provider) []string {
		var out []string
		for _, p := range providers {
			out = append(out, p.Username)
		}

		return out
	}

	got, err := search(t, addr, id1, "a.bin")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"u1"}, names(got))

	got, err = search(t, addr, id1, "b.bin")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"u1", "u2"}, names(got))

	// The announced host is overwritten with the socket's peer address under
	// the default policy.
	for _, p := range got {
		require.Equal(t, "127.0.0.1", p.Host)
	}

	got, err = search(t, addr, id1, "c.bin")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"u2"}, names(got))

	got, err = search(t, addr, id1, "d.bin")
	require.NoError(t, err)
	require.Empty(t, got)
}

// --------------------------------------------------------------------------------------------- //

func TestSearchRejectsDeadSession(t *testing.T) {
	_, addr, _ := startTracker(t, testConfig())

	_, err := search(t, addr, 12345, "a.bin")
	require.ErrorIs(t, err, wire.ErrFailure)
}

// --------------------------------------------------------------------------------------------- //

func TestAcknowledgeCreditsProviderAndPostsFile(t *testing.T) {
	_, addr, store := startTracker(t, testConfig())

	register(t, addr, "u1", "p")
	register(t, addr, "u2", "p")

	login(t, addr, "u1", "p", 4001, []wire.FileDescription{{Name: "b.bin", Size: 2}})
	id2 := login(t, addr, "u2", "p", 4002, nil)

	req, err := wire.NewRequest(wire.Acknowledge, wire.AckRequest{SessionID: int64(id2), Username: "u1", Filename: "b.bin"})
	require.NoError(t, err)

	_, err = wire.Call(addr, time.Second, time.Second, req)
	require.NoError(t, err)

	user, ok := store.GetUser("u1")
	require.True(t, ok)
	require.Equal(t, 1, user.DownloadCount)

	got, err := search(t, addr, id2, "b.bin")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

// --------------------------------------------------------------------------------------------- //

// Unknown request types get no reply; the client runs into its timeout.
func TestUnknownTypeGetsNoReply(t *testing.T) {
	_, addr, _ := startTracker(t, testConfig())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteRequest(conn, &wire.Request{Type: wire.RequestType(99)}))

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, err = wire.ReadReply(conn)
	require.Error(t, err)
}

// --------------------------------------------------------------------------------------------- //

// Scenario: a silent connection is evicted after the cleaning interval and the
// tracker's worker count returns to its prior value.
func TestIdleConnectionCleaned(t *testing.T) {
	cfg := testConfig()
	cfg.CleaningInterval = 150 * time.Millisecond

	tk, addr, _ := startTracker(t, cfg)

	before := tk.ActiveWorkers()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)

	require.Eventually(t, func() bool { return tk.ActiveWorkers() == before }, time.Second, 10*time.Millisecond)
}

// --------------------------------------------------------------------------------------------- //
