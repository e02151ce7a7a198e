package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFile_RecordsMtime(t *testing.T) {
	r := newTestRoom(t)
	local := newLocalResponder(r)
	require.NoError(t, r.AdmitLocal(local))
	local.seed("/tmp/notes.txt", "hello world", 1700000000.5)

	content, err := r.ReadFile(context.Background(), "/tmp/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", content)

	mtime, ok := r.ledger.get("/tmp/notes.txt")
	require.True(t, ok)
	assert.Equal(t, 1700000000.5, mtime)
}

func TestWriteFile_RefusedBeforeRead(t *testing.T) {
	r := newTestRoom(t)
	local := newLocalResponder(r)
	require.NoError(t, r.AdmitLocal(local))
	local.seed("/tmp/x", "data", 1)

	err := r.WriteFile(context.Background(), "/tmp/x", "new data")
	require.Error(t, err)
	assert.Equal(t,
		"Cannot write to /tmp/x: file has not been read yet. Read the file first to ensure you have the latest content.",
		err.Error())
	// The RPC never left the relay.
	assert.Empty(t, local.seenWrites())
}

func TestWriteFile_CarriesRecordedMtime(t *testing.T) {
	r := newTestRoom(t)
	local := newLocalResponder(r)
	require.NoError(t, r.AdmitLocal(local))
	local.seed("/tmp/doc.md", "v1", 42)

	_, err := r.ReadFile(context.Background(), "/tmp/doc.md")
	require.NoError(t, err)
	require.NoError(t, r.WriteFile(context.Background(), "/tmp/doc.md", "v2"))

	writes := local.seenWrites()
	require.Len(t, writes, 1)
	require.NotNil(t, writes[0].ExpectedMtime)
	assert.Equal(t, float64(42), *writes[0].ExpectedMtime)
	assert.Equal(t, "v2", writes[0].Content)

	// The write's resulting mtime replaces the recorded one, so a second
	// write needs no intervening read.
	require.NoError(t, r.WriteFile(context.Background(), "/tmp/doc.md", "v3"))
	writes = local.seenWrites()
	require.Len(t, writes, 2)
	assert.Equal(t, float64(43), *writes[1].ExpectedMtime)
}

func TestWriteFile_StaleMtimeSurfacesPeerError(t *testing.T) {
	r := newTestRoom(t)
	local := newLocalResponder(r)
	require.NoError(t, r.AdmitLocal(local))
	local.seed("/tmp/doc.md", "v1", 10)

	_, err := r.ReadFile(context.Background(), "/tmp/doc.md")
	require.NoError(t, err)

	// Another writer touches the file behind the room's back.
	local.seed("/tmp/doc.md", "v1-external", 11)

	err = r.WriteFile(context.Background(), "/tmp/doc.md", "v2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "changed on disk")
}

func TestFileOps_RequireLocalPeer(t *testing.T) {
	r := newTestRoom(t)

	_, err := r.ReadFile(context.Background(), "/tmp/a")
	assert.ErrorIs(t, err, ErrLocalNotConnected)

	err = r.WriteFile(context.Background(), "/tmp/a", "x")
	require.Error(t, err)
	// Refused by the ledger before reaching the peer check.
	assert.Contains(t, err.Error(), "has not been read yet")
}

func TestBash_RoundTrip(t *testing.T) {
	r := newTestRoom(t)
	local := newLocalResponder(r)
	require.NoError(t, r.AdmitLocal(local))

	out, err := r.Bash(context.Background(), "ls -la", "/tmp", 5000)
	require.NoError(t, err)
	assert.Equal(t, "ran: ls -la", out.Stdout)
	assert.Equal(t, 0, out.ExitCode)
}

func TestBash_DeadlineTracksCommandTimeout(t *testing.T) {
	// The RPC deadline is the command's own timeout plus grace, not the room
	// default, so a short command against a silent peer fails promptly.
	r := New(context.Background(), "bash-deadline", Options{
		LocalTimeout:      time.Minute,
		KeepaliveInterval: time.Hour,
	})
	t.Cleanup(r.Shutdown)
	local := newMockPeer(RoleLocal, "local-1")
	require.NoError(t, r.AdmitLocal(local))

	done := make(chan error, 1)
	go func() {
		_, err := r.Bash(context.Background(), "sleep 60", "", 100)
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, "Local client request timeout after 5100ms: bash.execute", err.Error())
	case <-time.After(10 * time.Second):
		t.Fatal("bash call did not time out within the command-derived deadline")
	}
}

func TestLedger_IsPerRoom(t *testing.T) {
	r1 := newTestRoom(t)
	l1 := newLocalResponder(r1)
	require.NoError(t, r1.AdmitLocal(l1))
	l1.seed("/tmp/shared", "a", 1)
	_, err := r1.ReadFile(context.Background(), "/tmp/shared")
	require.NoError(t, err)

	r2 := New(context.Background(), "other-room", Options{KeepaliveInterval: time.Hour})
	t.Cleanup(r2.Shutdown)
	l2 := newLocalResponder(r2)
	require.NoError(t, r2.AdmitLocal(l2))
	l2.seed("/tmp/shared", "a", 1)

	// A read in one room never licenses a write in another.
	err = r2.WriteFile(context.Background(), "/tmp/shared", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has not been read yet")
}
