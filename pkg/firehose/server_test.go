package firehose

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/torrho/windsock/pkg/models"
	"github.com/torrho/windsock/pkg/sequencer"
)

func newTestServer(t *testing.T, src EventSource, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(src, opts, testLogger())

	e := echo.New()
	e.GET("/xrpc/com.atproto.sync.subscribeRepos", s.HandleSubscribe)
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)

	return s, ts
}

func dialSubscribe(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/xrpc/com.atproto.sync.subscribeRepos" + query
	con, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { con.Close() })
	return con
}

func readFrame(t *testing.T, con *websocket.Conn, timeout time.Duration) Frame {
	t.Helper()
	require.NoError(t, con.SetReadDeadline(time.Now().Add(timeout)))
	_, msg, err := con.ReadMessage()
	require.NoError(t, err)
	f, err := DecodeFrame(msg)
	require.NoError(t, err)
	return f
}

func TestMalformedCursorRejected(t *testing.T) {
	_, ts := newTestServer(t, &fakeSource{}, testOptions())

	for _, q := range []string{"?cursor=abc", "?cursor=-1"} {
		resp, err := http.Get(ts.URL + "/xrpc/com.atproto.sync.subscribeRepos" + q)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}

func TestConnectedFrameOnSubscribe(t *testing.T) {
	_, ts := newTestServer(t, &fakeSource{}, testOptions())
	con := dialSubscribe(t, ts, "")

	f := readFrame(t, con, time.Second)
	info, ok := f.(*InfoFrame)
	require.True(t, ok)
	require.Equal(t, InfoConnected, info.Name)
}

func TestOutdatedCursorClamped(t *testing.T) {
	src := &fakeSource{}
	for i := int64(1); i <= 8; i++ {
		src.add(commitEvent(t, i, "did:example:alice"))
	}

	opts := testOptions()
	opts.MaxCatchup = 3

	_, ts := newTestServer(t, src, opts)
	con := dialSubscribe(t, ts, "?cursor=1")

	f := readFrame(t, con, time.Second)
	info, ok := f.(*InfoFrame)
	require.True(t, ok)
	require.Equal(t, InfoOutdatedCursor, info.Name)
	require.NotNil(t, info.Message)

	f = readFrame(t, con, time.Second)
	info, ok = f.(*InfoFrame)
	require.True(t, ok)
	require.Equal(t, InfoConnected, info.Name)

	// current_seq = 8, window = 3: streaming resumes at seq 6, never at 2.
	for want := int64(6); want <= 8; want++ {
		commit, ok := readFrame(t, con, time.Second).(*CommitFrame)
		require.True(t, ok)
		require.Equal(t, want, commit.Seq)
	}
}

func TestRecentCursorNotClamped(t *testing.T) {
	src := &fakeSource{}
	for i := int64(1); i <= 8; i++ {
		src.add(commitEvent(t, i, "did:example:alice"))
	}

	opts := testOptions()
	opts.MaxCatchup = 100

	_, ts := newTestServer(t, src, opts)
	con := dialSubscribe(t, ts, "?cursor=5")

	f := readFrame(t, con, time.Second)
	require.Equal(t, InfoConnected, f.(*InfoFrame).Name)

	for want := int64(6); want <= 8; want++ {
		require.Equal(t, want, readFrame(t, con, time.Second).(*CommitFrame).Seq)
	}
}

func TestFutureCursorWaits(t *testing.T) {
	src := &fakeSource{}
	for i := int64(1); i <= 3; i++ {
		src.add(commitEvent(t, i, "did:example:alice"))
	}

	_, ts := newTestServer(t, src, testOptions())
	con := dialSubscribe(t, ts, "?cursor=100")

	// Only Connected: no clamping, no error, no replay of old events.
	f := readFrame(t, con, time.Second)
	require.Equal(t, InfoConnected, f.(*InfoFrame).Name)

	// gorilla treats any read error (deadline timeouts included) as permanent
	// on the connection, so observe "nothing arrives" with a blocking read in
	// a goroutine rather than a timed-out read.
	type readResult struct {
		msg []byte
		err error
	}
	next := make(chan readResult, 1)
	go func() {
		_, msg, err := con.ReadMessage()
		next <- readResult{msg, err}
	}()

	select {
	case r := <-next:
		t.Fatalf("nothing may be delivered until seq passes the cursor, got msg=%q err=%v", r.msg, r.err)
	case <-time.After(200 * time.Millisecond):
	}

	src.add(commitEvent(t, 101, "did:example:alice"))

	select {
	case r := <-next:
		require.NoError(t, r.err)
		f, err := DecodeFrame(r.msg)
		require.NoError(t, err)
		require.Equal(t, int64(101), f.(*CommitFrame).Seq)
	case <-time.After(time.Second):
		t.Fatal("commit past the cursor was not delivered")
	}
}

func TestLiveDeliveryScenario(t *testing.T) {
	dir := t.TempDir()
	seq, err := sequencer.Open(dir, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = seq.Close() })
	// handleConn does not wait for its producer goroutine, so give it time to
	// observe cancellation before the cleanup above closes the pebble store
	// out from under it.
	t.Cleanup(func() { time.Sleep(50 * time.Millisecond) })

	ctx := context.Background()
	commit := models.CommitEvt{
		Commit: "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi",
		Rev:    "3jzfcijpj2z2a",
		Blocks: []byte("car-bytes"),
		Ops:    []models.RepoOp{{Action: models.OpCreate, Path: "app.bsky.feed.post/1"}},
	}

	commit.Repo = "did:example:a"
	_, err = seq.AppendCommit(ctx, commit)
	require.NoError(t, err)
	commit.Repo = "did:example:b"
	_, err = seq.AppendCommit(ctx, commit)
	require.NoError(t, err)

	_, ts := newTestServer(t, seq, testOptions())
	con := dialSubscribe(t, ts, "?cursor=0")

	f := readFrame(t, con, time.Second)
	require.Equal(t, InfoConnected, f.(*InfoFrame).Name)

	first := readFrame(t, con, time.Second).(*CommitFrame)
	require.Equal(t, int64(1), first.Seq)
	require.Equal(t, "did:example:a", first.Repo)

	second := readFrame(t, con, time.Second).(*CommitFrame)
	require.Equal(t, int64(2), second.Seq)
	require.Equal(t, "did:example:b", second.Repo)

	// New appends flow through the same connection in order.
	commit.Repo = "did:example:a"
	_, err = seq.AppendCommit(ctx, commit)
	require.NoError(t, err)
	third := readFrame(t, con, time.Second).(*CommitFrame)
	require.Equal(t, int64(3), third.Seq)
}

func TestCompressedSubscription(t *testing.T) {
	src := &fakeSource{}
	_, ts := newTestServer(t, src, testOptions())
	con := dialSubscribe(t, ts, "?compress=true")

	require.NoError(t, con.SetReadDeadline(time.Now().Add(time.Second)))
	msgType, msg, err := con.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	plain, err := dec.DecodeAll(msg, nil)
	require.NoError(t, err)

	f, err := DecodeFrame(plain)
	require.NoError(t, err)
	require.Equal(t, InfoConnected, f.(*InfoFrame).Name)
}

func TestSlowConsumerEvicted(t *testing.T) {
	src := &fakeSource{}
	src.add(commitEvent(t, 1, "did:example:alice"), commitEvent(t, 2, "did:example:alice"))

	s := NewServer(src, testOptions(), testLogger())

	fc := newFakeConn()
	fc.failWrite = 2 // Connected succeeds, the first commit times out

	done := make(chan struct{})
	go func() {
		s.handleConn(context.Background(), fc, 0, false, "test")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not shut down after slow write")
	}
	fc.Close()

	frames := fc.sentFrames(t)
	require.NotEmpty(t, frames)
	require.Equal(t, InfoConnected, frames[0].(*InfoFrame).Name)

	// Exactly one Error info frame, as the final message, then nothing.
	last, ok := frames[len(frames)-1].(*InfoFrame)
	require.True(t, ok)
	require.Equal(t, InfoError, last.Name)
	for _, f := range frames[1 : len(frames)-1] {
		if info, ok := f.(*InfoFrame); ok {
			require.NotEqual(t, InfoError, info.Name)
		}
	}
}

func TestIdleConnectionPinged(t *testing.T) {
	src := &fakeSource{}

	opts := testOptions()
	opts.PingInterval = 30 * time.Millisecond

	s := NewServer(src, opts, testLogger())

	fc := newFakeConn()
	done := make(chan struct{})
	go func() {
		s.handleConn(context.Background(), fc, 0, false, "test")
		close(done)
	}()

	require.Eventually(t, func() bool {
		return fc.pingCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	fc.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not shut down after close")
	}
}

func TestProducerAbandonmentClosesConnection(t *testing.T) {
	src := &fakeSource{failures: -1}

	opts := testOptions()
	opts.MaxProducerErrors = 2

	s := NewServer(src, opts, testLogger())

	fc := newFakeConn()
	done := make(chan struct{})
	go func() {
		s.handleConn(context.Background(), fc, 0, false, "test")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not shut down after producer abandonment")
	}
	fc.Close()

	frames := fc.sentFrames(t)
	require.NotEmpty(t, frames)
	last, ok := frames[len(frames)-1].(*InfoFrame)
	require.True(t, ok)
	require.Equal(t, InfoError, last.Name)
}

func TestClientCloseStopsEverything(t *testing.T) {
	src := &fakeSource{}
	src.add(commitEvent(t, 1, "did:example:alice"))

	_, ts := newTestServer(t, src, testOptions())
	con := dialSubscribe(t, ts, "")

	require.Equal(t, InfoConnected, readFrame(t, con, time.Second).(*InfoFrame).Name)
	require.Equal(t, int64(1), readFrame(t, con, time.Second).(*CommitFrame).Seq)

	require.NoError(t, con.Close())

	// The producer keeps polling only until the handler notices the close.
	time.Sleep(100 * time.Millisecond)
	src.lk.Lock()
	polls := src.polls
	src.lk.Unlock()
	time.Sleep(100 * time.Millisecond)
	src.lk.Lock()
	pollsAfter := src.polls
	src.lk.Unlock()
	require.Equal(t, polls, pollsAfter, "no orphaned polling loop after disconnect")
}
