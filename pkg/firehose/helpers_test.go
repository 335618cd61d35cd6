package firehose

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torrho/windsock/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.SendTimeout = time.Second
	opts.ErrorBackoffBase = time.Millisecond
	return opts
}

func commitEvent(t *testing.T, seq int64, did string) *models.Event {
	t.Helper()
	payload, err := models.MarshalPayload(&models.CommitEvt{
		Repo:   did,
		Commit: "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi",
		Rev:    "3jzfcijpj2z2a",
		Blocks: []byte("car-bytes"),
		Ops: []models.RepoOp{
			{Action: models.OpCreate, Path: "app.bsky.feed.post/3jzfcijpj2z2a"},
		},
	})
	require.NoError(t, err)
	return &models.Event{
		Seq:     seq,
		Did:     did,
		Kind:    models.KindCommit,
		Payload: payload,
		TimeUS:  time.Now().UnixMicro(),
	}
}

// fakeSource is a scriptable in-memory EventSource.
type fakeSource struct {
	lk     sync.Mutex
	events []*models.Event
	// failures is how many NextAfter calls should fail before recovering.
	// Negative means fail forever.
	failures int
	polls    int
}

func (f *fakeSource) add(evts ...*models.Event) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.events = append(f.events, evts...)
}

func (f *fakeSource) CurrentSeq(ctx context.Context) (int64, error) {
	f.lk.Lock()
	defer f.lk.Unlock()
	var cur int64
	for _, evt := range f.events {
		if !evt.Invalidated && evt.Seq > cur {
			cur = evt.Seq
		}
	}
	return cur, nil
}

func (f *fakeSource) NextAfter(ctx context.Context, cursor int64) (*models.Event, error) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.polls++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return nil, errTestRead
	}
	var best *models.Event
	for _, evt := range f.events {
		if evt.Invalidated || evt.Seq <= cursor {
			continue
		}
		if best == nil || evt.Seq < best.Seq {
			best = evt
		}
	}
	return best, nil
}

var errTestRead = &net.OpError{Op: "read", Err: io.ErrUnexpectedEOF}

// timeoutError satisfies net.Error with Timeout() == true.
type timeoutError struct{}

func (timeoutError) Error() string { return "i/o timeout" }

func (timeoutError) Timeout() bool { return true }

func (timeoutError) Temporary() bool { return true }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }

func (fakeAddr) String() string { return "fake:0" }

// fakeConn is a wsConn double with controllable write failures.
type fakeConn struct {
	lk        sync.Mutex
	writes    [][]byte
	pings     int
	failWrite int // 1-based WriteMessage call that returns a timeout; 0 = never
	calls     int

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, net.ErrClosed
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.calls++
	if c.failWrite > 0 && c.calls == c.failWrite {
		return timeoutError{}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.pings++
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(h func(appData string) error) {}

func (c *fakeConn) RemoteAddr() net.Addr { return fakeAddr{} }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentFrames(t *testing.T) []Frame {
	t.Helper()
	c.lk.Lock()
	defer c.lk.Unlock()
	frames := make([]Frame, 0, len(c.writes))
	for _, data := range c.writes {
		f, err := DecodeFrame(data)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

func (c *fakeConn) pingCount() int {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.pings
}
