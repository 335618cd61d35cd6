// Package firehose implements the real-time replication endpoint: one
// producer/handler goroutine pair per subscriber, cursor resumption with a
// bounded catch-up window, send-timeout eviction of slow consumers and
// ping-based liveness.
package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/torrho/windsock/pkg/models"
)

var upgrader = websocket.Upgrader{}

// EventSource is the read side of the event log the server streams from.
type EventSource interface {
	// CurrentSeq returns the max live seq, or 0 when the log is empty.
	CurrentSeq(ctx context.Context) (int64, error)
	// NextAfter returns the earliest live event with seq > cursor, or nil
	// when none is available yet.
	NextAfter(ctx context.Context, cursor int64) (*models.Event, error)
}

// Options are the externally tunable streaming knobs.
type Options struct {
	// ChannelCapacity bounds the per-subscriber frame buffer.
	ChannelCapacity int
	// PollInterval is how often an idle producer re-polls the log.
	PollInterval time.Duration
	// SendTimeout bounds a single transport write; exceeding it evicts the
	// subscriber.
	SendTimeout time.Duration
	// PingInterval is how long a connection may be silent before we ping it.
	PingInterval time.Duration
	// MaxCatchup is the backfill window: cursors further behind than this are
	// clamped forward.
	MaxCatchup int64
	// MaxProducerErrors is how many consecutive log read failures a producer
	// tolerates before giving up on the connection.
	MaxProducerErrors int
	// ErrorBackoffBase is the base of the producer's exponential retry
	// backoff.
	ErrorBackoffBase time.Duration
	// ReplayRate caps backfill delivery in frames per second. 0 is
	// unlimited.
	ReplayRate float64
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		ChannelCapacity:   100,
		PollInterval:      100 * time.Millisecond,
		SendTimeout:       5 * time.Second,
		PingInterval:      30 * time.Second,
		MaxCatchup:        1000,
		MaxProducerErrors: 5,
		ErrorBackoffBase:  100 * time.Millisecond,
		ReplayRate:        0,
	}
}

// Subscriber is the per-connection state: the negotiated cursor, the bounded
// outbound channel and the last-activity stamp the ping loop watches.
type Subscriber struct {
	conn     wsConn
	id       int64
	compress bool
	buf      chan []byte

	lastActivity atomic.Int64 // unix nanos

	deliveredCounter prometheus.Counter
	bytesCounter     prometheus.Counter
}

func (sub *Subscriber) touch() {
	sub.lastActivity.Store(time.Now().UnixNano())
}

func (sub *Subscriber) lastActive() time.Time {
	return time.Unix(0, sub.lastActivity.Load())
}

// Server fans the event log out to any number of independent subscribers.
type Server struct {
	src    EventSource
	opts   Options
	logger *slog.Logger

	lk      sync.Mutex
	subs    map[int64]*Subscriber
	nextSub int64
}

// NewServer creates a firehose server reading from src.
func NewServer(src EventSource, opts Options, logger *slog.Logger) *Server {
	return &Server{
		src:    src,
		opts:   opts,
		logger: logger.With("component", "firehose"),
		subs:   make(map[int64]*Subscriber),
	}
}

var encoder, _ = zstd.NewWriter(nil)

func zstdCompress(src []byte) []byte {
	return encoder.EncodeAll(src, make([]byte, 0, len(src)))
}

func encodeFrame(f Frame, compress bool) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	if compress {
		data = zstdCompress(data)
	}
	return data, nil
}

// HandleSubscribe is the echo handler for the subscribeRepos endpoint. A
// malformed cursor is rejected before the websocket upgrade.
func (s *Server) HandleSubscribe(c echo.Context) error {
	cursor := int64(0)
	if q := c.QueryParam("cursor"); q != "" {
		parsed, err := strconv.ParseInt(q, 10, 64)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid cursor")
		}
		cursor = parsed
	}
	compress := c.QueryParam("compress") == "true"

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	s.handleConn(c.Request().Context(), ws, cursor, compress, ws.RemoteAddr().String())
	return nil
}

// handleConn owns one subscriber connection from handshake to teardown.
// Cancelling ctx (either side closing, a write failure, or producer
// abandonment) deterministically stops the producer and the read pump.
func (s *Server) handleConn(ctx context.Context, conn wsConn, cursor int64, compress bool, remote string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := s.logger.With("source", "firehose_handler", "remote_addr", remote)

	sub := s.addSubscriber(conn, compress, remote)
	defer s.removeSubscriber(sub.id)

	// Handshake: validate the cursor against the log and clamp it into the
	// catch-up window if it is too far behind.
	cur, err := s.src.CurrentSeq(ctx)
	if err != nil {
		log.Error("failed to read log state during handshake", "error", err)
		_ = s.writeFrame(sub, newInfoFrame(InfoError, "failed to read log state"))
		return
	}
	effective := cursor
	if cur > 0 && cursor < cur-s.opts.MaxCatchup {
		effective = cur - s.opts.MaxCatchup
		cursorsClampedCounter.Inc()
		log.Info("clamping outdated cursor", "requested", cursor, "effective", effective)
		msg := fmt.Sprintf("requested cursor %d is outside the replay window, resuming from %d", cursor, effective)
		if err := s.writeFrame(sub, newInfoFrame(InfoOutdatedCursor, msg)); err != nil {
			log.Error("failed to write info frame", "error", err)
			return
		}
	}
	if err := s.writeFrame(sub, newInfoFrame(InfoConnected, "")); err != nil {
		log.Error("failed to write info frame", "error", err)
		return
	}

	p := &producer{
		src:    s.src,
		sub:    sub,
		opts:   s.opts,
		logger: s.logger,
		cursor: effective,
	}
	go p.run(ctx)

	// Read pump: any inbound traffic refreshes liveness, a read error (close
	// included) tears the connection down. Pings from the client are answered
	// with pongs by the transport's default handler.
	conn.SetPongHandler(func(string) error {
		sub.touch()
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
			sub.touch()
		}
	}()

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.buf:
			if !ok {
				// Producer closed the stream; everything it buffered has been
				// drained.
				return
			}
			if err := s.writeMessage(sub, msg); err != nil {
				if isTimeout(err) {
					log.Error("subscriber too slow, evicting", "id", sub.id)
					slowConsumersEvictedCounter.Inc()
					// Best effort only: the transport may refuse further
					// writes after a write timeout, in which case the client
					// just sees the close.
					_ = s.writeFrame(sub, newInfoFrame(InfoError, "consumer too slow"))
				} else {
					log.Error("failed to write message", "error", err)
				}
				return
			}
		case <-ticker.C:
			if time.Since(sub.lastActive()) < s.opts.PingInterval {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.SendTimeout)); err != nil {
				log.Error("failed to ping subscriber", "id", sub.id, "error", err)
				return
			}
		}
	}
}

func (s *Server) writeFrame(sub *Subscriber, f Frame) error {
	data, err := encodeFrame(f, sub.compress)
	if err != nil {
		return err
	}
	return s.writeMessage(sub, data)
}

func (s *Server) writeMessage(sub *Subscriber, data []byte) error {
	msgType := websocket.TextMessage
	if sub.compress {
		msgType = websocket.BinaryMessage
	}
	if err := sub.conn.SetWriteDeadline(time.Now().Add(s.opts.SendTimeout)); err != nil {
		return err
	}
	if err := sub.conn.WriteMessage(msgType, data); err != nil {
		return err
	}
	sub.touch()
	sub.deliveredCounter.Inc()
	sub.bytesCounter.Add(float64(len(data)))
	return nil
}

func (s *Server) addSubscriber(conn wsConn, compress bool, remote string) *Subscriber {
	s.lk.Lock()
	defer s.lk.Unlock()

	sub := Subscriber{
		conn:     conn,
		id:       s.nextSub,
		compress: compress,
		buf:      make(chan []byte, s.opts.ChannelCapacity),

		deliveredCounter: framesDelivered.WithLabelValues(remote),
		bytesCounter:     bytesDelivered.WithLabelValues(remote),
	}
	sub.touch()

	s.subs[s.nextSub] = &sub
	s.nextSub++

	subscribersConnected.Inc()

	s.logger.Info("adding subscriber", "remote_addr", remote, "id", sub.id)

	return &sub
}

func (s *Server) removeSubscriber(id int64) {
	s.lk.Lock()
	defer s.lk.Unlock()

	s.logger.Info("removing subscriber", "id", id)

	subscribersConnected.Dec()

	delete(s.subs, id)
}
