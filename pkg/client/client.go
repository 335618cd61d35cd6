// Package client implements a consuming firehose client with cursor tracking
// and automatic reconnect.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"

	"github.com/torrho/windsock/pkg/firehose"
)

// ClientConfig configures a firehose client.
type ClientConfig struct {
	WebsocketURL string
	Compress     bool
	ExtraHeaders map[string]string
}

// Scheduler dispatches decoded frames to handlers. Frames for the same did
// are expected to be handled in delivery order.
type Scheduler interface {
	AddWork(ctx context.Context, did string, f firehose.Frame) error
	Shutdown()
}

// Client subscribes to a firehose endpoint and feeds frames to a Scheduler.
// On reconnect it resumes from the last seq it saw.
type Client struct {
	config    *ClientConfig
	scheduler Scheduler
	logger    *slog.Logger
	decoder   *zstd.Decoder

	// CursorSeq is the seq of the last sequenced frame delivered.
	CursorSeq  atomic.Int64
	EventsRead atomic.Int64
	BytesRead  atomic.Int64
}

// DefaultClientConfig returns a config pointed at a local windsock.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		WebsocketURL: "ws://localhost:6010/xrpc/com.atproto.sync.subscribeRepos",
		Compress:     false,
		ExtraHeaders: map[string]string{
			"User-Agent": "windsock-client/v0.1.0",
		},
	}
}

// NewClient creates a firehose client.
func NewClient(config *ClientConfig, logger *slog.Logger, scheduler Scheduler) (*Client, error) {
	if config == nil {
		config = DefaultClientConfig()
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Client{
		config:    config,
		scheduler: scheduler,
		logger:    logger.With("component", "windsock-client"),
		decoder:   decoder,
	}, nil
}

func (c *Client) buildURL(cursor int64) (string, error) {
	u, err := url.Parse(c.config.WebsocketURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse connection url %q: %w", c.config.WebsocketURL, err)
	}
	q := u.Query()
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	if c.config.Compress {
		q.Set("compress", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ConnectAndRead dials the endpoint and reads until ctx is done, redialing
// with exponential backoff on connection loss. cursor, if non-nil, is the
// last seq already seen.
func (c *Client) ConnectAndRead(ctx context.Context, cursor *int64) error {
	header := http.Header{}
	for k, v := range c.config.ExtraHeaders {
		header.Add(k, v)
	}
	if cursor != nil {
		c.CursorSeq.Store(*cursor)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		u, err := c.buildURL(c.CursorSeq.Load())
		if err != nil {
			return err
		}

		c.logger.Info("connecting to websocket", "url", u)
		con, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
		if err != nil {
			c.logger.Error("failed to connect to websocket", "error", err)
		} else {
			bo.Reset()
			if err := c.readLoop(ctx, con); err != nil {
				c.logger.Error("read loop failed", "error", err)
			}
			con.Close()
		}

		if ctx.Err() != nil {
			return nil
		}

		wait := bo.NextBackOff()
		c.logger.Info("reconnecting", "backoff", wait, "cursor", c.CursorSeq.Load())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Client) readLoop(ctx context.Context, con *websocket.Conn) error {
	c.logger.Info("starting read loop")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("shutting down read loop on context completion")
			return nil
		default:
			_, msg, err := con.ReadMessage()
			if err != nil {
				return fmt.Errorf("failed to read message from websocket: %w", err)
			}

			c.EventsRead.Add(1)
			c.BytesRead.Add(int64(len(msg)))

			if c.config.Compress {
				msg, err = c.decoder.DecodeAll(msg, nil)
				if err != nil {
					c.logger.Error("failed to decompress message", "error", err)
					continue
				}
			}

			f, err := firehose.DecodeFrame(msg)
			if err != nil {
				c.logger.Error("failed to decode frame", "error", err)
				continue
			}

			did := ""
			switch f := f.(type) {
			case *firehose.CommitFrame:
				did = f.Repo
				c.CursorSeq.Store(f.Seq)
			case *firehose.IdentityFrame:
				did = f.Did
				c.CursorSeq.Store(f.Seq)
			case *firehose.AccountFrame:
				did = f.Did
				c.CursorSeq.Store(f.Seq)
			case *firehose.InfoFrame:
				msg := ""
				if f.Message != nil {
					msg = *f.Message
				}
				c.logger.Info("info frame from server", "name", f.Name, "message", msg)
			}

			if err := c.scheduler.AddWork(ctx, did, f); err != nil {
				c.logger.Error("failed to handle frame", "error", err)
			}
		}
	}
}
