package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/torrho/windsock/pkg/client"
	"github.com/torrho/windsock/pkg/client/schedulers/sequential"
	"github.com/torrho/windsock/pkg/firehose"
)

const (
	serverAddr = "ws://localhost:6010/xrpc/com.atproto.sync.subscribeRepos"
)

func main() {
	ctx := context.Background()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
	logger := slog.Default()

	config := client.DefaultClientConfig()
	config.WebsocketURL = serverAddr
	config.Compress = true

	scheduler := sequential.NewScheduler("windsock_localdev", logger, handleFrame)

	c, err := client.NewClient(config, logger, scheduler)
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}

	// Every 5 seconds print the frames read and bytes read and average frame size
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		for range ticker.C {
			framesRead := c.EventsRead.Load()
			bytesRead := c.BytesRead.Load()
			if framesRead == 0 {
				continue
			}
			avgFrameSize := bytesRead / framesRead
			logger.Info("stats", "frames_read", framesRead, "bytes_read", bytesRead, "avg_frame_size", avgFrameSize)
		}
	}()

	cursor := int64(0)
	if err := c.ConnectAndRead(ctx, &cursor); err != nil {
		log.Fatalf("failed to connect: %v", err)
	}

	slog.Info("shutdown")
}

func handleFrame(ctx context.Context, f firehose.Frame) error {
	switch f := f.(type) {
	case *firehose.CommitFrame:
		fmt.Printf("%s | %s | commit %s (%d ops)\n", f.Time, f.Repo, f.Commit, len(f.Ops))
	case *firehose.IdentityFrame:
		handle := ""
		if f.Handle != nil {
			handle = *f.Handle
		}
		fmt.Printf("%s | %s | identity -> %q\n", f.Time, f.Did, handle)
	case *firehose.AccountFrame:
		status := ""
		if f.Status != nil {
			status = *f.Status
		}
		fmt.Printf("%s | %s | account active=%t %s\n", f.Time, f.Did, f.Active, status)
	}
	return nil
}
