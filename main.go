package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/claworc/chanmux/internal/audit"
	"github.com/gluk-w/claworc/chanmux/internal/channel"
	"github.com/gluk-w/claworc/chanmux/internal/config"
	"github.com/gluk-w/claworc/chanmux/internal/handlers"
	"github.com/gluk-w/claworc/chanmux/internal/link"
	"github.com/gluk-w/claworc/chanmux/internal/logging"
	"github.com/gluk-w/claworc/chanmux/internal/mux"
	"github.com/gluk-w/claworc/chanmux/internal/services"
	"github.com/gluk-w/claworc/chanmux/internal/wire"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--connect" {
		os.Exit(runClient(os.Args[2:]))
	}

	config.Load()
	logging.Init()

	muxOpts := muxOptions(config.Cfg)
	log.Printf("Config: window=%s, packet=%s, high_water=%s, keepalive=%s/%d",
		config.Cfg.WindowSize, config.Cfg.PacketSize, config.Cfg.OutboundHighWater,
		config.Cfg.KeepaliveInterval, config.Cfg.KeepaliveCountMax)

	handlers.Registry = mux.NewRegistry()
	handlers.Echo = services.NewEcho()
	handlers.MuxOptions = muxOpts
	handlers.AcceptOptions = link.AcceptOptions{
		OriginPatterns: config.Cfg.AllowedOrigins,
		ReadLimit:      readLimit(config.Cfg),
	}

	if config.Cfg.AuditDBPath != "" {
		db, err := audit.Open(config.Cfg.AuditDBPath)
		if err != nil {
			log.Fatalf("Audit database init: %v", err)
		}
		auditor, err := audit.NewAuditor(db, config.Cfg.AuditRetentionDays)
		if err != nil {
			log.Fatalf("Audit init: %v", err)
		}
		defer auditor.Close()
		purger, err := auditor.SchedulePurge(config.Cfg.AuditPurgeSchedule)
		if err != nil {
			log.Fatalf("Audit purge schedule: %v", err)
		}
		defer purger.Stop()
		handlers.Auditor = auditor
		log.Printf("Channel audit trail at %s (retention %d days)", config.Cfg.AuditDBPath, auditor.RetentionDays())
	}

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: handlers.NewRouter(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	handlers.Registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func muxOptions(s config.Settings) mux.Options {
	return mux.Options{
		WindowSize:        uint32(s.WindowSize),
		PacketSize:        uint32(s.PacketSize),
		HighWater:         int(s.OutboundHighWater),
		KeepaliveInterval: s.KeepaliveInterval,
		KeepaliveCountMax: s.KeepaliveCountMax,
		MaxChannels:       s.MaxChannels,
	}
}

// readLimit leaves room for message headers around the largest data frame.
func readLimit(s config.Settings) int64 {
	return max(int64(s.PacketSize)+1024, link.DefaultReadLimit)
}

// runClient opens one session on a remote endpoint, copies stdin to it and
// the session's output to stdout and stderr. The exit code of the remote
// session becomes the process exit code.
func runClient(args []string) int {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	cols := fs.Uint("cols", 80, "Terminal columns to announce")
	rows := fs.Uint("rows", 24, "Terminal rows to announce")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: chanmux --connect [--cols N --rows N] ws://host:port/ssh\n")
		return 2
	}

	s, err := config.Parse()
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l, err := link.Dial(ctx, fs.Arg(0), &link.DialOptions{ReadLimit: readLimit(s)})
	if err != nil {
		log.Printf("connect: %v", err)
		return 1
	}
	conn := mux.New(l, muxOptions(s))
	defer conn.Close()

	closed := make(chan *channel.ExitRecord, 1)
	ch, err := conn.Open(ctx, services.SessionType, nil, mux.ChannelOptions{
		AllowHalfOpen: true,
		Events: channel.Events{
			Data: func(p []byte) bool {
				os.Stdout.Write(p)
				return true
			},
			ExtendedData: func(p []byte) bool {
				os.Stderr.Write(p)
				return true
			},
			Close: func(exit *channel.ExitRecord) { closed <- exit },
		},
	})
	if err != nil {
		log.Printf("open session: %v", err)
		return 1
	}

	conn.Do(func() {
		ch.Request(wire.RequestEnv, false, wire.MarshalPayload(&wire.Env{Name: "TERM", Value: os.Getenv("TERM")}), nil)
		ch.RequestResize(uint32(*rows), uint32(*cols), 0, 0, func(failed bool) {
			if failed {
				log.Printf("peer refused window size")
			}
		})
	})

	go copyStdin(ctx, conn, ch)

	select {
	case exit := <-closed:
		if exit == nil {
			return 0
		}
		if exit.Signaled() || exit.Code == nil {
			fmt.Fprintf(os.Stderr, "session ended: %s\n", exit)
			return 128
		}
		return int(*exit.Code)
	case <-ctx.Done():
		conn.Do(func() { ch.SendSignal("INT", nil) })
		select {
		case <-closed:
		case <-time.After(2 * time.Second):
		}
		return 130
	case <-conn.Done():
		log.Printf("connection lost: %v", conn.Err())
		return 1
	}
}

// copyStdin writes stdin to the channel one chunk at a time, waiting for
// each write to complete, and ends the channel at EOF.
func copyStdin(ctx context.Context, conn *mux.Conn, ch *channel.Channel) {
	buf := make([]byte, channel.PacketSize)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			done := make(chan error, 1)
			if conn.Do(func() { ch.Write(chunk, func(err error) { done <- err }) }) != nil {
				return
			}
			select {
			case werr := <-done:
				if werr != nil {
					return
				}
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("read stdin: %v", err)
			}
			conn.Do(ch.End)
			return
		}
	}
}
