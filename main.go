package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"

	"beam/server/internal/core"
	"beam/server/internal/httpapi"
	"beam/server/internal/relay"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	addr := flag.String("addr", defaultAddr(), "listen address (env HOST/PORT)")
	uploadDir := flag.String("upload-dir", envOr("UPLOAD_DIR", "./uploads"), "relay upload directory (env UPLOAD_DIR)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting server", "version", Version, "addr", *addr, "upload_dir", *uploadDir)

	relayStore, err := relay.NewStore(*uploadDir)
	if err != nil {
		slog.Error("initialize relay store", "err", err)
		os.Exit(1)
	}

	registry := core.NewRegistry()
	server := httpapi.New(registry, relayStore, Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go registry.RunJanitor(ctx)
	go relayStore.RunJanitor(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	slog.Info("listening", "addr", *addr)
	if err := server.Run(ctx, *addr); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func defaultAddr() string {
	host := envOr("HOST", "0.0.0.0")
	port := envOr("PORT", "8765")
	return net.JoinHostPort(host, port)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
