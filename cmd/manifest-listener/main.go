package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cagescan/internal/config"
	"cagescan/internal/listener"
	"cagescan/internal/storage"
)

func main() {
	once := flag.Bool("once", false, "run a single fetch and import cycle, then exit")
	provider := flag.String("provider", "", "override MANIFEST_LISTENER_PROVIDER (gmail|imap)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	cfg, err := config.Load()
	must(err)
	if *provider != "" {
		cfg.ManifestListenerProvider = *provider
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc := listener.NewService(db, cfg, logger)
	if *once {
		res, err := svc.RunCycle(ctx)
		must(err)
		fmt.Printf("cycle done provider=%s fetched=%d ignored=%d stored=%d manifests=%d codes=%d\n",
			res.Provider, res.Fetched, res.Ignored, res.Stored, res.Manifests, res.Codes)
		return
	}

	logger.Info("manifest listener started",
		"provider", cfg.ManifestListenerProvider,
		"label", cfg.ManifestListenerLabel,
		"intervalSec", cfg.ManifestListenerIntervalSec,
		"senders", len(cfg.ManifestSenders),
	)
	must(svc.Run(ctx))
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
