package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cagescan/internal"
	"cagescan/internal/config"
	"cagescan/internal/connectors"
	"cagescan/internal/listener"
	"cagescan/internal/manifest"
	"cagescan/internal/report"
	"cagescan/internal/scanner"
	"cagescan/internal/station"
	"cagescan/internal/storage"
	"cagescan/internal/warehouse"
	"cagescan/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	must(err)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	switch cmd {
	case "dispatch", "scan-to-cage":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		entityID := fs.String("entity", "", "carrier id (dispatch) or cage id (scan-to-cage)")
		name := fs.String("name", "", "display name")
		offline := fs.Bool("offline", false, "use imported manifests and queue submissions locally")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*entityID) == "" {
			must(fmt.Errorf("--entity is required"))
		}
		must(cfg.Validate())

		profile, err := workflow.ProfileByName(cmd)
		must(err)
		backend, err := makeBackend(cfg, db, profile, *offline)
		must(err)

		scan, console, closer, err := openInput(ctx, cfg)
		must(err)
		if closer != nil {
			defer closer.Close()
		}

		st, err := station.New(cfg, station.Options{
			Profile: profile,
			Backend: backend,
			Journal: db,
			Scanner: scan,
			Console: console,
			Out:     os.Stdout,
			Logger:  logger,
		})
		must(err)

		display := strings.TrimSpace(*name)
		if display == "" {
			display = *entityID
		}
		must(st.Run(ctx, internal.Entity{ID: strings.TrimSpace(*entityID), Name: display}))
	case "manifest:import":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		entityID := fs.String("entity", "", "carrier or cage id the manifest belongs to")
		inType := fs.String("type", "", "text|html|xlsx|pdf|eml")
		input := fs.String("input", "", "manifest file path")
		_ = fs.Parse(os.Args[2:])
		if *entityID == "" || *inType == "" || *input == "" {
			must(fmt.Errorf("--entity --type --input are required"))
		}
		res, err := manifest.NewImportService(db, cfg).ImportFile(*entityID, *inType, *input)
		must(err)
		fmt.Printf("manifest imported entity=%s extracted=%d eligible=%d\n", res.EntityID, res.Extracted, res.Inserted)
	case "manifest:fetch":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", cfg.ManifestListenerProvider, "gmail|imap")
		label := fs.String("label", cfg.ManifestListenerLabel, "mailbox/label")
		max := fs.Int("max", 50, "max messages")
		_ = fs.Parse(os.Args[2:])
		conn, err := listener.NewConnector(cfg, *provider)
		must(err)
		fetch := connectors.NewFetchService(db, cfg, conn)
		result, err := fetch.FetchAndStore(ctx, *label, *max)
		must(err)
		fmt.Printf("manifest fetch done provider=%s fetched=%d ignored=%d stored=%d manifests=%d\n", *provider, result.Fetched, result.Ignored, result.Stored, result.Manifests)
	case "manifest:process":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", "", "gmail|imap (blank for all)")
		messageID := fs.String("messageId", "", "specific message-id")
		batch := fs.Int("batch", 20, "batch size")
		_ = fs.Parse(os.Args[2:])
		importer := manifest.NewImportService(db, cfg)
		if strings.TrimSpace(*messageID) != "" {
			if *provider == "" {
				must(fmt.Errorf("--provider is required with --messageId"))
			}
			res, err := importer.ProcessByProviderMessageID(*provider, *messageID)
			must(err)
			fmt.Printf("processed manifest id=%d entity=%s eligible=%d %s\n", res.ManifestID, res.EntityID, res.Inserted, res.Reason)
			return
		}
		manifests, codes, err := importer.ProcessPending(*batch, *provider)
		must(err)
		fmt.Printf("processed pending manifests=%d codes=%d\n", manifests, codes)
	case "manifest:listen":
		must(listener.NewService(db, cfg, logger).Run(ctx))
	case "export:xlsx":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		sessionID := fs.String("session", "", "session id")
		out := fs.String("out", "", "output xlsx path")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*sessionID) == "" || strings.TrimSpace(*out) == "" {
			must(fmt.Errorf("--session and --out are required"))
		}
		session, err := db.GetSession(*sessionID)
		must(err)
		if session == nil {
			must(fmt.Errorf("no session %s", *sessionID))
		}
		rows, err := db.GetSessionExportRows(*sessionID)
		must(err)
		must(report.ExportSessionToXLSX(*session, rows, *out))
		fmt.Printf("exported %d scans to %s\n", len(rows), *out)
	case "sync:pending":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		limit := fs.Int("limit", 20, "max submissions to push")
		_ = fs.Parse(os.Args[2:])
		must(cfg.Require("WAREHOUSE_API_TOKEN", cfg.WarehouseAPIToken))
		res, err := warehouse.NewSyncService(db, cfg, logger).SyncPending(ctx, *limit)
		must(err)
		fmt.Printf("sync done attempted=%d synced=%d rejected=%d failed=%d\n", res.Attempted, res.Synced, res.Rejected, res.Failed)
	default:
		usage()
		os.Exit(1)
	}
}

func makeBackend(cfg config.Config, db *storage.DB, profile workflow.Profile, offline bool) (workflow.Backend, error) {
	if offline {
		return manifest.NewBackend(db, profile.Name), nil
	}
	if err := cfg.Require("WAREHOUSE_API_TOKEN", cfg.WarehouseAPIToken); err != nil {
		return nil, err
	}
	routes, err := warehouse.RoutesFor(profile.Name)
	if err != nil {
		return nil, err
	}
	return warehouse.NewClient(cfg, routes), nil
}

// openInput starts the scanner channel and, for a serial scanner, a separate
// stdin console for operator commands.
func openInput(ctx context.Context, cfg config.Config) (*scanner.ReaderChannel, *scanner.ReaderChannel, io.Closer, error) {
	switch cfg.ScannerInput {
	case "serial":
		scan, closer, err := scanner.OpenSerial(cfg.ScannerDevice, cfg.ScannerBaud)
		if err != nil {
			return nil, nil, nil, err
		}
		console := scanner.NewReaderChannel(os.Stdin)
		go func() { _ = scan.Run(ctx) }()
		go func() { _ = console.Run(ctx) }()
		return scan, console, closer, nil
	default:
		scan := scanner.NewReaderChannel(os.Stdin)
		go func() { _ = scan.Run(ctx) }()
		return scan, scan, nil, nil
	}
}

func usage() {
	fmt.Println("usage: cagescan <command>")
	fmt.Println("commands:")
	fmt.Println("  dispatch --entity=CARRIER_ID [--name=...] [--offline]")
	fmt.Println("  scan-to-cage --entity=CAGE_ID [--name=...] [--offline]")
	fmt.Println("  manifest:import --entity=ID --type=text|html|xlsx|pdf|eml --input=path")
	fmt.Println("  manifest:fetch --provider=gmail|imap --label=INBOX --max=50")
	fmt.Println("  manifest:process [--provider=gmail|imap] [--messageId=...] [--batch=20]")
	fmt.Println("  manifest:listen")
	fmt.Println("  export:xlsx --session=ID --out=./out/session.xlsx")
	fmt.Println("  sync:pending [--limit=20]")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
