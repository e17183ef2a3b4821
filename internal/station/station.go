package station

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"cagescan/internal"
	"cagescan/internal/capture"
	"cagescan/internal/config"
	"cagescan/internal/feedback"
	"cagescan/internal/scan"
	"cagescan/internal/scanner"
	"cagescan/internal/workflow"
)

type Options struct {
	Profile workflow.Profile
	Backend workflow.Backend
	Journal workflow.Journal
	// Scanner receives scanner keystrokes. Console takes operator commands
	// and may be the same channel when scanner and keyboard share stdin.
	Scanner *scanner.ReaderChannel
	Console *scanner.ReaderChannel
	Out     io.Writer
	Logger  *slog.Logger
}

// Station runs one operator session on a terminal.
type Station struct {
	ctrl     *workflow.Controller
	scanner  *scanner.ReaderChannel
	console  *scanner.ReaderChannel
	guardian *scan.Guardian
	decoder  *scan.Decoder
	out      io.Writer
	logger   *slog.Logger
	tokens   chan internal.ScanToken
	menu     chan struct{}
	ctx      context.Context
}

func New(cfg config.Config, opts Options) (*Station, error) {
	policy, err := scan.ParseStalePolicy(cfg.ScanStalePolicy)
	if err != nil {
		return nil, err
	}
	if opts.Scanner == nil {
		return nil, errors.New("scanner channel is required")
	}
	if opts.Console == nil {
		opts.Console = opts.Scanner
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	out := newLockedWriter(opts.Out)

	s := &Station{
		scanner: opts.Scanner,
		console: opts.Console,
		out:     out,
		logger:  opts.Logger,
		tokens:  make(chan internal.ScanToken, 16),
		menu:    make(chan struct{}, 1),
		ctx:     context.Background(),
	}
	s.guardian = scan.NewGuardian(opts.Scanner, time.Duration(cfg.FocusIntervalMs)*time.Millisecond, opts.Logger)
	s.decoder = scan.NewDecoder(scan.DecoderOptions{
		ScanTimeout: time.Duration(cfg.ScanTimeoutMs) * time.Millisecond,
		Margin:      time.Duration(cfg.ScanMarginMs) * time.Millisecond,
		MinLength:   cfg.ScanMinLength,
		StalePolicy: policy,
	}, s.emit)
	s.ctrl = workflow.NewController(workflow.Options{
		Profile:    opts.Profile,
		Backend:    opts.Backend,
		Capturer:   capture.NewFiles(cfg.CaptureDir, s.ask),
		Notifier:   NewConsoleNotifier(out),
		Guardian:   s.guardian,
		Journal:    opts.Journal,
		Feedback:   feedback.NewBell(out),
		MinLength:  cfg.ScanMinLength,
		RearmDelay: time.Duration(cfg.FocusRearmMs) * time.Millisecond,
		Logger:     opts.Logger,
	})
	opts.Scanner.OnKey(s.onKey)
	return s, nil
}

func (s *Station) Controller() *workflow.Controller { return s.ctrl }

// Run drives entity selection, the scan loop and confirmation until the
// session is submitted, abandoned, or ctx ends.
func (s *Station) Run(ctx context.Context, entity internal.Entity) error {
	s.ctx = ctx
	defer s.decoder.Close()
	defer s.guardian.Stop()

	if err := s.selectEntity(ctx, entity); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Scanning %ss for %s. Press Escape for commands.\n", s.ctrl.Profile().Noun, entity.Name)

	if err := s.scanLoop(ctx); err != nil {
		return err
	}
	if s.ctrl.Phase() == workflow.PhaseSelectEntity {
		fmt.Fprintln(s.out, "Session abandoned.")
		return nil
	}
	return s.confirmLoop(ctx)
}

func (s *Station) selectEntity(ctx context.Context, entity internal.Entity) error {
	for {
		err := s.ctrl.SelectEntity(ctx, entity)
		if err == nil {
			return nil
		}
		answer, perr := s.prompt(ctx, "Retry? [y/N] ")
		if perr != nil {
			return errors.Join(err, perr)
		}
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			return err
		}
	}
}

func (s *Station) scanLoop(ctx context.Context) error {
	var consoleLines <-chan string
	if s.console != s.scanner {
		consoleLines = s.console.Lines()
	}

	for s.ctrl.Phase() == workflow.PhaseScanLoop {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.scanner.Done():
			s.decoder.Finalize()
			s.drainTokens(ctx)
			if s.ctrl.Phase() != workflow.PhaseScanLoop {
				return nil
			}
			return scanner.ErrClosed
		case token := <-s.tokens:
			s.ctrl.HandleToken(ctx, token)
		case <-s.menu:
			s.openMenu(ctx, "")
		case line := <-consoleLines:
			s.guardian.Suspend()
			_ = s.scanner.Blur()
			s.openMenu(ctx, line)
		}
	}
	return nil
}

func (s *Station) drainTokens(ctx context.Context) {
	for {
		select {
		case token := <-s.tokens:
			s.ctrl.HandleToken(ctx, token)
		default:
			return
		}
	}
}

// openMenu runs one operator command with the guardian already suspended
// and hands focus back afterwards. line is the command when it was already
// typed on a separate console.
func (s *Station) openMenu(ctx context.Context, line string) {
	defer func() {
		s.guardian.Resume()
		if s.ctrl.Phase() == workflow.PhaseScanLoop {
			_ = s.scanner.Focus()
		}
	}()

	if line == "" {
		var err error
		line, err = s.prompt(ctx, "command (done | unscan CODE | list | back | blank to resume): ")
		if err != nil {
			return
		}
	}
	s.runScanCommand(ctx, line)
}

func (s *Station) runScanCommand(ctx context.Context, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch strings.ToLower(fields[0]) {
	case "done", "d":
		_ = s.ctrl.FinishScanning()
	case "unscan", "u":
		if len(fields) < 2 {
			fmt.Fprintln(s.out, "usage: unscan CODE")
			return
		}
		if err := s.ctrl.Unscan(ctx, fields[1]); err == nil {
			fmt.Fprintf(s.out, "   %s returned to the open list.\n", strings.ToUpper(fields[1]))
		}
	case "list", "l":
		s.printLists()
	case "back", "b":
		_ = s.ctrl.Back(ctx)
	default:
		fmt.Fprintf(s.out, "unknown command %q\n", fields[0])
	}
}

func (s *Station) confirmLoop(ctx context.Context) error {
	for {
		switch s.ctrl.Phase() {
		case workflow.PhaseDone:
			fmt.Fprintf(s.out, "Done: %s\n", s.ctrl.Snapshot().Message)
			return nil
		case workflow.PhaseError:
			msg := s.ctrl.Snapshot().Message
			_ = s.ctrl.Back(ctx)
			return fmt.Errorf("session closed by warehouse: %s", msg)
		case workflow.PhaseSelectEntity:
			fmt.Fprintln(s.out, "Session abandoned.")
			return nil
		}

		s.printProofs()
		line, err := s.prompt(ctx, "confirm (photo | reg [VALUE] | sign | list | submit | back): ")
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "photo", "p":
			_ = s.ctrl.CapturePhoto(ctx)
		case "reg", "r":
			value := strings.Join(fields[1:], " ")
			if value == "" {
				if value, err = s.prompt(ctx, "registration: "); err != nil {
					return err
				}
			}
			if err := s.ctrl.SetRegistration(value); err != nil {
				fmt.Fprintf(s.out, "!! %v\n", err)
			}
		case "sign", "s":
			_ = s.ctrl.CaptureSignature(ctx)
		case "list", "l":
			s.printLists()
		case "submit":
			_, _ = s.ctrl.Submit(ctx)
		case "back", "b":
			_ = s.ctrl.Back(ctx)
		default:
			fmt.Fprintf(s.out, "unknown command %q\n", fields[0])
		}
	}
}

func (s *Station) printLists() {
	snap := s.ctrl.Snapshot()
	fmt.Fprintf(s.out, "   scanned (%d): %s\n", len(snap.Processed), strings.Join(snap.Processed, " "))
	fmt.Fprintf(s.out, "   open    (%d): %s\n", len(snap.Eligible), strings.Join(snap.Eligible, " "))
}

func (s *Station) printProofs() {
	p := s.ctrl.Snapshot().Proofs
	show := func(label string, ok bool, value string) {
		mark := "missing"
		if ok {
			mark = value
		}
		fmt.Fprintf(s.out, "   %-12s %s\n", label, mark)
	}
	show("photo", p.Photo != nil, assetName(p.Photo))
	show("registration", p.Registration != "", p.Registration)
	show("signature", p.Signature != nil, assetName(p.Signature))
}

func assetName(a *internal.Asset) string {
	if a == nil {
		return ""
	}
	return a.Name
}

func (s *Station) onKey(ev internal.KeystrokeEvent) {
	if ev.Key == "Escape" && s.ctrl.Phase() == workflow.PhaseScanLoop {
		s.guardian.Suspend()
		_ = s.scanner.Blur()
		select {
		case s.menu <- struct{}{}:
		default:
			s.guardian.Resume()
		}
		return
	}
	s.decoder.OnKey(ev)
}

func (s *Station) emit(token internal.ScanToken) {
	select {
	case s.tokens <- token:
	case <-s.ctx.Done():
	}
}

func (s *Station) prompt(ctx context.Context, question string) (string, error) {
	return s.console.Prompt(ctx, s.out, question)
}

func (s *Station) ask(ctx context.Context, question string) (string, error) {
	return s.prompt(ctx, question)
}
