package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cagescan/internal"
	"cagescan/internal/capture"
	"cagescan/internal/scan"
)

type Backend interface {
	FetchEligibleCodes(ctx context.Context, entityID string) ([]string, error)
	SubmitReconciliation(ctx context.Context, entityID string, codes []string, proofs internal.Proofs) (internal.SubmitResult, error)
	MarkArrival(ctx context.Context, entityRef string, at time.Time) error
}

type Capturer interface {
	CaptureImage(ctx context.Context, reference, kind string) (internal.Asset, error)
	CaptureSignature(ctx context.Context, entityName string, at time.Time) (internal.Asset, error)
}

type Notifier interface {
	Alert(title, message string)
	Toast(message string)
}

// Journal records sessions locally. Failures are logged and never block the
// operator.
type Journal interface {
	StartSession(ctx context.Context, profile string, entity internal.Entity) (string, error)
	RecordScan(ctx context.Context, sessionID, code, disposition, message string) error
	FinishSession(ctx context.Context, sessionID, status string, proofs internal.Proofs, message string) error
}

// Guardian is the part of scan.Guardian the controller drives.
type Guardian interface {
	Start()
	Stop()
	Suspend()
	Resume()
	RearmAfter(d time.Duration)
}

const (
	SessionScanning  = "scanning"
	SessionSubmitted = "submitted"
	SessionRejected  = "rejected"
	SessionAbandoned = "abandoned"

	eventUnscan = "UNSCAN"
)

type Options struct {
	Profile    Profile
	Backend    Backend
	Capturer   Capturer
	Notifier   Notifier
	Guardian   Guardian
	Journal    Journal
	Feedback   scan.Feedback
	MinLength  int
	RearmDelay time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

type Snapshot struct {
	Phase     Phase
	Entity    internal.Entity
	Eligible  []string
	Processed []string
	Proofs    internal.Proofs
	InFlight  bool
	Message   string
}

// Controller drives one station screen from entity selection to submission.
type Controller struct {
	mu        sync.Mutex
	opts      Options
	phase     Phase
	entity    internal.Entity
	session   *scan.Session
	sessionID string
	proofs    internal.Proofs
	inFlight  bool
	fetching  bool
	message   string
	// selection is bumped by Back so a fetch that outlives its screen is
	// discarded when it returns.
	selection uint64
}

func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RearmDelay <= 0 {
		opts.RearmDelay = 100 * time.Millisecond
	}
	if opts.Profile.Name == "" {
		opts.Profile = Dispatch
	}
	return &Controller{opts: opts, phase: PhaseSelectEntity}
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) Profile() Profile { return c.opts.Profile }

// SelectEntity fetches the eligible codes once and enters the scan loop.
// On failure the controller stays in SelectEntity and the call can be retried.
func (c *Controller) SelectEntity(ctx context.Context, entity internal.Entity) error {
	entity.ID = strings.TrimSpace(entity.ID)
	if entity.ID == "" {
		return fmt.Errorf("%s id is required", c.opts.Profile.EntityNoun)
	}
	if strings.TrimSpace(entity.Name) == "" {
		entity.Name = entity.ID
	}

	c.mu.Lock()
	if c.phase != PhaseSelectEntity || c.fetching {
		phase := c.phase
		c.mu.Unlock()
		return phaseError("select entity", phase)
	}
	c.fetching = true
	gen := c.selection
	c.mu.Unlock()

	codes, err := c.opts.Backend.FetchEligibleCodes(ctx, entity.ID)
	if err != nil {
		c.mu.Lock()
		stale := c.selection != gen
		if !stale {
			c.fetching = false
		}
		c.mu.Unlock()
		if stale {
			return ErrSelectionCancelled
		}
		c.alert(fmt.Sprintf("Unable to load %ss", c.opts.Profile.Noun), err.Error())
		return err
	}
	if c.selectionStale(gen) {
		return ErrSelectionCancelled
	}
	sessionID := c.startJournal(ctx, entity)

	c.mu.Lock()
	if c.selection != gen || c.phase != PhaseSelectEntity {
		c.mu.Unlock()
		c.finishJournal(ctx, sessionID, SessionAbandoned, internal.Proofs{}, "")
		return ErrSelectionCancelled
	}
	c.fetching = false
	c.entity = entity
	c.sessionID = sessionID
	c.session = scan.NewSession(entity, codes, scan.SessionOptions{
		MinLength: c.opts.MinLength,
		Noun:      c.opts.Profile.Noun,
		Feedback:  c.opts.Feedback,
		Logger:    c.opts.Logger,
	})
	c.proofs = internal.Proofs{}
	c.message = ""
	c.phase = PhaseScanLoop
	remaining := c.session.Remaining()
	c.mu.Unlock()

	if c.opts.Guardian != nil {
		c.opts.Guardian.Start()
	}
	if remaining == 0 {
		c.toast(fmt.Sprintf("No %ss are open for %s.", c.opts.Profile.Noun, entity.Name))
	}
	return nil
}

// HandleToken reconciles a decoded scan. It never returns an error: every
// outcome is a disposition.
func (c *Controller) HandleToken(ctx context.Context, token internal.ScanToken) internal.ScanResult {
	c.mu.Lock()
	session, sessionID, phase := c.session, c.sessionID, c.phase
	c.mu.Unlock()
	if phase != PhaseScanLoop || session == nil {
		return internal.ScanResult{Disposition: internal.DispositionNoise, Code: token.Normalized}
	}

	res := session.Reconcile(ctx, token)
	switch res.Disposition {
	case internal.DispositionDuplicate:
		c.alert("Already scanned", res.Message)
	case internal.DispositionUnknown:
		c.alert(fmt.Sprintf("Unknown %s", c.opts.Profile.Noun), res.Message)
	case internal.DispositionAccepted:
		c.toast(fmt.Sprintf("%s scanned, %d remaining.", res.Code, session.Remaining()))
	}
	if res.Disposition != internal.DispositionNoise {
		c.journalScan(ctx, sessionID, res.Code, string(res.Disposition), res.Message)
	}
	if c.opts.Guardian != nil {
		c.opts.Guardian.RearmAfter(c.opts.RearmDelay)
	}

	if res.Disposition == internal.DispositionAccepted && session.Remaining() == 0 {
		if err := c.FinishScanning(); err != nil && !errors.Is(err, ErrWrongPhase) {
			c.opts.Logger.Warn("auto finish failed", "error", err)
		}
	}
	return res
}

func (c *Controller) Unscan(ctx context.Context, code string) error {
	c.mu.Lock()
	session, sessionID := c.session, c.sessionID
	c.mu.Unlock()
	if session == nil {
		return phaseError("unscan", c.Phase())
	}

	if err := session.Unscan(code); err != nil {
		c.alert("Unscan failed", err.Error())
		return err
	}
	c.journalScan(ctx, sessionID, strings.ToUpper(strings.TrimSpace(code)), eventUnscan, "")
	return nil
}

// FinishScanning locks the session and moves to Confirm.
func (c *Controller) FinishScanning() error {
	c.mu.Lock()
	if c.phase != PhaseScanLoop {
		phase := c.phase
		c.mu.Unlock()
		return phaseError("finish scanning", phase)
	}
	if len(c.session.Processed()) == 0 {
		c.mu.Unlock()
		c.alert("Nothing scanned", fmt.Sprintf("Scan at least one %s before continuing.", c.opts.Profile.Noun))
		return ErrNothingScanned
	}
	c.session.Lock()
	c.phase = PhaseConfirm
	c.mu.Unlock()

	if c.opts.Guardian != nil {
		c.opts.Guardian.Stop()
	}
	return nil
}

// CapturePhoto takes or retakes the photo proof. Other proofs are untouched.
func (c *Controller) CapturePhoto(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseConfirm {
		phase := c.phase
		c.mu.Unlock()
		return phaseError("capture photo", phase)
	}
	reference := c.proofs.Registration
	if reference == "" {
		reference = c.entity.ID
	}
	c.mu.Unlock()

	asset, err := c.withModal(func() (internal.Asset, error) {
		return c.opts.Capturer.CaptureImage(ctx, reference, c.opts.Profile.PhotoKind)
	})
	if err != nil {
		c.captureFailed("Photo", err)
		return err
	}

	c.mu.Lock()
	c.proofs.Photo = &asset
	c.mu.Unlock()
	return nil
}

func (c *Controller) SetRegistration(registration string) error {
	registration = strings.ToUpper(strings.TrimSpace(registration))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseConfirm {
		return phaseError("set registration", c.phase)
	}
	if len(registration) < 3 {
		return ErrInvalidRegistration
	}
	c.proofs.Registration = registration
	return nil
}

func (c *Controller) CaptureSignature(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseConfirm {
		phase := c.phase
		c.mu.Unlock()
		return phaseError("capture signature", phase)
	}
	name := c.entity.Name
	c.mu.Unlock()

	asset, err := c.withModal(func() (internal.Asset, error) {
		return c.opts.Capturer.CaptureSignature(ctx, name, c.opts.Now())
	})
	if err != nil {
		c.captureFailed("Signature", err)
		return err
	}

	c.mu.Lock()
	c.proofs.Signature = &asset
	c.mu.Unlock()
	return nil
}

// Submit sends the processed codes and proofs exactly once. On failure the
// proofs are kept and the controller returns to Confirm, or to Error when the
// backend says the entity can no longer be submitted.
func (c *Controller) Submit(ctx context.Context) (internal.SubmitResult, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return internal.SubmitResult{}, ErrSubmissionInFlight
	}
	if c.phase != PhaseConfirm {
		phase := c.phase
		c.mu.Unlock()
		return internal.SubmitResult{}, phaseError("submit", phase)
	}
	if err := missingProof(c.proofs); err != nil {
		c.mu.Unlock()
		c.alert("Missing proof", err.Error())
		return internal.SubmitResult{}, err
	}
	c.inFlight = true
	c.phase = PhaseSubmitting
	entity, sessionID, proofs := c.entity, c.sessionID, c.proofs
	codes := c.session.Processed()
	c.mu.Unlock()

	res, err := c.opts.Backend.SubmitReconciliation(ctx, entity.ID, codes, proofs)

	c.mu.Lock()
	c.inFlight = false
	if err != nil {
		c.phase = PhaseConfirm
		status := ""
		if isPermanent(err) {
			c.phase = PhaseError
			status = SessionRejected
		}
		c.message = err.Error()
		c.mu.Unlock()

		c.alert("Submission failed", err.Error())
		if status != "" {
			c.finishJournal(ctx, sessionID, status, proofs, err.Error())
		}
		return internal.SubmitResult{}, err
	}

	if strings.TrimSpace(res.Message) == "" {
		res.Message = c.opts.Profile.Summary(len(codes), entity.Name)
	}
	c.message = res.Message
	c.phase = PhaseDone
	c.mu.Unlock()

	c.toast(res.Message)
	c.finishJournal(ctx, sessionID, SessionSubmitted, proofs, res.Message)

	// The submission stands even if this fails.
	if err := c.opts.Backend.MarkArrival(ctx, entity.ID, c.opts.Now()); err != nil {
		c.opts.Logger.Warn("mark arrival failed", "profile", c.opts.Profile.Name, "entity", entity.ID, "error", err)
	}
	return res, nil
}

// Back abandons the current entity and returns to SelectEntity.
func (c *Controller) Back(ctx context.Context) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return ErrSubmissionInFlight
	}
	prev, sessionID, proofs := c.phase, c.sessionID, c.proofs
	c.selection++
	c.fetching = false
	if c.session != nil {
		c.session.Lock()
	}
	c.phase = PhaseSelectEntity
	c.entity = internal.Entity{}
	c.session = nil
	c.sessionID = ""
	c.proofs = internal.Proofs{}
	c.message = ""
	c.mu.Unlock()

	if c.opts.Guardian != nil {
		c.opts.Guardian.Stop()
	}
	if prev == PhaseScanLoop || prev == PhaseConfirm {
		c.finishJournal(ctx, sessionID, SessionAbandoned, proofs, "")
	}
	return nil
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Phase:    c.phase,
		Entity:   c.entity,
		Proofs:   c.proofs,
		InFlight: c.inFlight,
		Message:  c.message,
	}
	if c.session != nil {
		snap.Eligible = c.session.Eligible()
		snap.Processed = c.session.Processed()
	}
	return snap
}

func missingProof(p internal.Proofs) error {
	switch {
	case p.Photo == nil:
		return &MissingProofError{Field: "photo"}
	case len(strings.TrimSpace(p.Registration)) < 3:
		return &MissingProofError{Field: "registration"}
	case p.Signature == nil:
		return &MissingProofError{Field: "signature"}
	}
	return nil
}

func (c *Controller) withModal(fn func() (internal.Asset, error)) (internal.Asset, error) {
	if c.opts.Guardian != nil {
		c.opts.Guardian.Suspend()
		defer c.opts.Guardian.Resume()
	}
	return fn()
}

func (c *Controller) captureFailed(what string, err error) {
	switch {
	case errors.Is(err, capture.ErrCancelled):
		c.toast(what + " capture cancelled.")
	case errors.Is(err, capture.ErrPermissionDenied):
		c.alert("Permission denied", err.Error())
	default:
		c.alert(what+" capture failed", err.Error())
	}
}

func (c *Controller) alert(title, message string) {
	if c.opts.Notifier != nil {
		c.opts.Notifier.Alert(title, message)
	}
}

func (c *Controller) toast(message string) {
	if c.opts.Notifier != nil {
		c.opts.Notifier.Toast(message)
	}
}

func (c *Controller) selectionStale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selection != gen
}

func (c *Controller) startJournal(ctx context.Context, entity internal.Entity) string {
	if c.opts.Journal == nil {
		return ""
	}
	id, err := c.opts.Journal.StartSession(ctx, c.opts.Profile.Name, entity)
	if err != nil {
		c.opts.Logger.Warn("journal start failed", "entity", entity.ID, "error", err)
		return ""
	}
	return id
}

func (c *Controller) journalScan(ctx context.Context, sessionID, code, disposition, message string) {
	if c.opts.Journal == nil || sessionID == "" {
		return
	}
	if err := c.opts.Journal.RecordScan(ctx, sessionID, code, disposition, message); err != nil {
		c.opts.Logger.Warn("journal scan failed", "session", sessionID, "code", code, "error", err)
	}
}

func (c *Controller) finishJournal(ctx context.Context, sessionID, status string, proofs internal.Proofs, message string) {
	if c.opts.Journal == nil || sessionID == "" {
		return
	}
	if err := c.opts.Journal.FinishSession(ctx, sessionID, status, proofs, message); err != nil {
		c.opts.Logger.Warn("journal finish failed", "session", sessionID, "status", status, "error", err)
	}
}
