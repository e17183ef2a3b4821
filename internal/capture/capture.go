package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cagescan/internal"
	"cagescan/internal/util"
)

var (
	ErrCancelled        = errors.New("capture cancelled")
	ErrPermissionDenied = errors.New("capture permission denied")
)

// AskFunc shows a prompt and returns the operator's answer.
type AskFunc func(ctx context.Context, prompt string) (string, error)

func ImageName(reference, kind string) string {
	return fmt.Sprintf("%s-%s.jpg", util.SanitizeFileName(reference), util.SanitizeFileName(kind))
}

func SignatureName(entityName string, at time.Time) string {
	return fmt.Sprintf("%s-%s_%s-Signature.jpg", util.SanitizeFileName(entityName), at.Format("2006-01-02"), at.Format("15-04-05"))
}

// Files captures proofs by asking the operator for an image already taken on
// the station (camera roll, signature pad export) and copying it into dir
// under the conventional name.
type Files struct {
	dir string
	ask AskFunc
}

func NewFiles(dir string, ask AskFunc) *Files {
	return &Files{dir: dir, ask: ask}
}

func (f *Files) CaptureImage(ctx context.Context, reference, kind string) (internal.Asset, error) {
	return f.capture(ctx, fmt.Sprintf("%s photo path (blank to cancel): ", kind), ImageName(reference, kind))
}

func (f *Files) CaptureSignature(ctx context.Context, entityName string, at time.Time) (internal.Asset, error) {
	return f.capture(ctx, "signature image path (blank to cancel): ", SignatureName(entityName, at))
}

func (f *Files) capture(ctx context.Context, prompt, name string) (internal.Asset, error) {
	answer, err := f.ask(ctx, prompt)
	if err != nil {
		return internal.Asset{}, err
	}
	src := strings.TrimSpace(answer)
	if src == "" {
		return internal.Asset{}, ErrCancelled
	}

	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return internal.Asset{}, fmt.Errorf("%w: %s", ErrPermissionDenied, src)
		}
		return internal.Asset{}, err
	}
	defer in.Close()

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return internal.Asset{}, err
	}
	dest := filepath.Join(f.dir, name)
	out, err := os.Create(dest)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return internal.Asset{}, fmt.Errorf("%w: %s", ErrPermissionDenied, dest)
		}
		return internal.Asset{}, err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return internal.Asset{}, err
	}
	if err := out.Close(); err != nil {
		return internal.Asset{}, err
	}

	return internal.Asset{URI: dest, Name: name}, nil
}
