package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"cagescan/internal"
	"cagescan/internal/util"
)

const (
	CodeOpen      = "open"
	CodeSubmitted = "submitted"

	PendingSync = "pending_sync"
	Synced      = "synced"
	Rejected    = "rejected"
)

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  profile TEXT NOT NULL,
  entityId TEXT NOT NULL,
  entityName TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'scanning',
  registration TEXT,
  photoRef TEXT,
  signatureRef TEXT,
  message TEXT,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_entity ON sessions(entityId);

CREATE TABLE IF NOT EXISTS scan_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  sessionId TEXT NOT NULL,
  code TEXT NOT NULL,
  disposition TEXT NOT NULL,
  message TEXT,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(sessionId) REFERENCES sessions(id)
);
CREATE INDEX IF NOT EXISTS idx_scan_events_session ON scan_events(sessionId);

CREATE TABLE IF NOT EXISTS manifests (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  provider TEXT NOT NULL,
  messageId TEXT NOT NULL,
  subject TEXT NOT NULL DEFAULT '',
  sender TEXT NOT NULL DEFAULT '',
  receivedAt TEXT NOT NULL DEFAULT '',
  hash TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'fetched',
  rawRef TEXT NOT NULL,
  entityId TEXT,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(provider, messageId)
);

CREATE TABLE IF NOT EXISTS eligible_codes (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  entityId TEXT NOT NULL,
  code TEXT NOT NULL,
  source TEXT NOT NULL,
  manifestId INTEGER,
  metaJson TEXT NOT NULL DEFAULT '{}',
  status TEXT NOT NULL DEFAULT 'open',
  importedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(entityId, code),
  FOREIGN KEY(manifestId) REFERENCES manifests(id)
);

CREATE TABLE IF NOT EXISTS pending_submissions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  profile TEXT NOT NULL,
  entityId TEXT NOT NULL,
  codesJson TEXT NOT NULL,
  registration TEXT NOT NULL,
  photoRef TEXT NOT NULL,
  signatureRef TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending_sync',
  attempts INTEGER NOT NULL DEFAULT 0,
  lastError TEXT,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  traceId TEXT NOT NULL,
  manifestId INTEGER,
  timingsJson TEXT NOT NULL,
  countsJson TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(manifestId) REFERENCES manifests(id)
);

CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

	_, err := d.conn.Exec(schema)
	return err
}

// StartSession opens a journal entry for a scan session and returns its ID.
func (d *DB) StartSession(ctx context.Context, profile string, entity internal.Entity) (string, error) {
	id := uuid.NewString()
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO sessions (id, profile, entityId, entityName) VALUES (?, ?, ?, ?)
`, id, profile, entity.ID, entity.Name)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (d *DB) RecordScan(ctx context.Context, sessionID, code, disposition, message string) error {
	var msg *string
	if message != "" {
		msg = util.StringPtr(message)
	}
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO scan_events (sessionId, code, disposition, message) VALUES (?, ?, ?, ?)
`, sessionID, code, disposition, msg)
	return err
}

func (d *DB) FinishSession(ctx context.Context, sessionID, status string, proofs internal.Proofs, message string) error {
	var photoRef, signatureRef, registration, msg *string
	if proofs.Photo != nil {
		photoRef = util.StringPtr(proofs.Photo.URI)
	}
	if proofs.Signature != nil {
		signatureRef = util.StringPtr(proofs.Signature.URI)
	}
	if proofs.Registration != "" {
		registration = util.StringPtr(proofs.Registration)
	}
	if message != "" {
		msg = util.StringPtr(message)
	}

	res, err := d.conn.ExecContext(ctx, `
UPDATE sessions
SET status = ?, registration = ?, photoRef = ?, signatureRef = ?, message = ?, updatedAt = CURRENT_TIMESTAMP
WHERE id = ?
`, status, registration, photoRef, signatureRef, msg, sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return nil
}

func (d *DB) GetSession(id string) (*internal.SessionRow, error) {
	var row internal.SessionRow
	err := d.conn.QueryRow(`
SELECT id, profile, entityId, entityName, status, registration, photoRef, signatureRef, message, createdAt, updatedAt
FROM sessions WHERE id = ?
`, id).Scan(
		&row.ID, &row.Profile, &row.EntityID, &row.EntityName, &row.Status,
		&row.Registration, &row.PhotoRef, &row.SignatureRef, &row.Message, &row.CreatedAt, &row.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (d *DB) ListScanEvents(sessionID string) ([]internal.ScanEventRow, error) {
	rows, err := d.conn.Query(`
SELECT id, sessionId, code, disposition, message, createdAt
FROM scan_events WHERE sessionId = ? ORDER BY id ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.ScanEventRow
	for rows.Next() {
		var row internal.ScanEventRow
		if err := rows.Scan(&row.ID, &row.SessionID, &row.Code, &row.Disposition, &row.Message, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) GetSessionExportRows(sessionID string) ([]internal.SessionExportRow, error) {
	events, err := d.ListScanEvents(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]internal.SessionExportRow, 0, len(events))
	for i, e := range events {
		out = append(out, internal.SessionExportRow{
			Seq:         i + 1,
			Code:        e.Code,
			Disposition: e.Disposition,
			Message:     util.DerefString(e.Message),
			ScannedAt:   e.CreatedAt,
		})
	}
	return out, nil
}

// ReplaceEligibleCodes swaps the open codes of an entity for a freshly
// imported list. Codes already submitted are kept and not reopened.
func (d *DB) ReplaceEligibleCodes(entityID string, manifestID *int, codes []internal.ManifestCode) (int, error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM eligible_codes WHERE entityId = ? AND status = ?`, entityID, CodeOpen); err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(`
INSERT INTO eligible_codes (entityId, code, source, manifestId, metaJson, status)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(entityId, code) DO NOTHING
`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range codes {
		metaJSON, _ := json.Marshal(c.Meta)
		res, err := stmt.Exec(entityID, c.Code, string(c.Source), manifestID, string(metaJSON), CodeOpen)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (d *DB) ListEligibleCodes(ctx context.Context, entityID string) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, `
SELECT code FROM eligible_codes WHERE entityId = ? AND status = ? ORDER BY id ASC
`, entityID, CodeOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, rows.Err()
}

func (d *DB) MarkCodesSubmitted(ctx context.Context, entityID string, codes []string) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, code := range codes {
		if _, err := tx.ExecContext(ctx, `UPDATE eligible_codes SET status = ? WHERE entityId = ? AND code = ?`, CodeSubmitted, entityID, code); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *DB) InsertPendingSubmission(ctx context.Context, profile, entityID string, codes []string, proofs internal.Proofs) (int64, error) {
	if proofs.Photo == nil || proofs.Signature == nil {
		return 0, errors.New("pending submission requires photo and signature")
	}
	codesJSON, _ := json.Marshal(codes)
	res, err := d.conn.ExecContext(ctx, `
INSERT INTO pending_submissions (profile, entityId, codesJson, registration, photoRef, signatureRef, status)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, profile, entityID, string(codesJSON), proofs.Registration, proofs.Photo.URI, proofs.Signature.URI, PendingSync)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *DB) ListPendingSubmissions(limit int) ([]internal.PendingSubmissionRow, error) {
	rows, err := d.conn.Query(`
SELECT id, profile, entityId, codesJson, registration, photoRef, signatureRef, status, attempts, lastError, createdAt
FROM pending_submissions WHERE status = ? ORDER BY id ASC LIMIT ?
`, PendingSync, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.PendingSubmissionRow
	for rows.Next() {
		var row internal.PendingSubmissionRow
		var codesJSON string
		if err := rows.Scan(
			&row.ID, &row.Profile, &row.EntityID, &codesJSON, &row.Registration,
			&row.PhotoRef, &row.SignatureRef, &row.Status, &row.Attempts, &row.LastError, &row.CreatedAt,
		); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(codesJSON), &row.Codes)
		out = append(out, row)
	}
	return out, rows.Err()
}

// UpdatePendingSubmission records a sync attempt; lastErr is nil on success.
func (d *DB) UpdatePendingSubmission(id int, status string, lastErr *string) error {
	_, err := d.conn.Exec(`
UPDATE pending_submissions
SET status = ?, attempts = attempts + 1, lastError = ?, updatedAt = CURRENT_TIMESTAMP
WHERE id = ?
`, status, lastErr, id)
	return err
}

func (d *DB) UpsertManifest(provider, messageID, subject, sender, receivedAt, hash, rawRef, status string) (internal.ManifestRow, error) {
	_, err := d.conn.Exec(`
INSERT INTO manifests (provider, messageId, subject, sender, receivedAt, hash, status, rawRef)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, messageId) DO UPDATE SET
  subject=excluded.subject,
  sender=excluded.sender,
  receivedAt=excluded.receivedAt,
  hash=excluded.hash,
  rawRef=excluded.rawRef,
  updatedAt=CURRENT_TIMESTAMP
`, provider, messageID, subject, sender, receivedAt, hash, status, rawRef)
	if err != nil {
		return internal.ManifestRow{}, err
	}

	row, err := d.GetManifestByProviderMessageID(provider, messageID)
	if err != nil {
		return internal.ManifestRow{}, err
	}
	if row == nil {
		return internal.ManifestRow{}, errors.New("failed to upsert manifest")
	}
	return *row, nil
}

const manifestColumns = `id, provider, messageId, subject, sender, receivedAt, hash, status, rawRef, entityId`

func scanManifest(s interface{ Scan(...any) error }) (internal.ManifestRow, error) {
	var row internal.ManifestRow
	err := s.Scan(&row.ID, &row.Provider, &row.MessageID, &row.Subject, &row.Sender, &row.ReceivedAt, &row.Hash, &row.Status, &row.RawRef, &row.EntityID)
	return row, err
}

func (d *DB) GetManifestByProviderMessageID(provider, messageID string) (*internal.ManifestRow, error) {
	row, err := scanManifest(d.conn.QueryRow(`SELECT `+manifestColumns+` FROM manifests WHERE provider = ? AND messageId = ?`, provider, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (d *DB) GetManifestByID(id int) (*internal.ManifestRow, error) {
	row, err := scanManifest(d.conn.QueryRow(`SELECT `+manifestColumns+` FROM manifests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (d *DB) ListManifestsByStatus(status string, limit int) ([]internal.ManifestRow, error) {
	rows, err := d.conn.Query(`SELECT `+manifestColumns+` FROM manifests WHERE status = ? ORDER BY receivedAt ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.ManifestRow
	for rows.Next() {
		row, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) UpdateManifestStatus(manifestID int, status string) error {
	_, err := d.conn.Exec(`UPDATE manifests SET status = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?`, status, manifestID)
	return err
}

func (d *DB) SetManifestEntity(manifestID int, entityID string) error {
	_, err := d.conn.Exec(`UPDATE manifests SET entityId = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?`, entityID, manifestID)
	return err
}

func (d *DB) InsertRun(traceID string, manifestID *int, timings map[string]float64, counts map[string]int) error {
	timingsJSON, _ := json.Marshal(timings)
	countsJSON, _ := json.Marshal(counts)
	_, err := d.conn.Exec(`INSERT INTO runs (traceId, manifestId, timingsJson, countsJson) VALUES (?, ?, ?, ?)`, traceID, manifestID, string(timingsJSON), string(countsJSON))
	return err
}

func (d *DB) SetMetadata(key, value string) error {
	_, err := d.conn.Exec(`
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`, key, value)
	return err
}

func (d *DB) GetMetadata(key string) (*string, error) {
	var value string
	err := d.conn.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}
