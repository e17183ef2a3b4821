package manifest

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"cagescan/internal"
	"cagescan/internal/config"
	"cagescan/internal/storage"
	"cagescan/internal/util"
)

const (
	StatusFetched   = "fetched"
	StatusProcessed = "processed"
	StatusSkipped   = "skipped"
)

type ImportService struct {
	db  *storage.DB
	cfg config.Config
}

func NewImportService(db *storage.DB, cfg config.Config) *ImportService {
	return &ImportService{db: db, cfg: cfg}
}

type ImportResult struct {
	ManifestID int
	EntityID   string
	Extracted  int
	Inserted   int
	Reason     string
}

// ImportFile loads a manifest file for an entity given on the command line.
func (s *ImportService) ImportFile(entityID, inputType, path string) (ImportResult, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return ImportResult{}, fmt.Errorf("entity id is required")
	}
	start := time.Now()

	codes, err := ExtractCodesFromInput(inputType, path)
	if err != nil {
		return ImportResult{}, err
	}
	if len(codes) == 0 {
		return ImportResult{}, fmt.Errorf("no codes found in %s", path)
	}

	inserted, err := s.db.ReplaceEligibleCodes(entityID, nil, codes)
	if err != nil {
		return ImportResult{}, err
	}
	_ = s.db.InsertRun(traceID(), nil, map[string]float64{"totalMs": float64(time.Since(start).Milliseconds())}, map[string]int{"extracted": len(codes), "inserted": inserted})

	return ImportResult{EntityID: entityID, Extracted: len(codes), Inserted: inserted}, nil
}

func (s *ImportService) ProcessByProviderMessageID(provider, messageID string) (ImportResult, error) {
	row, err := s.db.GetManifestByProviderMessageID(provider, messageID)
	if err != nil {
		return ImportResult{}, err
	}
	if row == nil {
		return ImportResult{}, fmt.Errorf("manifest not found: provider=%s messageId=%s", provider, messageID)
	}
	return s.ProcessManifest(*row)
}

func (s *ImportService) ProcessPending(limit int, provider string) (int, int, error) {
	pending, err := s.db.ListManifestsByStatus(StatusFetched, limit)
	if err != nil {
		return 0, 0, err
	}
	processedManifests := 0
	importedCodes := 0
	for _, m := range pending {
		if provider != "" && m.Provider != provider {
			continue
		}
		res, err := s.ProcessManifest(m)
		if err != nil {
			return processedManifests, importedCodes, err
		}
		processedManifests++
		importedCodes += res.Inserted
	}
	return processedManifests, importedCodes, nil
}

func (s *ImportService) ProcessManifest(m internal.ManifestRow) (ImportResult, error) {
	start := time.Now()
	raw, err := os.ReadFile(m.RawRef)
	if err != nil {
		return ImportResult{}, err
	}

	codes, subject, text, attachmentNames, err := ExtractCodesFromEmailRaw(raw)
	if err != nil {
		return ImportResult{}, err
	}

	detect := DetectManifest(firstNonEmpty(subject, m.Subject), text, len(codes), attachmentNames)
	if m.EntityID != nil && *m.EntityID != "" {
		detect.EntityID = *m.EntityID
	}
	codes = dropEntityRef(codes, detect.EntityID)

	if !detect.IsManifest || len(codes) == 0 {
		_ = s.db.UpdateManifestStatus(m.ID, StatusSkipped)
		_ = s.db.InsertRun(traceID(), &m.ID, map[string]float64{"totalMs": float64(time.Since(start).Milliseconds())}, map[string]int{"extracted": len(codes), "inserted": 0})
		return ImportResult{ManifestID: m.ID, EntityID: detect.EntityID, Extracted: len(codes), Reason: detect.Reason}, nil
	}

	if err := s.db.SetManifestEntity(m.ID, detect.EntityID); err != nil {
		return ImportResult{}, err
	}
	inserted, err := s.db.ReplaceEligibleCodes(detect.EntityID, &m.ID, codes)
	if err != nil {
		return ImportResult{}, err
	}
	if err := s.db.UpdateManifestStatus(m.ID, StatusProcessed); err != nil {
		return ImportResult{}, err
	}
	_ = s.db.InsertRun(traceID(), &m.ID, map[string]float64{"totalMs": float64(time.Since(start).Milliseconds())}, map[string]int{"extracted": len(codes), "inserted": inserted})

	return ImportResult{ManifestID: m.ID, EntityID: detect.EntityID, Extracted: len(codes), Inserted: inserted, Reason: detect.Reason}, nil
}

func ExtractCodesFromInput(inputType string, path string) ([]internal.ManifestCode, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch internal.ManifestSource(strings.ToLower(inputType)) {
	case internal.ManifestText:
		return dedupeCodes(parseText(string(blob), internal.ManifestText)), nil
	case internal.ManifestHTML:
		return dedupeCodes(parseHTMLTable(string(blob), internal.ManifestHTML)), nil
	case internal.ManifestXLSX:
		codes, err := parseXLSX(blob)
		return dedupeCodes(codes), err
	case internal.ManifestPDF:
		codes, err := parsePDF(blob)
		return dedupeCodes(codes), err
	case internal.ManifestEmail:
		codes, _, _, _, err := ExtractCodesFromEmailRaw(blob)
		return codes, err
	default:
		return nil, fmt.Errorf("unsupported input type: %s", inputType)
	}
}

// dropEntityRef removes the entity's own reference, which manifests quote in
// their header lines.
func dropEntityRef(codes []internal.ManifestCode, entityID string) []internal.ManifestCode {
	ref := util.NormalizeCode(entityID)
	if ref == "" {
		return codes
	}
	out := codes[:0]
	for _, c := range codes {
		if c.Code != ref {
			out = append(out, c)
		}
	}
	return out
}

func traceID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
