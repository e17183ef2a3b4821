package manifest

import (
	"regexp"
	"strings"
)

type DetectResult struct {
	IsManifest bool
	Score      float64
	Reason     string
	EntityID   string
}

var (
	detectKeywords = []string{"manifest", "dispatch", "collection", "cage", "carrier", "load list", "parcels"}
	reEntityRef    = regexp.MustCompile(`(?i)\b(?:carrier|cage)\b\s*(?:id|no\.?|#)?\s*[:#]?\s*([A-Z0-9][A-Z0-9-]*[0-9][A-Z0-9-]*)`)
)

// DetectManifest scores a message as a carrier manifest and pulls the entity
// reference ("Carrier: C-1", "cage #K9") from the subject or body.
func DetectManifest(subject, text string, codeCount int, attachmentNames []string) DetectResult {
	lowerSubject := strings.ToLower(subject)
	lowerText := strings.ToLower(text)

	score := 0.0
	for _, kw := range detectKeywords {
		if strings.Contains(lowerSubject, kw) {
			score += 0.2
		}
		if strings.Contains(lowerText, kw) {
			score += 0.05
		}
	}

	if codeCount >= 2 {
		score += 0.4
	} else if codeCount == 1 {
		score += 0.2
	}

	for _, name := range attachmentNames {
		ln := strings.ToLower(name)
		if strings.HasSuffix(ln, ".xlsx") || strings.HasSuffix(ln, ".xls") || strings.HasSuffix(ln, ".pdf") || strings.HasSuffix(ln, ".csv") {
			score += 0.25
			break
		}
	}
	if score > 1 {
		score = 1
	}

	entityID := EntityRef(subject)
	if entityID == "" {
		entityID = EntityRef(text)
	}

	res := DetectResult{Score: score, Reason: "rules_negative", EntityID: entityID}
	switch {
	case codeCount == 0:
		res.Reason = "no_codes"
	case entityID == "":
		res.Reason = "no_entity"
	case score >= 0.45:
		res.IsManifest = true
		res.Reason = "rules_positive"
	}
	return res
}

func EntityRef(text string) string {
	m := reEntityRef.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return strings.ToUpper(strings.Trim(m[1], "-"))
}
