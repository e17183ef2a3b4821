package util

import (
	"regexp"
	"strings"
)

var (
	reSeparators = regexp.MustCompile(`[\s,;|]+`)
	reFileUnsafe = strings.NewReplacer("<", "_", ">", "_", ":", "_", "/", "_", "\\", "_", "|", "_", "?", "_", "*", "_", "\"", "_")
)

// NormalizeScan is the normalization applied to every decoded scan and every
// code fetched from the backend, so both sides compare equal.
func NormalizeScan(input string) string {
	return strings.ToUpper(strings.TrimSpace(input))
}

// IsScanCode reports whether a normalized code has at least minLength
// characters, all in [A-Z0-9].
func IsScanCode(code string, minLength int) bool {
	if len(code) < minLength || code == "" {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// NormalizeCode strips a manifest cell down to scanner charset.
func NormalizeCode(input string) string {
	s := strings.ToUpper(input)
	out := strings.Builder{}
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out.WriteRune(r)
		}
	}
	return out.String()
}

func Tokenize(input string) []string {
	parts := reSeparators.Split(strings.TrimSpace(input), -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, ".:()[]{}\"'")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LooksLikeCode accepts tokens mixing letters and digits, which is how cage
// and parcel labels are printed. Plain words and plain numbers are rejected.
func LooksLikeCode(input string) bool {
	if len(strings.TrimSpace(input)) < 3 {
		return false
	}
	hasLetter := false
	hasDigit := false
	for _, r := range input {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
			hasLetter = true
		}
		if r >= '0' && r <= '9' {
			hasDigit = true
		}
	}
	return hasLetter && hasDigit
}

func SanitizeFileName(input string) string {
	out := reFileUnsafe.Replace(strings.TrimSpace(input))
	out = strings.ReplaceAll(out, " ", "_")
	if len(out) > 120 {
		out = out[:120]
	}
	return out
}

func StringPtr(v string) *string { return &v }

func DerefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
