package manifest

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jhillyerd/enmime"
	pdf "github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"cagescan/internal"
	"cagescan/internal/util"
)

var (
	reSpaces = regexp.MustCompile(`\s+`)

	ignorePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^--+$`),
		regexp.MustCompile(`(?i)^(thanks|thank you|regards|kind regards)`),
		regexp.MustCompile(`(?i)^(tel|phone|e-?mail)[:\s]`),
		regexp.MustCompile(`(?i)^http`),
		regexp.MustCompile(`(?i)^(from|to|sent|subject|date):`),
	}

	codeHeaders = []string{"barcode", "cage", "parcel", "label", "tracking", "code", "ref"}
)

const minCodeLength = 3

// ExtractCodesFromEmailRaw reads every code-bearing part of a manifest email:
// the plain text body, HTML tables and xlsx/pdf/csv/txt attachments.
func ExtractCodesFromEmailRaw(raw []byte) ([]internal.ManifestCode, string, string, []string, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, "", "", nil, err
	}

	codes := make([]internal.ManifestCode, 0)
	if env.HTML != "" {
		codes = append(codes, parseHTMLTable(env.HTML, internal.ManifestEmail)...)
	}
	if env.Text != "" {
		codes = append(codes, parseText(env.Text, internal.ManifestEmail)...)
	}

	attachmentNames := make([]string, 0, len(env.Attachments))
	for _, att := range env.Attachments {
		filename := strings.TrimSpace(att.FileName)
		if filename == "" {
			filename = "attachment"
		}
		attachmentNames = append(attachmentNames, filename)

		var extra []internal.ManifestCode
		lower := strings.ToLower(filename)
		switch {
		case strings.HasSuffix(lower, ".xlsx") || strings.HasSuffix(lower, ".xls"):
			extra, err = parseXLSX(att.Content)
		case strings.HasSuffix(lower, ".pdf"):
			extra, err = parsePDF(att.Content)
		case strings.HasSuffix(lower, ".csv") || strings.HasSuffix(lower, ".txt"):
			extra, err = parseText(string(att.Content), internal.ManifestText), nil
		default:
			continue
		}
		if err != nil {
			continue
		}
		for i := range extra {
			if extra[i].Meta == nil {
				extra[i].Meta = map[string]any{}
			}
			extra[i].Meta["attachment"] = filename
		}
		codes = append(codes, extra...)
	}

	return dedupeCodes(codes), env.GetHeader("Subject"), env.Text, attachmentNames, nil
}

func parseText(text string, source internal.ManifestSource) []internal.ManifestCode {
	out := []internal.ManifestCode{}
	for lineNo, line := range splitLines(text) {
		if isLikelyNoise(line) {
			continue
		}
		for _, token := range util.Tokenize(line) {
			code, ok := toCode(token)
			if !ok {
				continue
			}
			out = append(out, internal.ManifestCode{
				Code:   code,
				Source: source,
				Meta:   map[string]any{"line": lineNo + 1},
			})
		}
	}
	return out
}

func parseHTMLTable(html string, source internal.ManifestSource) []internal.ManifestCode {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	out := []internal.ManifestCode{}
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		rows := table.Find("tr")
		if rows.Length() < 2 {
			return
		}

		headers := []string{}
		rows.First().Find("th,td").Each(func(_ int, cell *goquery.Selection) {
			headers = append(headers, normalizeSpaces(cell.Text()))
		})
		codeIdx, first := -1, 0
		if !hasCode(headers) {
			codeIdx, first = headerIndex(headers), 1
		}

		rows.Slice(first, rows.Length()).Each(func(i int, row *goquery.Selection) {
			cells := []string{}
			row.Find("th,td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, normalizeSpaces(cell.Text()))
			})
			out = append(out, codesFromCells(cells, codeIdx, source, map[string]any{"row": first + i + 1})...)
		})
	})

	return out
}

func parseXLSX(content []byte) ([]internal.ManifestCode, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := []internal.ManifestCode{}
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		codeIdx := -1
		for i, row := range rows {
			cells := normalizeCells(row)
			if len(cells) == 0 {
				continue
			}
			if i < 3 && codeIdx < 0 && !hasCode(cells) {
				if codeIdx = headerIndex(cells); codeIdx >= 0 {
					continue
				}
			}
			out = append(out, codesFromCells(cells, codeIdx, internal.ManifestXLSX, map[string]any{"sheet": sheet, "rowNumber": i + 1})...)
		}
	}

	return out, nil
}

func parsePDF(content []byte) ([]internal.ManifestCode, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, err
	}

	out := []internal.ManifestCode{}
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		for _, c := range parseText(text, internal.ManifestPDF) {
			c.Meta["page"] = i
			out = append(out, c)
		}
	}
	return out, nil
}

// codesFromCells takes the code column when one was identified by header,
// otherwise any cell that looks like a label code.
func codesFromCells(cells []string, codeIdx int, source internal.ManifestSource, meta map[string]any) []internal.ManifestCode {
	if codeIdx >= 0 {
		if codeIdx >= len(cells) {
			return nil
		}
		code := util.NormalizeCode(cells[codeIdx])
		if !util.IsScanCode(code, minCodeLength) {
			return nil
		}
		return []internal.ManifestCode{{Code: code, Source: source, Meta: meta}}
	}

	out := []internal.ManifestCode{}
	for _, cell := range cells {
		if code, ok := toCode(cell); ok {
			out = append(out, internal.ManifestCode{Code: code, Source: source, Meta: meta})
		}
	}
	return out
}

func headerIndex(cells []string) int {
	lower := make([]string, 0, len(cells))
	for _, c := range cells {
		lower = append(lower, strings.ToLower(c))
	}
	return findHeaderIndex(lower, codeHeaders)
}

func hasCode(cells []string) bool {
	for _, c := range cells {
		if _, ok := toCode(c); ok {
			return true
		}
	}
	return false
}

func toCode(token string) (string, bool) {
	if !util.LooksLikeCode(token) {
		return "", false
	}
	code := util.NormalizeCode(token)
	return code, util.IsScanCode(code, minCodeLength)
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := strings.Split(text, "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeSpaces(input string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(input, " "))
}

func normalizeCells(row []string) []string {
	out := make([]string, 0, len(row))
	for _, c := range row {
		out = append(out, normalizeSpaces(c))
	}
	return out
}

func isLikelyNoise(line string) bool {
	for _, re := range ignorePatterns {
		if re.MatchString(strings.TrimSpace(line)) {
			return true
		}
	}
	return false
}

func dedupeCodes(codes []internal.ManifestCode) []internal.ManifestCode {
	seen := map[string]struct{}{}
	out := make([]internal.ManifestCode, 0, len(codes))
	for _, c := range codes {
		if _, exists := seen[c.Code]; exists {
			continue
		}
		seen[c.Code] = struct{}{}
		out = append(out, c)
	}
	return out
}

func findHeaderIndex(headers []string, candidates []string) int {
	for _, want := range candidates {
		for i, h := range headers {
			if strings.Contains(h, want) {
				return i
			}
		}
	}
	return -1
}
