package browser

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
)

// ParseCapture reads each selector in capture out of html. Form controls
// yield their value attribute; everything else yields its trimmed text.
// Selectors with no match are omitted and mark the result Partial.
func ParseCapture(html string, capture map[string]string) (core.CapturedData, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return core.CapturedData{Partial: true}, core.NewScrapingError("parse captured page: "+err.Error(), "", err)
	}

	out := core.CapturedData{Fields: make(map[string]string, len(capture))}
	var missing []string
	for name, sel := range capture {
		text, ok := readFirst(doc, sel)
		if !ok {
			missing = append(missing, name)
			continue
		}
		out.Fields[name] = text
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		out.Partial = true
		return out, core.NewScrapingError(
			fmt.Sprintf("capture incomplete: %s", strings.Join(missing, ", ")), core.ReasonNotFound, nil)
	}
	return out, nil
}

func readFirst(doc *goquery.Document, sel string) (string, bool) {
	for _, alt := range Alternatives(sel) {
		s := doc.Find(alt).First()
		if s.Length() == 0 {
			continue
		}
		switch goquery.NodeName(s) {
		case "input", "textarea", "select":
			if v, ok := s.Attr("value"); ok {
				return strings.TrimSpace(v), true
			}
		}
		return strings.TrimSpace(s.Text()), true
	}
	return "", false
}
