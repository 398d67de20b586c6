package minerva

import (
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const termSelectSelector = `select[name="term_in"]`

// ExtractRegistrationTerms reads the terms open for registration from the term
// selector, sorted and without duplicates.
func ExtractRegistrationTerms(page string) (Extraction[[]Term], error) {
	doc, err := parseDocument(ExtractorRegisterTerms, page)
	if err != nil {
		return Extraction[[]Term]{}, err
	}

	sel := doc.Find(termSelectSelector)
	if sel.Length() == 0 {
		return Extraction[[]Term]{}, newParseError(ExtractorRegisterTerms, "term selector not found", page)
	}

	out := Extraction[[]Term]{Records: []Term{}}
	options := 0
	var firstBad string
	sel.Find("option").Each(func(_ int, option *goquery.Selection) {
		value := strings.TrimSpace(option.AttrOr("value", ""))
		// placeholder entries ("None") have no value
		if value == "" {
			return
		}
		options++
		term, err := ParseTermCode(value)
		if err != nil {
			out.Skipped++
			if firstBad == "" {
				firstBad = outerHtml(option)
			}
			return
		}
		if !slices.Contains(out.Records, term) {
			out.Records = append(out.Records, term)
		}
	})

	if options == 0 {
		return Extraction[[]Term]{}, newParseError(ExtractorRegisterTerms, "no terms offered", outerHtml(sel))
	}
	if len(out.Records) == 0 {
		return Extraction[[]Term]{}, newParseError(ExtractorRegisterTerms, "every term option was malformed", firstBad)
	}

	slices.SortFunc(out.Records, Term.Compare)
	return out, nil
}
