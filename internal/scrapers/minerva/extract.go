package minerva

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// Extractor names, they identify which page failed to parse.
const (
	ExtractorSchedule      = "schedule"
	ExtractorTranscript    = "transcript"
	ExtractorEbill         = "ebill"
	ExtractorRegisterTerms = "register_terms"
)

// Extraction is the output of an extractor, Skipped counts the rows that did
// not have the expected shape or types.
type Extraction[T any] struct {
	Records T
	Skipped int
}

func parseDocument(extractor, page string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, newParseError(extractor, fmt.Sprintf("parse html: %v", err), page)
	}
	return doc, nil
}

func outerHtml(sel *goquery.Selection) string {
	out, err := goquery.OuterHtml(sel)
	if err != nil {
		return ""
	}
	return out
}

var clockRegex = regexp.MustCompile(`^(\d{1,2}):(\d{2})\s*([aApP]\.?[mM]\.?)?$`)

// parseClock parses "13:05", "1:05 pm" or "1:05 p.m.".
func parseClock(s string) (Clock, error) {
	groups := clockRegex.FindStringSubmatch(strings.TrimSpace(s))
	if groups == nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	hour, _ := strconv.Atoi(groups[1])
	minute, _ := strconv.Atoi(groups[2])
	if minute > 59 {
		return 0, fmt.Errorf("invalid time %q", s)
	}

	meridiem := strings.ToLower(strings.ReplaceAll(groups[3], ".", ""))
	switch meridiem {
	case "":
		if hour > 23 {
			return 0, fmt.Errorf("invalid time %q", s)
		}
	case "am", "pm":
		if hour < 1 || hour > 12 {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		hour %= 12
		if meridiem == "pm" {
			hour += 12
		}
	}
	return NewClock(hour, minute), nil
}

// parseClockRange parses "8:35 am - 9:55 am".
func parseClockRange(s string) (Clock, Clock, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time range %q", s)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("time range %q ends before it starts", s)
	}
	return start, end, nil
}

var dateLayouts = []string{
	"Jan 02, 2006",
	"Jan 2, 2006",
	"02-Jan-2006",
	"2-Jan-2006",
	"2006-01-02",
	"January 02, 2006",
	"January 2, 2006",
}

// normalizeMonthCase turns "SEP" and "sep" into "Sep" so the layouts match.
func normalizeMonthCase(s string) string {
	out := []rune(s)
	start := true
	for i, r := range out {
		if !unicode.IsLetter(r) {
			start = true
			continue
		}
		if start {
			out[i] = unicode.ToUpper(r)
		} else {
			out[i] = unicode.ToLower(r)
		}
		start = false
	}
	return string(out)
}

func parseDate(s string) (time.Time, error) {
	s = normalizeMonthCase(strings.TrimSpace(s))
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// parseDateRange parses "Sep 03, 2014 - Dec 03, 2014".
func parseDateRange(s string) (time.Time, time.Time, error) {
	parts := strings.Split(s, " - ")
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date range %q", s)
	}
	start, err := parseDate(parts[0])
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseDate(parts[1])
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// parseCents parses "$1,234.56", a trailing or leading "-" is a credit.
func parseCents(s string) (int64, error) {
	raw := strings.TrimSpace(s)
	negative := false
	if strings.HasSuffix(raw, "-") {
		negative = true
		raw = strings.TrimSuffix(raw, "-")
	}
	if strings.HasPrefix(raw, "-") {
		negative = true
		raw = strings.TrimPrefix(raw, "-")
	}
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "$")
	raw = strings.ReplaceAll(raw, ",", "")
	if raw == "" {
		return 0, fmt.Errorf("invalid amount %q", s)
	}

	whole, fraction, hasFraction := strings.Cut(raw, ".")
	if hasFraction && len(fraction) != 2 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if !hasFraction {
		fraction = "00"
	}
	dollars, err := strconv.ParseUint(whole, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	cents, err := strconv.ParseUint(fraction, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}

	total := int64(dollars)*100 + int64(cents)
	if negative {
		total = -total
	}
	return total, nil
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
