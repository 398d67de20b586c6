package minerva

import (
	"fmt"
	"regexp"
	"strings"

	"martlet/internal/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

const (
	transcriptTableSelector = "table.dataentrytable"
	cumulativeGpaLabel      = "CUM GPA"
	totalCreditsLabel       = "TOTAL CREDITS"
	transcriptCourseCells   = 6
)

var courseCodeRegex = regexp.MustCompile(`^[A-Z]{3,4}\d? \d{3}[A-Z]?\d?$`)

// summaryValue returns the first numeric cell after the label cell.
func summaryValue(cells []string) (float64, error) {
	for _, cell := range cells[1:] {
		if cell == "" {
			continue
		}
		return parseFloat(cell)
	}
	return 0, fmt.Errorf("no value for %q", cells[0])
}

func parseTranscriptCourse(term *Term, cells []string) (TranscriptEntry, error) {
	if term == nil {
		return TranscriptEntry{}, fmt.Errorf("course row before any term header")
	}
	if !courseCodeRegex.MatchString(cells[0]) {
		return TranscriptEntry{}, fmt.Errorf("invalid course code %q", cells[0])
	}
	credits, err := parseFloat(cells[3])
	if err != nil {
		return TranscriptEntry{}, fmt.Errorf("invalid credits %q", cells[3])
	}
	return TranscriptEntry{
		Term:         *term,
		Code:         cells[0],
		Section:      cells[1],
		Title:        cells[2],
		Credits:      credits,
		Grade:        cells[4],
		ClassAverage: cells[5],
	}, nil
}

// ExtractTranscript reads the unofficial transcript. Term header rows set the
// term of the course rows that follow them.
func ExtractTranscript(page string) (Extraction[Transcript], error) {
	doc, err := parseDocument(ExtractorTranscript, page)
	if err != nil {
		return Extraction[Transcript]{}, err
	}

	tables := doc.Find(transcriptTableSelector)
	if tables.Length() == 0 {
		return Extraction[Transcript]{}, newParseError(ExtractorTranscript, "transcript table not found", page)
	}

	out := Extraction[Transcript]{Records: Transcript{Entries: []TranscriptEntry{}}}
	candidates := 0
	summaries := 0
	var current *Term
	var firstBad string

	tables.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := htmlutil.Cells(row)
		nonEmpty := []string{}
		for _, c := range cells {
			if c != "" {
				nonEmpty = append(nonEmpty, c)
			}
		}
		if len(nonEmpty) == 0 {
			return
		}

		switch label := strings.TrimSuffix(nonEmpty[0], ":"); {
		case label == cumulativeGpaLabel || label == totalCreditsLabel:
			value, err := summaryValue(nonEmpty)
			if err != nil {
				if firstBad == "" {
					firstBad = outerHtml(row)
				}
				return
			}
			summaries++
			if label == cumulativeGpaLabel {
				out.Records.CGPA = value
			} else {
				out.Records.TotalCredits = value
			}
			return
		case len(nonEmpty) == 1:
			term, err := ParseTerm(nonEmpty[0])
			if err == nil {
				current = &term
			}
			return
		}

		if row.Find("td").Length() != transcriptCourseCells || len(cells) != transcriptCourseCells {
			return
		}
		candidates++
		entry, err := parseTranscriptCourse(current, cells)
		if err != nil {
			out.Skipped++
			if firstBad == "" {
				firstBad = outerHtml(row)
			}
			return
		}
		out.Records.Entries = append(out.Records.Entries, entry)
	})

	if candidates == 0 && summaries == 0 {
		return Extraction[Transcript]{}, newParseError(ExtractorTranscript, "no course or summary rows found", outerHtml(tables.First()))
	}
	if candidates > 0 && len(out.Records.Entries) == 0 {
		return Extraction[Transcript]{}, newParseError(ExtractorTranscript, "every course row was malformed", firstBad)
	}
	return out, nil
}
