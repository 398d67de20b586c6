package minerva

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"martlet/internal/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

const (
	scheduleTableSelector = "table.datadisplaytable"
	meetingTimesCaption   = "Scheduled Meeting Times"
	crnLabel              = "CRN:"
	tbaLabel              = "TBA"
)

// the page says so instead of rendering course tables when nothing is registered
var emptyScheduleMarkers = []string{
	"You are not currently registered for the term",
	"You are not registered for any courses",
}

// "Intro to Computer Science - COMP 202 - 001"
var courseCaptionRegex = regexp.MustCompile(`^(.+?) - ([A-Z]{3,4}\d?) (\d{3}[A-Z]?\d?) - (\S+)$`)

type courseHeader struct {
	crn     int
	code    string
	section string
	title   string
}

func parseCourseHeader(table *goquery.Selection) (courseHeader, error) {
	caption := htmlutil.Text(table.Find("caption"))
	groups := courseCaptionRegex.FindStringSubmatch(caption)
	if groups == nil {
		return courseHeader{}, fmt.Errorf("unrecognized course caption %q", caption)
	}
	header := courseHeader{
		title:   groups[1],
		code:    groups[2] + " " + groups[3],
		section: groups[4],
	}

	found := false
	table.Find("tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		cells := htmlutil.Cells(row)
		if len(cells) < 2 || cells[0] != crnLabel {
			return true
		}
		crn, err := strconv.Atoi(cells[1])
		if err == nil && crn > 0 {
			header.crn = crn
			found = true
		}
		return false
	})
	if !found {
		return courseHeader{}, fmt.Errorf("course %q has no valid CRN", caption)
	}
	return header, nil
}

func isTBA(cell string) bool {
	return strings.EqualFold(strings.TrimSpace(cell), tbaLabel)
}

func parseMeetingRow(term Term, header courseHeader, cells []string) (CourseSession, error) {
	if len(cells) != 7 {
		return CourseSession{}, fmt.Errorf("expected 7 cells, got %d", len(cells))
	}

	// sections without a fixed slot (thesis, online) show TBA and no days
	tba := isTBA(cells[1])
	var start, end Clock
	var days Weekdays
	if tba {
		if cells[2] != "" && !isTBA(cells[2]) {
			return CourseSession{}, fmt.Errorf("days %q given for a TBA time", cells[2])
		}
	} else {
		var err error
		start, end, err = parseClockRange(cells[1])
		if err != nil {
			return CourseSession{}, err
		}
		days, err = ParseWeekdays(cells[2])
		if err != nil {
			return CourseSession{}, err
		}
	}
	startDate, endDate, err := parseDateRange(cells[4])
	if err != nil {
		return CourseSession{}, err
	}

	return CourseSession{
		Term:        term,
		CRN:         header.crn,
		Code:        header.code,
		Section:     header.section,
		Title:       header.title,
		SectionType: cells[5],
		StartTime:   start,
		EndTime:     end,
		Days:        days,
		TBA:         tba,
		Location:    cells[3],
		Instructor:  strings.TrimSpace(strings.TrimSuffix(cells[6], "(P)")),
		StartDate:   startDate,
		EndDate:     endDate,
	}, nil
}

// ExtractSchedule reads the detailed schedule page of a term. Each course table is
// followed by its meeting times table, every meeting time row becomes one
// CourseSession.
func ExtractSchedule(term Term, page string) (Extraction[[]CourseSession], error) {
	doc, err := parseDocument(ExtractorSchedule, page)
	if err != nil {
		return Extraction[[]CourseSession]{}, err
	}

	out := Extraction[[]CourseSession]{Records: []CourseSession{}}
	rows := 0
	var current *courseHeader
	var firstBad string

	doc.Find(scheduleTableSelector).Each(func(_ int, table *goquery.Selection) {
		caption := htmlutil.Text(table.Find("caption"))
		if caption != meetingTimesCaption {
			header, err := parseCourseHeader(table)
			if err != nil {
				current = nil
				if firstBad == "" {
					firstBad = outerHtml(table)
				}
				return
			}
			current = &header
			return
		}

		table.Find("tr").Each(func(_ int, row *goquery.Selection) {
			if row.Find("td").Length() == 0 {
				return
			}
			rows++
			if current == nil {
				out.Skipped++
				return
			}
			session, err := parseMeetingRow(term, *current, htmlutil.Cells(row))
			if err != nil {
				out.Skipped++
				if firstBad == "" {
					firstBad = outerHtml(row)
				}
				return
			}
			out.Records = append(out.Records, session)
		})
	})

	if rows == 0 {
		for _, marker := range emptyScheduleMarkers {
			if strings.Contains(page, marker) {
				return out, nil
			}
		}
		if firstBad == "" {
			firstBad = page
		}
		return Extraction[[]CourseSession]{}, newParseError(ExtractorSchedule, "no meeting times found", firstBad)
	}
	if len(out.Records) == 0 {
		return Extraction[[]CourseSession]{}, newParseError(ExtractorSchedule, "every meeting time row was malformed", firstBad)
	}
	return out, nil
}
