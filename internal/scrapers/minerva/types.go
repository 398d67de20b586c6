package minerva

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
)

// Season values are the institution's term-code season numbers, so ordering by
// value orders seasons within a year.
type Season int

const (
	Winter Season = 1
	Summer Season = 5
	Fall   Season = 9
)

var seasons = []Season{Winter, Summer, Fall}

func (s Season) Valid() bool {
	return s == Winter || s == Summer || s == Fall
}

func (s Season) String() string {
	switch s {
	case Winter:
		return "Winter"
	case Summer:
		return "Summer"
	case Fall:
		return "Fall"
	}
	return fmt.Sprintf("Season(%d)", int(s))
}

// Number is the two digit season number used in term codes.
func (s Season) Number() string {
	return fmt.Sprintf("%02d", int(s))
}

// seasonNames holds every label a season can appear under on the portal.
var seasonNames = map[Season][]string{
	Winter: {"winter", "hiver"},
	Summer: {"summer", "ete", "été"},
	Fall:   {"fall", "autumn", "automne"},
}

// minimum Jaro-Winkler similarity for a label to be accepted as a season name
const seasonMatchThreshold = 0.85

// ParseSeason matches a season name (english or french) leniently, tolerating
// case and small typos.
func ParseSeason(label string) (Season, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return 0, fmt.Errorf("empty season")
	}

	best := Season(0)
	bestScore := 0.0
	for _, season := range seasons {
		for _, name := range seasonNames[season] {
			score := matchr.JaroWinkler(label, name, false)
			if score > bestScore {
				best = season
				bestScore = score
			}
		}
	}
	if bestScore < seasonMatchThreshold {
		return 0, fmt.Errorf("unknown season %q", label)
	}
	return best, nil
}

// Term is a season of a given year, it is comparable with ==.
type Term struct {
	Season Season `json:"season"`
	Year   int    `json:"year"`
}

// Compare returns -1, 0 or 1 when t is before, equal to or after other.
// Year is compared first, then season number.
func (t Term) Compare(other Term) int {
	switch {
	case t.Year < other.Year:
		return -1
	case t.Year > other.Year:
		return 1
	case t.Season < other.Season:
		return -1
	case t.Season > other.Season:
		return 1
	}
	return 0
}

func (t Term) After(other Term) bool {
	return t.Compare(other) > 0
}

func (t Term) String() string {
	return fmt.Sprintf("%s %d", t.Season, t.Year)
}

// Code is the portal's YYYYMM term identifier (ex. 201409 for Fall 2014).
func (t Term) Code() string {
	return fmt.Sprintf("%04d%s", t.Year, t.Season.Number())
}

var ErrInvalidTerm = errors.New("invalid term")

// ParseTermCode is the inverse of Term.Code.
func ParseTermCode(code string) (Term, error) {
	code = strings.TrimSpace(code)
	if len(code) != 6 {
		return Term{}, fmt.Errorf("%w: code %q", ErrInvalidTerm, code)
	}
	year, err := strconv.Atoi(code[:4])
	if err != nil {
		return Term{}, fmt.Errorf("%w: code %q", ErrInvalidTerm, code)
	}
	season, err := strconv.Atoi(code[4:])
	if err != nil || !Season(season).Valid() {
		return Term{}, fmt.Errorf("%w: code %q", ErrInvalidTerm, code)
	}
	return Term{Season: Season(season), Year: year}, nil
}

// ParseTerm parses a "<Season> <Year>" label such as "Fall 2014" or "Automne 2014".
func ParseTerm(label string) (Term, error) {
	parts := strings.Fields(label)
	if len(parts) != 2 {
		return Term{}, fmt.Errorf("%w: label %q", ErrInvalidTerm, label)
	}
	season, err := ParseSeason(parts[0])
	if err != nil {
		return Term{}, fmt.Errorf("%w: %w", ErrInvalidTerm, err)
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil || year < 1000 || year > 9999 {
		return Term{}, fmt.Errorf("%w: label %q", ErrInvalidTerm, label)
	}
	return Term{Season: season, Year: year}, nil
}

// CurrentTerm is the term the given day falls in: September to December is
// fall, January to April is winter and the rest is summer.
func CurrentTerm(now time.Time) Term {
	month := now.Month()
	switch {
	case month >= time.September:
		return Term{Season: Fall, Year: now.Year()}
	case month <= time.April:
		return Term{Season: Winter, Year: now.Year()}
	}
	return Term{Season: Summer, Year: now.Year()}
}

// Clock is a wall clock time of day in minutes since midnight.
type Clock int

func NewClock(hour, minute int) Clock {
	return Clock(hour*60 + minute)
}

func (c Clock) Hour() int {
	return int(c) / 60
}

func (c Clock) Minute() int {
	return int(c) % 60
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// Weekdays is a set of days of the week.
type Weekdays uint8

func (w Weekdays) Has(day time.Weekday) bool {
	return w&(1<<uint(day)) != 0
}

func (w Weekdays) With(day time.Weekday) Weekdays {
	return w | 1<<uint(day)
}

// dayCodes are the portal's single letter day codes in display order.
var dayCodes = []struct {
	code byte
	day  time.Weekday
}{
	{'M', time.Monday},
	{'T', time.Tuesday},
	{'W', time.Wednesday},
	{'R', time.Thursday},
	{'F', time.Friday},
	{'S', time.Saturday},
	{'U', time.Sunday},
}

// ParseWeekdays decodes a string of day codes (ex. "MWF", "TR").
func ParseWeekdays(codes string) (Weekdays, error) {
	var out Weekdays
	codes = strings.TrimSpace(codes)
	if codes == "" {
		return 0, fmt.Errorf("no day codes")
	}
outer:
	for i := 0; i < len(codes); i++ {
		for _, dc := range dayCodes {
			if codes[i] == dc.code {
				out = out.With(dc.day)
				continue outer
			}
		}
		return 0, fmt.Errorf("unknown day code %q in %q", codes[i], codes)
	}
	return out, nil
}

func (w Weekdays) String() string {
	var sb strings.Builder
	for _, dc := range dayCodes {
		if w.Has(dc.day) {
			sb.WriteByte(dc.code)
		}
	}
	return sb.String()
}

// CourseSession is one meeting pattern of a course section in a term.
type CourseSession struct {
	Term        Term      `json:"term"`
	CRN         int       `json:"crn"`
	Code        string    `json:"code"`
	Section     string    `json:"section"`
	Title       string    `json:"title"`
	SectionType string    `json:"section_type"`
	StartTime   Clock     `json:"start_time"`
	EndTime     Clock     `json:"end_time"`
	Days        Weekdays  `json:"days"`
	// TBA is set when the portal has no time slot for the session yet, the
	// times and days are then zero.
	TBA         bool      `json:"tba,omitempty"`
	Location    string    `json:"location"`
	Instructor  string    `json:"instructor"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
}

type TranscriptEntry struct {
	Term         Term    `json:"term"`
	Code         string  `json:"code"`
	Section      string  `json:"section"`
	Title        string  `json:"title"`
	Credits      float64 `json:"credits"`
	Grade        string  `json:"grade"`
	ClassAverage string  `json:"class_average"`
}

type Transcript struct {
	CGPA         float64           `json:"cgpa"`
	TotalCredits float64           `json:"total_credits"`
	Entries      []TranscriptEntry `json:"entries"`
}

// Terms lists the distinct terms of the transcript in order.
func (t Transcript) Terms() []Term {
	var out []Term
	for _, e := range t.Entries {
		if len(out) > 0 && out[len(out)-1] == e.Term {
			continue
		}
		out = append(out, e.Term)
	}
	return out
}

// Statement is one billing statement, a negative amount is a credit.
type Statement struct {
	StatementDate time.Time `json:"statement_date"`
	DueDate       time.Time `json:"due_date"`
	AmountCents   int64     `json:"amount_cents"`
}

// FormatCents renders an amount the way the portal does, credits with a
// trailing "-".
func FormatCents(cents int64) string {
	suffix := ""
	if cents < 0 {
		suffix = "-"
		cents = -cents
	}
	return fmt.Sprintf("$%d.%02d%s", cents/100, cents%100, suffix)
}

// ConnectionStatus is the single outcome of any interaction with the portal.
type ConnectionStatus int

const (
	StatusOK ConnectionStatus = iota
	StatusNoInternet
	StatusWrongCredentials
	StatusParseError
	StatusOther
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNoInternet:
		return "NO_INTERNET"
	case StatusWrongCredentials:
		return "WRONG_CREDENTIALS"
	case StatusParseError:
		return "PARSE_ERROR"
	case StatusOther:
		return "OTHER"
	}
	return fmt.Sprintf("ConnectionStatus(%d)", int(s))
}
