package commands

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"martlet/internal/appstate"
	"martlet/internal/refresh"
	"martlet/internal/scrapers/minerva"
	"martlet/internal/store"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestPrintResult(t *testing.T) {
	var out bytes.Buffer
	printResult(&out, refresh.Result{
		Status:  minerva.StatusOK,
		Skipped: map[store.Kind]int{store.KindSchedule: 2, store.KindEbill: 0},
	})
	require.Equal(t, "[OK] Up to date.\n  skipped rows (schedule: 2)\n", out.String())

	out.Reset()
	printResult(&out, refresh.Result{
		Status:    minerva.StatusParseError,
		Kind:      store.KindTranscript,
		Extractor: "transcript",
		Err:       errors.New("boom"),
	})
	require.Contains(t, out.String(), "[PARSE_ERROR]")
	require.Contains(t, out.String(), "while refreshing: transcript")
	require.Contains(t, out.String(), "extractor: transcript")
	require.Contains(t, out.String(), "error: boom")
}

func TestParseKinds(t *testing.T) {
	kinds, err := parseKinds(nil)
	require.NoError(t, err)
	require.Nil(t, kinds)

	kinds, err = parseKinds([]string{"ebill", "schedule"})
	require.NoError(t, err)
	require.Equal(t, []store.Kind{store.KindEbill, store.KindSchedule}, kinds)

	_, err = parseKinds([]string{"credential"})
	require.ErrorIs(t, err, store.ErrUnknownKind)
}

func TestParseTermArg(t *testing.T) {
	fall := minerva.Term{Season: minerva.Fall, Year: 2014}

	term, err := parseTermArg("201409")
	require.NoError(t, err)
	require.Equal(t, fall, term)

	term, err = parseTermArg("Fall 2014")
	require.NoError(t, err)
	require.Equal(t, fall, term)

	_, err = parseTermArg("someday")
	require.Error(t, err)
}

func TestRenderEbill(t *testing.T) {
	var out bytes.Buffer
	renderEbill(&out, []minerva.Statement{{
		StatementDate: time.Date(2014, time.September, 15, 0, 0, 0, 0, time.UTC),
		DueDate:       time.Date(2014, time.September, 30, 0, 0, 0, 0, time.UTC),
		AmountCents:   -12000,
	}})
	require.Contains(t, out.String(), "2014-09-15")
	require.Contains(t, out.String(), "$120.00-")
}

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "martlet.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// only override what differs
		portal: { requests_per_second: 5 },
		database: "libsql://example.turso.io",
	}`), 0600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 5.0, cfg.Portal.RequestsPerSec)
	require.Equal(t, minerva.DefaultBaseUrl, cfg.Portal.BaseUrl)
	require.Equal(t, "libsql://example.turso.io", cfg.Database)
	require.Equal(t, "@every 6h", cfg.Watch.Cron)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRequestLimit(t *testing.T) {
	require.Equal(t, rate.Inf, requestLimit(-1))
	require.Equal(t, rate.Limit(2), requestLimit(2))
	// zero is left for the client default
	require.Equal(t, rate.Limit(0), requestLimit(0))
}

func TestRenderScheduleTBA(t *testing.T) {
	var out bytes.Buffer
	renderSchedule(&out, appstate.Schedule{
		Term: minerva.Term{Season: minerva.Fall, Year: 2014},
		Sessions: []minerva.CourseSession{
			{CRN: 2233, Code: "COMP 697", SectionType: "Thesis", TBA: true},
		},
	})
	require.Contains(t, out.String(), "Fall 2014")
	require.Contains(t, out.String(), "TBA")
	require.NotContains(t, out.String(), "00:00 - 00:00")
}
