package refresh

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"martlet/internal/appstate"
	"martlet/internal/components/chrono"
	"martlet/internal/components/telemetry"
	"martlet/internal/scrapers/minerva"
	"martlet/internal/store"
	"martlet/internal/vault"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const testPassword = "hunter2"

var testNow = time.Date(2014, time.October, 1, 12, 0, 0, 0, time.UTC)

func fixture(t testing.TB, name string) string {
	t.Helper()
	contents, err := os.ReadFile(filepath.Join("..", "scrapers", "minerva", "testdata", name))
	require.NoError(t, err)
	return string(contents)
}

// fakePortal serves the fixture pages, any path can be overridden.
type fakePortal struct {
	t         testing.TB
	mutex     sync.Mutex
	hits      map[string]int
	overrides map[string]http.HandlerFunc
}

func newFakePortal(t testing.TB) *fakePortal {
	return &fakePortal{t: t, hits: map[string]int{}, overrides: map[string]http.HandlerFunc{}}
}

var portalPages = map[string]string{
	"twbkwbis.P_WWWLogin":     "login_page.html",
	"bwskfshd.P_CrseSchdDetl": "schedule.html",
	"bzsktran.P_Display_Form": "transcript.html",
	"bztkcbil.pm_viewbills":   "ebill.html",
	"bwskfreg.P_AltPin":       "register_terms.html",
}

func (p *fakePortal) Hits(path string) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.hits[path]
}

func (p *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/pban1/")
	p.mutex.Lock()
	p.hits[path]++
	override := p.overrides[path]
	p.mutex.Unlock()

	if override != nil {
		override(w, r)
		return
	}
	if path == "twbkwbis.P_ValLogin" {
		r.ParseForm()
		if r.PostForm.Get("PIN") != testPassword {
			w.Write([]byte(fixture(p.t, "login_failure.html")))
			return
		}
		w.Write([]byte(fixture(p.t, "login_success.html")))
		return
	}
	page, ok := portalPages[path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write([]byte(fixture(p.t, page)))
}

// dropConnection cuts the response off mid body. A connection closed before any
// byte is written would be replayed by net/http itself on reused connections.
func dropConnection(w http.ResponseWriter) {
	conn, _, err := w.(http.Hijacker).Hijack()
	if err != nil {
		return
	}
	conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: 4096\r\n\r\n<html>"))
	conn.Close()
}

// memorySaver records saves in order, a kind listed in fail fails to save.
type memorySaver struct {
	mutex sync.Mutex
	saved map[store.Kind]any
	order []store.Kind
	fail  map[store.Kind]error
}

func newMemorySaver() *memorySaver {
	return &memorySaver{saved: map[store.Kind]any{}, fail: map[store.Kind]error{}}
}

func (m *memorySaver) Save(_ context.Context, kind store.Kind, value any) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.fail[kind]; err != nil {
		return &store.StorageError{Op: "save", Kind: kind, Err: err}
	}
	m.saved[kind] = value
	m.order = append(m.order, kind)
	return nil
}

func (m *memorySaver) Order() []store.Kind {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]store.Kind{}, m.order...)
}

type harness struct {
	portal       *fakePortal
	saver        *memorySaver
	recorder     *telemetry.Recorder
	orchestrator *Orchestrator
	credential   vault.Credential
	vault        vault.Vault
	saved        []store.Kind
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{
		portal:   newFakePortal(t),
		saver:    newMemorySaver(),
		recorder: &telemetry.Recorder{},
	}
	srv := httptest.NewServer(h.portal)
	t.Cleanup(srv.Close)

	clock := chrono.FixedClock{At: testNow}
	client, err := minerva.NewClient(minerva.Options{
		BaseUrl:           srv.URL + "/pban1/",
		RateLimit:         rate.Inf,
		ConnectTimeout:    time.Second,
		ReadTimeout:       2 * time.Second,
		DisableBrowserTLS: true,
	}, h.recorder, clock)
	require.NoError(t, err)

	key, err := vault.LoadOrCreateKey(filepath.Join(t.TempDir(), "vault.key"))
	require.NoError(t, err)
	h.vault, err = vault.New(key, "")
	require.NoError(t, err)
	h.credential, err = h.vault.NewCredential("first.last", testPassword)
	require.NoError(t, err)

	var savedMutex sync.Mutex
	opts.OnSaved = func(kind store.Kind, _ any) {
		savedMutex.Lock()
		defer savedMutex.Unlock()
		h.saved = append(h.saved, kind)
	}
	h.orchestrator = NewOrchestrator(client, h.saver, h.vault, h.recorder, clock, opts)
	return h
}

func TestRefreshAll(t *testing.T) {
	h := newHarness(t, Options{})

	result, err := h.orchestrator.Refresh(context.Background(), h.credential, nil)
	require.NoError(t, err)
	require.Equal(t, minerva.StatusOK, result.Status)
	require.NoError(t, result.Err)
	require.False(t, result.Shared)
	require.Equal(t, Order, h.saver.Order())
	require.Equal(t, Order, h.saved)

	schedule, ok := h.saver.saved[store.KindSchedule].(appstate.Schedule)
	require.True(t, ok)
	require.Equal(t, minerva.Term{Season: minerva.Fall, Year: 2014}, schedule.Term)
	require.Len(t, schedule.Sessions, 4)
	require.Equal(t, 1, result.Skipped[store.KindSchedule])
	require.Equal(t, 1, result.Skipped[store.KindTranscript])
	require.NotEmpty(t, h.recorder.Reports("warning", report_orchestrator_skipped))
}

func TestRefreshSubset(t *testing.T) {
	h := newHarness(t, Options{})

	// order is fixed whatever order the kinds are asked in
	result, err := h.orchestrator.Refresh(
		context.Background(),
		h.credential,
		[]store.Kind{store.KindRegisterTerms, store.KindTranscript},
	)
	require.NoError(t, err)
	require.Equal(t, minerva.StatusOK, result.Status)
	require.Equal(t, []store.Kind{store.KindTranscript, store.KindRegisterTerms}, h.saver.Order())
	require.Zero(t, h.portal.Hits("bwskfshd.P_CrseSchdDetl"))
}

func TestRefreshParseErrorKeepsEarlierSaves(t *testing.T) {
	h := newHarness(t, Options{})
	h.portal.overrides["bzsktran.P_Display_Form"] = func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fixture(t, "transcript_malformed.html")))
	}

	result, err := h.orchestrator.Refresh(context.Background(), h.credential, nil)
	require.NoError(t, err)
	require.Equal(t, minerva.StatusParseError, result.Status)
	require.Equal(t, minerva.ExtractorTranscript, result.Extractor)
	require.Equal(t, store.KindTranscript, result.Kind)

	var parseErr *minerva.ParseError
	require.True(t, errors.As(result.Err, &parseErr))

	require.Equal(t, []store.Kind{store.KindSchedule}, h.saver.Order())
	require.Zero(t, h.portal.Hits("bztkcbil.pm_viewbills"))
	require.Zero(t, h.portal.Hits("bwskfreg.P_AltPin"))
}

func TestRefreshRetriesTransportFailureOnce(t *testing.T) {
	h := newHarness(t, Options{})
	var calls atomic.Int32
	h.portal.overrides["bztkcbil.pm_viewbills"] = func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			dropConnection(w)
			return
		}
		w.Write([]byte(fixture(t, "ebill.html")))
	}

	result, err := h.orchestrator.Refresh(context.Background(), h.credential, nil)
	require.NoError(t, err)
	require.Equal(t, minerva.StatusOK, result.Status)
	require.Equal(t, 2, h.portal.Hits("bztkcbil.pm_viewbills"))
}

func TestRefreshNoInternetAfterRetry(t *testing.T) {
	h := newHarness(t, Options{})
	h.portal.overrides["bwskfshd.P_CrseSchdDetl"] = func(w http.ResponseWriter, r *http.Request) {
		dropConnection(w)
	}

	result, err := h.orchestrator.Refresh(context.Background(), h.credential, nil)
	require.NoError(t, err)
	require.Equal(t, minerva.StatusNoInternet, result.Status)
	require.Equal(t, store.KindSchedule, result.Kind)
	require.Equal(t, 2, h.portal.Hits("bwskfshd.P_CrseSchdDetl"))
	require.Empty(t, h.saver.Order())
}

func TestRefreshStatusErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, Options{})
	h.portal.overrides["bwskfshd.P_CrseSchdDetl"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	result, err := h.orchestrator.Refresh(context.Background(), h.credential, nil)
	require.NoError(t, err)
	require.Equal(t, minerva.StatusOther, result.Status)
	require.Equal(t, 1, h.portal.Hits("bwskfshd.P_CrseSchdDetl"))
}

func TestRefreshWrongCredentials(t *testing.T) {
	h := newHarness(t, Options{})
	credential, err := h.vault.NewCredential("first.last", "wrong")
	require.NoError(t, err)

	result, err := h.orchestrator.Refresh(context.Background(), credential, nil)
	require.NoError(t, err)
	require.Equal(t, minerva.StatusWrongCredentials, result.Status)
	require.ErrorIs(t, result.Err, minerva.ErrWrongCredentials)
	// authentication is never retried
	require.Equal(t, 1, h.portal.Hits("twbkwbis.P_ValLogin"))
	require.Zero(t, h.portal.Hits("bwskfshd.P_CrseSchdDetl"))
	require.Empty(t, h.saver.Order())
}

func TestRefreshUndecodableCredential(t *testing.T) {
	h := newHarness(t, Options{})

	result, err := h.orchestrator.Refresh(context.Background(), vault.Credential{
		Username:          "first.last",
		EncryptedPassword: "garbage",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, minerva.StatusWrongCredentials, result.Status)
	require.ErrorIs(t, result.Err, ErrNoCredential)
	require.Zero(t, h.portal.Hits("twbkwbis.P_WWWLogin"))
}

func TestRefreshStorageFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.saver.fail[store.KindEbill] = errors.New("disk full")

	result, err := h.orchestrator.Refresh(context.Background(), h.credential, nil)
	require.NoError(t, err)
	require.Equal(t, minerva.StatusOther, result.Status)
	require.Equal(t, store.KindEbill, result.Kind)
	var storageErr *store.StorageError
	require.True(t, errors.As(result.Err, &storageErr))
	require.Equal(t, []store.Kind{store.KindSchedule, store.KindTranscript}, h.saver.Order())
	require.Len(t, h.recorder.Reports("broken", report_orchestrator_save), 1)
}

func TestRefreshCancelled(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	h.portal.overrides["bzsktran.P_Display_Form"] = func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.Write([]byte(fixture(t, "transcript.html")))
	}

	result, err := h.orchestrator.Refresh(ctx, h.credential, nil)
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, Result{}, result)

	// the next refresh only starts once the cancelled one has stopped
	_, err = h.orchestrator.Refresh(context.Background(), h.credential, []store.Kind{store.KindSchedule})
	require.NoError(t, err)
	require.NotContains(t, h.saver.Order(), store.KindEbill)
}

func TestRefreshAlreadyCancelled(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orchestrator.Refresh(ctx, h.credential, nil)
	require.ErrorIs(t, err, ErrCancelled)
	require.Zero(t, h.portal.Hits("twbkwbis.P_WWWLogin"))
}

// blockSchedule makes the schedule fetch wait until release is closed.
func blockSchedule(t *testing.T, h *harness) (entered chan struct{}, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	h.portal.overrides["bwskfshd.P_CrseSchdDetl"] = func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		w.Write([]byte(fixture(t, "schedule.html")))
	}
	return entered, release
}

func TestConcurrentRefreshJoins(t *testing.T) {
	h := newHarness(t, Options{})
	entered, release := blockSchedule(t, h)

	first := h.orchestrator.RefreshAsync(context.Background(), h.credential, nil)
	<-entered
	second := h.orchestrator.RefreshAsync(context.Background(), h.credential, nil)
	// give the second caller time to join the in-flight refresh
	time.Sleep(100 * time.Millisecond)
	close(release)

	a := <-first
	b := <-second
	require.NoError(t, a.Err)
	require.NoError(t, b.Err)
	require.Equal(t, minerva.StatusOK, a.Result.Status)
	require.Equal(t, minerva.StatusOK, b.Result.Status)
	require.True(t, b.Result.Shared)

	// one network sequence for both callers
	require.Equal(t, 1, h.portal.Hits("twbkwbis.P_ValLogin"))
	require.Equal(t, Order, h.saver.Order())

	_, open := <-first
	require.False(t, open)
}

func TestConcurrentRefreshSurvivesFirstCallerCancelling(t *testing.T) {
	h := newHarness(t, Options{})
	entered, release := blockSchedule(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	first := h.orchestrator.RefreshAsync(ctx, h.credential, nil)
	<-entered
	second := h.orchestrator.RefreshAsync(context.Background(), h.credential, nil)
	time.Sleep(100 * time.Millisecond)

	cancel()
	a := <-first
	require.ErrorIs(t, a.Err, ErrCancelled)
	close(release)

	b := <-second
	require.NoError(t, b.Err)
	require.Equal(t, minerva.StatusOK, b.Result.Status)
	require.True(t, b.Result.Shared)
	require.Equal(t, 1, h.portal.Hits("twbkwbis.P_ValLogin"))
	require.Equal(t, Order, h.saver.Order())
}

func TestSharedRefreshStopsWhenEveryCallerCancels(t *testing.T) {
	h := newHarness(t, Options{})
	entered, release := blockSchedule(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	first := h.orchestrator.RefreshAsync(ctx, h.credential, nil)
	<-entered
	second := h.orchestrator.RefreshAsync(ctx, h.credential, nil)
	time.Sleep(100 * time.Millisecond)

	cancel()
	require.ErrorIs(t, (<-first).Err, ErrCancelled)
	require.ErrorIs(t, (<-second).Err, ErrCancelled)
	close(release)

	// a later caller starts a fresh run instead of joining the cancelled one
	result, err := h.orchestrator.Refresh(context.Background(), h.credential, []store.Kind{store.KindEbill})
	require.NoError(t, err)
	require.Equal(t, minerva.StatusOK, result.Status)
	require.False(t, result.Shared)
	require.Equal(t, 2, h.portal.Hits("twbkwbis.P_ValLogin"))
	require.NotContains(t, h.saver.Order(), store.KindTranscript)
}

func TestLoginWaitsForRunningRefresh(t *testing.T) {
	h := newHarness(t, Options{})
	entered, release := blockSchedule(t, h)

	first := h.orchestrator.RefreshAsync(context.Background(), h.credential, nil)
	<-entered

	identity := h.vault.CanonicalIdentity("first.last")
	login := make(chan minerva.LoginResult, 1)
	go func() {
		login <- h.orchestrator.Login(context.Background(), identity, testPassword)
	}()

	// the session is not touched while the refresh is still fetching
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, h.portal.Hits("twbkwbis.P_ValLogin"))
	select {
	case <-login:
		t.Fatal("login ran during a refresh")
	default:
	}

	close(release)
	require.Equal(t, minerva.StatusOK, (<-first).Result.Status)
	require.Equal(t, minerva.Authenticated, (<-login).State)
	require.Equal(t, 2, h.portal.Hits("twbkwbis.P_ValLogin"))
}

func TestConcurrentRefreshRejected(t *testing.T) {
	h := newHarness(t, Options{RejectConcurrent: true})
	entered, release := blockSchedule(t, h)

	first := h.orchestrator.RefreshAsync(context.Background(), h.credential, nil)
	<-entered

	_, err := h.orchestrator.Refresh(context.Background(), h.credential, nil)
	require.ErrorIs(t, err, ErrRefreshInProgress)

	close(release)
	outcome := <-first
	require.NoError(t, outcome.Err)
	require.Equal(t, minerva.StatusOK, outcome.Result.Status)

	// the guard is released once the refresh is done
	result, err := h.orchestrator.Refresh(context.Background(), h.credential, []store.Kind{store.KindEbill})
	require.NoError(t, err)
	require.Equal(t, minerva.StatusOK, result.Status)
}
