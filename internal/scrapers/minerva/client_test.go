package minerva

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"martlet/internal/components/chrono"
	"martlet/internal/components/telemetry"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var testNow = time.Date(2014, time.October, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t testing.TB, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Options{
		BaseUrl:           srv.URL + "/pban1/",
		RateLimit:         rate.Inf,
		ConnectTimeout:    time.Second,
		ReadTimeout:       2 * time.Second,
		DisableBrowserTLS: true,
	}, &telemetry.Recorder{}, chrono.FixedClock{At: testNow})
	require.NoError(t, err)
	return client, srv
}

func TestClientHeadersAndCookies(t *testing.T) {
	var seen *http.Request
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		http.SetCookie(w, &http.Cookie{Name: "SESSID", Value: "abc", Path: "/"})
		w.Write([]byte("<html></html>"))
	}))

	session, err := client.NewSession()
	require.NoError(t, err)
	require.NotEmpty(t, session.ID)
	require.Equal(t, testNow, session.EstablishedAt)

	_, err = client.FetchTranscript(context.Background())
	require.NoError(t, err)

	require.Equal(t, "/pban1/bzsktran.P_Display_Form", seen.URL.Path)
	require.Equal(t, "S", seen.URL.Query().Get("user_type"))
	require.Equal(t, "V", seen.URL.Query().Get("tran_type"))
	require.Equal(t, srv.URL+"/pban1/twbkwbis.P_WWWLogin", seen.Header.Get("Referer"))
	require.Equal(t, srv.URL, seen.Header.Get("Origin"))
	require.Equal(t, "no-cache", seen.Header.Get("Cache-Control"))
	require.Equal(t, "1", seen.Header.Get("DNT"))
	require.Equal(t, "en-US,en;q=0.5", seen.Header.Get("Accept-Language"))
	require.True(t, strings.HasPrefix(seen.Header.Get("User-Agent"), "Mozilla/5.0"))

	cookie, err := seen.Cookie("TESTID")
	require.NoError(t, err)
	require.Equal(t, "set", cookie.Value)

	names := []string{}
	for _, c := range session.Cookies() {
		names = append(names, c.Name)
	}
	require.ElementsMatch(t, []string{"TESTID", "SESSID"}, names)

	// a new session does not inherit the previous cookies
	next, err := client.NewSession()
	require.NoError(t, err)
	require.NotEqual(t, session.ID, next.ID)
	require.Len(t, next.Cookies(), 1)
	require.Same(t, next, client.Session())
}

func TestClientFetchSchedule(t *testing.T) {
	var termIn string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		termIn = r.URL.Query().Get("term_in")
		w.Write([]byte("ok"))
	}))
	_, err := client.NewSession()
	require.NoError(t, err)

	body, err := client.FetchSchedule(context.Background(), Term{Season: Winter, Year: 2015})
	require.NoError(t, err)
	require.Equal(t, "ok", body)
	require.Equal(t, "201501", termIn)
}

func TestClientDoesNotFollowRedirects(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, pathLoginSubmit) {
			http.Redirect(w, r, "/pban1/twbkwbis.P_GenMenu?name=bmenu.P_MainMnu", http.StatusFound)
			return
		}
		http.Redirect(w, r, "/pban1/"+pathLoginPage, http.StatusFound)
	}))
	_, err := client.NewSession()
	require.NoError(t, err)

	res, err := client.SubmitLogin(context.Background(), map[string]string{"sid": "a", "PIN": "b"})
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, res.StatusCode)
	require.Contains(t, res.Location, pathMainMenu)

	_, err = client.FetchEbill(context.Background())
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusFound, statusErr.Code)
	require.Contains(t, statusErr.Location, pathLoginPage)
}

func TestClientTransportError(t *testing.T) {
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	_, err := client.NewSession()
	require.NoError(t, err)

	_, err = client.FetchRegistrationTerms(context.Background())
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr), "got %v", err)
}

func TestClientStatusError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	_, err := client.NewSession()
	require.NoError(t, err)

	_, err = client.FetchTranscript(context.Background())
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusInternalServerError, statusErr.Code)
}
