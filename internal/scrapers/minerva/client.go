package minerva

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync/atomic"
	"time"

	"martlet/internal/assert"
	"martlet/internal/components/chrono"
	"martlet/internal/components/telemetry"
	"martlet/internal/restyutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("martlet/scrapers/minerva")

const DefaultBaseUrl = "https://horizon.mcgill.ca/pban1/"

const (
	pathLoginPage     = "twbkwbis.P_WWWLogin"
	pathLoginSubmit   = "twbkwbis.P_ValLogin"
	pathMainMenu      = "twbkwbis.P_GenMenu"
	pathSchedule      = "bwskfshd.P_CrseSchdDetl"
	pathTranscript    = "bzsktran.P_Display_Form"
	pathEbill         = "bztkcbil.pm_viewbills"
	pathRegisterTerms = "bwskfreg.P_AltPin"
)

const (
	report_client_new_session      = "client.new-session"
	report_client_fetch_login_page = "client.fetch-login-page"
	report_client_submit_login     = "client.submit-login"
	report_client_fetch            = "client.fetch"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0"

type Options struct {
	// BaseUrl defaults to DefaultBaseUrl, it must end with a "/".
	BaseUrl        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// RateLimit defaults to 2 requests per second, use rate.Inf to disable.
	RateLimit rate.Limit
	UserAgent string
	// DumpOutput receives every HTTP exchange when debug logging is enabled.
	DumpOutput restyutil.InstrumentOutput
	// DisableBrowserTLS keeps the plain transport, httptest servers do not speak
	// the browser cipher suites.
	DisableBrowserTLS bool
}

func (o Options) withDefaults() Options {
	if o.BaseUrl == "" {
		o.BaseUrl = DefaultBaseUrl
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.RateLimit == 0 {
		o.RateLimit = 2
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	return o
}

// Cookie is a cookie held by a session.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
}

// Session is the cookie state of one authentication attempt.
type Session struct {
	ID            string
	EstablishedAt time.Time

	jar     *cookiejar.Jar
	baseUrl *url.URL
}

func (s *Session) Cookies() []Cookie {
	var out []Cookie
	for _, c := range s.jar.Cookies(s.baseUrl) {
		out = append(out, Cookie{Name: c.Name, Value: c.Value, Domain: s.baseUrl.Hostname()})
	}
	return out
}

// sessionJar routes cookies to whichever session is current, so replacing the
// session also replaces the jar without touching the http client.
type sessionJar struct {
	client *Client
}

func (j sessionJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	s := j.client.session.Load()
	if s == nil {
		return
	}
	s.jar.SetCookies(u, cookies)
}

func (j sessionJar) Cookies(u *url.URL) []*http.Cookie {
	s := j.client.session.Load()
	if s == nil {
		return nil
	}
	return s.jar.Cookies(u)
}

// Client is the HTTP transport to the portal. It holds at most one session and
// never interprets what a response means.
type Client struct {
	baseUrl *url.URL
	http    *resty.Client
	tel     telemetry.API
	clock   chrono.API
	session atomic.Pointer[Session]
}

func NewClient(opts Options, tel telemetry.API, clock chrono.API) (*Client, error) {
	assert.NotNil(tel)
	assert.NotNil(clock)
	opts = opts.withDefaults()

	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if baseUrl.Scheme == "" || baseUrl.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", opts.BaseUrl)
	}

	c := &Client{
		baseUrl: baseUrl,
		tel:     telemetry.NewScopedAPI("minerva", tel),
		clock:   clock,
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(baseUrl.String())
	httpClient.SetTransport(transport)
	if !opts.DisableBrowserTLS {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}
	httpClient.SetCookieJar(sessionJar{client: c})
	// redirects are surfaced to the caller, the login classification depends on them
	httpClient.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}))

	origin := fmt.Sprintf("%s://%s", baseUrl.Scheme, baseUrl.Host)
	httpClient.SetHeaders(map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.5",
		"User-Agent":      opts.UserAgent,
		"Referer":         baseUrl.ResolveReference(&url.URL{Path: pathLoginPage}).String(),
		"Origin":          origin,
		"Connection":      "keep-alive",
		"Cache-Control":   "no-cache",
		"DNT":             "1",
	})

	restyutil.InstrumentClient(httpClient, tracer, opts.DumpOutput)
	telemetry.InstrumentResty(httpClient, c.tel)

	// max burst >= 1 just means that no requests will be dropped
	rateLimiter := rate.NewLimiter(opts.RateLimit, 1)
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})

	c.http = httpClient
	return c, nil
}

// BaseUrl is the portal root every path is resolved against.
func (c *Client) BaseUrl() *url.URL {
	u := *c.baseUrl
	return &u
}

// Session returns the current session or nil.
func (c *Client) Session() *Session {
	return c.session.Load()
}

// NewSession discards the current session and starts an empty one, seeded with
// the TESTID cookie the portal checks for on login.
func (c *Client) NewSession() (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	jar.SetCookies(c.baseUrl, []*http.Cookie{{
		Name:  "TESTID",
		Value: "set",
		Path:  "/",
	}})

	session := &Session{
		ID:            uuid.NewString(),
		EstablishedAt: c.clock.Now(),
		jar:           jar,
		baseUrl:       c.BaseUrl(),
	}
	c.session.Store(session)
	c.tel.ReportDebug(report_client_new_session, session.ID)
	return session, nil
}

// ClearSession drops the current session, the next request carries no cookies.
func (c *Client) ClearSession() {
	c.session.Store(nil)
}

// FetchLoginPage returns the html of the login page.
func (c *Client) FetchLoginPage(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "client:FetchLoginPage")
	defer span.End()

	res, err := c.http.R().
		SetContext(ctx).
		Get(pathLoginPage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch login page")
		c.tel.ReportDebug(report_client_fetch_login_page, err)
		return "", &TransportError{Op: "fetch login page", Err: err}
	}
	if !res.IsSuccess() {
		span.SetStatus(codes.Error, "unexpected status")
		return "", &StatusError{Op: "fetch login page", Code: res.StatusCode(), Location: res.Header().Get("Location")}
	}
	return res.String(), nil
}

// LoginResponse is the raw answer to a login form submission.
type LoginResponse struct {
	Body       string
	StatusCode int
	Location   string
}

// SubmitLogin posts the login form. Any response is returned as is, only
// transport failures are errors.
func (c *Client) SubmitLogin(ctx context.Context, form map[string]string) (LoginResponse, error) {
	ctx, span := tracer.Start(ctx, "client:SubmitLogin")
	defer span.End()

	res, err := c.http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(pathLoginSubmit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit login")
		c.tel.ReportDebug(report_client_submit_login, err)
		return LoginResponse{}, &TransportError{Op: "submit login", Err: err}
	}

	span.SetAttributes(attribute.Int("status", res.StatusCode()))
	return LoginResponse{
		Body:       res.String(),
		StatusCode: res.StatusCode(),
		Location:   res.Header().Get("Location"),
	}, nil
}

func (c *Client) fetch(ctx context.Context, op, path string, query map[string]string) (string, error) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("client:%s", op))
	defer span.End()

	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		c.tel.ReportDebug(report_client_fetch, op, err)
		return "", &TransportError{Op: op, Err: err}
	}
	if !res.IsSuccess() {
		span.SetStatus(codes.Error, "unexpected status")
		c.tel.ReportWarning(report_client_fetch, op, res.StatusCode())
		return "", &StatusError{
			Op:       op,
			Code:     res.StatusCode(),
			Location: res.Header().Get("Location"),
		}
	}
	return res.String(), nil
}

func (c *Client) FetchSchedule(ctx context.Context, term Term) (string, error) {
	return c.fetch(ctx, "fetch schedule", pathSchedule, map[string]string{
		"term_in": term.Code(),
	})
}

func (c *Client) FetchTranscript(ctx context.Context) (string, error) {
	return c.fetch(ctx, "fetch transcript", pathTranscript, map[string]string{
		"user_type": "S",
		"tran_type": "V",
	})
}

func (c *Client) FetchEbill(ctx context.Context) (string, error) {
	return c.fetch(ctx, "fetch ebill", pathEbill, nil)
}

func (c *Client) FetchRegistrationTerms(ctx context.Context) (string, error) {
	return c.fetch(ctx, "fetch registration terms", pathRegisterTerms, nil)
}
