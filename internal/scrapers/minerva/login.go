package minerva

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"martlet/internal/assert"
	"martlet/internal/components/telemetry"
	"martlet/internal/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LoginState is a step of the login handshake.
type LoginState int

const (
	Unauthenticated LoginState = iota
	LoginPageFetched
	CredentialsSubmitted
	Authenticated
	Rejected
)

func (s LoginState) String() string {
	switch s {
	case Unauthenticated:
		return "UNAUTHENTICATED"
	case LoginPageFetched:
		return "LOGIN_PAGE_FETCHED"
	case CredentialsSubmitted:
		return "CREDENTIALS_SUBMITTED"
	case Authenticated:
		return "AUTHENTICATED"
	case Rejected:
		return "REJECTED"
	}
	return fmt.Sprintf("LoginState(%d)", int(s))
}

const (
	loginFormSelector = `form[name="loginform"], form[action*="P_ValLogin"]`
	fieldUsername     = "sid"
	fieldPassword     = "PIN"
)

// failure markers the portal renders on the login page after a rejected submission
var loginFailureMarkers = []string{
	"Authorization Failure",
	"Invalid User ID or PIN",
}

var metaRefreshUrl = regexp.MustCompile(`(?i)<meta[^>]+http-equiv=["']?refresh["']?[^>]*content=["']?[^"'>]*url=([^"'>\s]+)`)

const (
	report_authenticator_login = "authenticator.login"
)

// LoginResult is the outcome of a login handshake.
type LoginResult struct {
	State  LoginState
	Status ConnectionStatus
	// Err carries the underlying cause when State is Rejected.
	Err error
	// Transitions lists every state the handshake went through.
	Transitions []LoginState
}

// Authenticator runs the login handshake against a Client.
type Authenticator struct {
	client *Client
	tel    telemetry.API
}

func NewAuthenticator(client *Client, tel telemetry.API) Authenticator {
	assert.NotNil(client)
	assert.NotNil(tel)
	return Authenticator{
		client: client,
		tel:    telemetry.NewScopedAPI("minerva", tel),
	}
}

type loginRun struct {
	tel    telemetry.API
	span   trace.Span
	result LoginResult
}

func (r *loginRun) transition(state LoginState) {
	r.result.State = state
	r.result.Transitions = append(r.result.Transitions, state)
	r.span.AddEvent(state.String())
	r.tel.ReportDebug(report_authenticator_login, "transition", state.String())
}

func (r *loginRun) reject(status ConnectionStatus, err error) LoginResult {
	r.transition(Rejected)
	r.result.Status = status
	r.result.Err = err
	r.span.SetAttributes(attribute.String("status", status.String()))
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, status.String())
	return r.result
}

// Login authenticates `identity` (already canonical) with `password` in a fresh
// session. The result is never inferred from the HTTP status code alone.
func (a Authenticator) Login(ctx context.Context, identity, password string) LoginResult {
	ctx, span := tracer.Start(ctx, "authenticator:Login")
	defer span.End()

	run := &loginRun{tel: a.tel, span: span}
	run.transition(Unauthenticated)

	_, err := a.client.NewSession()
	if err != nil {
		return run.reject(StatusOther, fmt.Errorf("new session: %w", err))
	}

	page, err := a.client.FetchLoginPage(ctx)
	if err != nil {
		return run.reject(classifyFetchError(err), err)
	}
	run.transition(LoginPageFetched)

	form, err := loginForm(page)
	if err != nil {
		return run.reject(StatusParseError, err)
	}
	form[fieldUsername] = identity
	form[fieldPassword] = password

	res, err := a.client.SubmitLogin(ctx, form)
	if err != nil {
		return run.reject(classifyFetchError(err), err)
	}
	run.transition(CredentialsSubmitted)

	status, err := classifyLogin(res)
	if status != StatusOK {
		return run.reject(status, err)
	}
	run.transition(Authenticated)
	run.result.Status = StatusOK
	span.SetAttributes(attribute.String("status", StatusOK.String()))
	return run.result
}

func classifyFetchError(err error) ConnectionStatus {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return StatusNoInternet
	}
	return StatusOther
}

// loginForm returns the hidden fields of the login form.
func loginForm(page string) (map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, newParseError("login", fmt.Sprintf("parse html: %v", err), page)
	}
	form := doc.Find(loginFormSelector).First()
	if form.Length() == 0 {
		return nil, newParseError("login", "login form not found", page)
	}
	return htmlutil.HiddenInputs(form), nil
}

func isMainMenu(target string) bool {
	return strings.Contains(target, pathMainMenu)
}

func classifyLogin(res LoginResponse) (ConnectionStatus, error) {
	for _, marker := range loginFailureMarkers {
		if strings.Contains(res.Body, marker) {
			return StatusWrongCredentials, ErrWrongCredentials
		}
	}
	if res.Location != "" && isMainMenu(res.Location) {
		return StatusOK, nil
	}
	for _, match := range metaRefreshUrl.FindAllStringSubmatch(res.Body, -1) {
		if isMainMenu(match[1]) {
			return StatusOK, nil
		}
	}
	return StatusOther, fmt.Errorf(
		"unrecognized login response (status %d): %s",
		res.StatusCode, snippet(res.Body),
	)
}
