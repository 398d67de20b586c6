// Package refresh runs the end to end sync with the portal: authenticate, then
// fetch, extract and save every entity in a fixed order, reporting a single
// ConnectionStatus.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"martlet/internal/appstate"
	"martlet/internal/assert"
	"martlet/internal/components/chrono"
	"martlet/internal/components/telemetry"
	"martlet/internal/scrapers/minerva"
	"martlet/internal/store"
	"martlet/internal/vault"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("martlet/refresh")
var meter = otel.Meter("martlet/refresh")
var outcomeCounter, _ = meter.Int64Counter(
	"refresh.outcomes",
	metric.WithDescription("number of refreshes by connection status"),
)

var (
	// ErrCancelled is returned when the context is cancelled mid refresh, it is
	// never reported as a ConnectionStatus.
	ErrCancelled = errors.New("refresh cancelled")
	// ErrRefreshInProgress is returned to a concurrent caller when joining is disabled.
	ErrRefreshInProgress = errors.New("a refresh is already in progress")
	// ErrNoCredential means the stored credential is missing or cannot be decoded.
	ErrNoCredential = errors.New("no usable credential")
)

const (
	report_orchestrator_refresh = "orchestrator.refresh"
	report_orchestrator_skipped = "orchestrator.skipped-rows"
	report_orchestrator_save    = "orchestrator.save"
)

// Order is the order entities are always refreshed in.
var Order = []store.Kind{
	store.KindSchedule,
	store.KindTranscript,
	store.KindEbill,
	store.KindRegisterTerms,
}

// Saver is the write side of the store.
type Saver interface {
	Save(ctx context.Context, kind store.Kind, value any) error
}

type Options struct {
	// RejectConcurrent makes a caller that arrives while a refresh is running get
	// ErrRefreshInProgress instead of joining it.
	RejectConcurrent bool
	// ScheduleTerm picks the term whose schedule is fetched, it defaults to the
	// current term.
	ScheduleTerm func() minerva.Term
	// OnSaved is called after every successful save.
	OnSaved func(kind store.Kind, value any)
}

// Result is the outcome of one refresh.
type Result struct {
	Status minerva.ConnectionStatus
	// Kind is the entity that failed, empty when the refresh succeeded or failed
	// before fetching anything.
	Kind store.Kind
	// Extractor is set when Status is StatusParseError.
	Extractor string
	// Skipped counts the malformed rows dropped per entity.
	Skipped map[store.Kind]int
	// Shared is true when the result came from a refresh other callers joined.
	Shared bool
	Err    error
}

// Outcome is what RefreshAsync delivers.
type Outcome struct {
	Result Result
	Err    error
}

type Orchestrator struct {
	client *minerva.Client
	auth   minerva.Authenticator
	saver  Saver
	vault  vault.Vault
	tel    telemetry.API
	clock  chrono.API
	opts   Options

	group   singleflight.Group
	running atomic.Bool
	// flight is the context of the shared run, it is cancelled once every
	// caller waiting on it has given up
	flightMutex  sync.Mutex
	flightCtx    context.Context
	flightCancel context.CancelFunc
	waiters      int
	// mutex serializes runs so that two network sequences never interleave
	mutex sync.Mutex
}

func NewOrchestrator(
	client *minerva.Client,
	saver Saver,
	v vault.Vault,
	tel telemetry.API,
	clock chrono.API,
	opts Options,
) *Orchestrator {
	assert.NotNil(client)
	assert.NotNil(saver)
	assert.NotNil(tel)
	assert.NotNil(clock)

	if opts.ScheduleTerm == nil {
		opts.ScheduleTerm = func() minerva.Term {
			return minerva.CurrentTerm(clock.Now())
		}
	}
	if opts.OnSaved == nil {
		opts.OnSaved = func(store.Kind, any) {}
	}

	return &Orchestrator{
		client: client,
		auth:   minerva.NewAuthenticator(client, tel),
		saver:  saver,
		vault:  v,
		tel:    telemetry.NewScopedAPI("refresh", tel),
		clock:  clock,
		opts:   opts,
	}
}

// Refresh runs a refresh for the given kinds, nil means every kind. The returned
// error is only ever ErrCancelled or ErrRefreshInProgress, every other failure
// is described by the Result.
func (o *Orchestrator) Refresh(ctx context.Context, credential vault.Credential, kinds []store.Kind) (Result, error) {
	if o.opts.RejectConcurrent {
		if !o.running.CompareAndSwap(false, true) {
			return Result{}, ErrRefreshInProgress
		}
		defer o.running.Store(false)
		return o.run(ctx, credential, kinds)
	}

	if ctx.Err() != nil {
		return Result{}, ErrCancelled
	}

	runCtx := o.join(ctx)
	defer o.leave()

	ch := o.group.DoChan("refresh", func() (any, error) {
		return o.run(runCtx, credential, kinds)
	})
	select {
	case res := <-ch:
		result, _ := res.Val.(Result)
		result.Shared = res.Shared
		return result, res.Err
	case <-ctx.Done():
		return Result{}, ErrCancelled
	}
}

// join registers a caller of the shared run and returns the context the run
// uses. It keeps the caller's values but not its cancellation.
func (o *Orchestrator) join(ctx context.Context) context.Context {
	o.flightMutex.Lock()
	defer o.flightMutex.Unlock()

	if o.waiters == 0 {
		o.flightCtx, o.flightCancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	o.waiters++
	return o.flightCtx
}

// leave unregisters a caller, the last one out cancels the shared run and
// forgets it so that later callers start a fresh one.
func (o *Orchestrator) leave() {
	o.flightMutex.Lock()
	defer o.flightMutex.Unlock()

	o.waiters--
	if o.waiters > 0 {
		return
	}
	o.flightCancel()
	o.group.Forget("refresh")
	o.flightCtx = nil
	o.flightCancel = nil
}

// RefreshAsync runs Refresh in the background, the channel delivers exactly
// one Outcome and is then closed.
func (o *Orchestrator) RefreshAsync(ctx context.Context, credential vault.Credential, kinds []store.Kind) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		result, err := o.Refresh(ctx, credential, kinds)
		out <- Outcome{Result: result, Err: err}
	}()
	return out
}

// Login authenticates outside of a refresh, for example to check new credentials.
// It waits for a running refresh to finish since both share the portal session.
func (o *Orchestrator) Login(ctx context.Context, identity, password string) minerva.LoginResult {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.auth.Login(ctx, identity, password)
}

// ClearSession drops the portal session once no refresh is using it.
func (o *Orchestrator) ClearSession() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.client.ClearSession()
}

type step struct {
	kind    store.Kind
	fetch   func(ctx context.Context) (string, error)
	extract func(page string) (value any, skipped int, err error)
}

func (o *Orchestrator) steps(kinds []store.Kind) []step {
	term := o.opts.ScheduleTerm()
	all := map[store.Kind]step{
		store.KindSchedule: {
			kind: store.KindSchedule,
			fetch: func(ctx context.Context) (string, error) {
				return o.client.FetchSchedule(ctx, term)
			},
			extract: func(page string) (any, int, error) {
				res, err := minerva.ExtractSchedule(term, page)
				return appstate.Schedule{Term: term, Sessions: res.Records}, res.Skipped, err
			},
		},
		store.KindTranscript: {
			kind:  store.KindTranscript,
			fetch: o.client.FetchTranscript,
			extract: func(page string) (any, int, error) {
				res, err := minerva.ExtractTranscript(page)
				return res.Records, res.Skipped, err
			},
		},
		store.KindEbill: {
			kind:  store.KindEbill,
			fetch: o.client.FetchEbill,
			extract: func(page string) (any, int, error) {
				res, err := minerva.ExtractEbill(page)
				return res.Records, res.Skipped, err
			},
		},
		store.KindRegisterTerms: {
			kind:  store.KindRegisterTerms,
			fetch: o.client.FetchRegistrationTerms,
			extract: func(page string) (any, int, error) {
				res, err := minerva.ExtractRegistrationTerms(page)
				return res.Records, res.Skipped, err
			},
		},
	}

	var out []step
	for _, kind := range Order {
		if kinds != nil && !containsKind(kinds, kind) {
			continue
		}
		out = append(out, all[kind])
	}
	return out
}

func containsKind(kinds []store.Kind, kind store.Kind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (o *Orchestrator) run(ctx context.Context, credential vault.Credential, kinds []store.Kind) (Result, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	ctx, span := tracer.Start(ctx, "Refresh")
	defer span.End()

	result, err := o.sequence(ctx, credential, kinds)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		o.tel.ReportDebug(report_orchestrator_refresh, "cancelled")
		return Result{}, err
	}

	span.SetAttributes(attribute.String("status", result.Status.String()))
	if result.Status != minerva.StatusOK {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Status.String())
	}
	outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", result.Status.String())))
	o.tel.ReportDebug(report_orchestrator_refresh, result.Status.String(), result.Kind, result.Err)
	return result, nil
}

func (o *Orchestrator) sequence(ctx context.Context, credential vault.Credential, kinds []store.Kind) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ErrCancelled
	}

	password, ok := o.vault.Decode(credential.EncryptedPassword)
	if !ok || credential.Username == "" {
		return Result{Status: minerva.StatusWrongCredentials, Err: ErrNoCredential}, nil
	}

	login := o.auth.Login(ctx, o.vault.CanonicalIdentity(credential.Username), password)
	if ctx.Err() != nil {
		return Result{}, ErrCancelled
	}
	if login.State != minerva.Authenticated {
		return Result{Status: login.Status, Err: login.Err}, nil
	}

	skipped := map[store.Kind]int{}
	for _, s := range o.steps(kinds) {
		if ctx.Err() != nil {
			return Result{}, ErrCancelled
		}

		page, err := o.fetch(ctx, s)
		if ctx.Err() != nil {
			return Result{}, ErrCancelled
		}
		if err != nil {
			return Result{Status: fetchStatus(err), Kind: s.kind, Skipped: skipped, Err: err}, nil
		}

		value, n, err := s.extract(page)
		if err != nil {
			result := Result{Status: minerva.StatusParseError, Kind: s.kind, Skipped: skipped, Err: err}
			var parseErr *minerva.ParseError
			if errors.As(err, &parseErr) {
				result.Extractor = parseErr.Extractor
			}
			o.tel.ReportBroken(report_orchestrator_refresh, s.kind, err)
			return result, nil
		}
		skipped[s.kind] = n
		if n > 0 {
			o.tel.ReportWarning(report_orchestrator_skipped, s.kind, n)
		}

		err = o.saver.Save(ctx, s.kind, value)
		if ctx.Err() != nil {
			return Result{}, ErrCancelled
		}
		if err != nil {
			o.tel.ReportBroken(report_orchestrator_save, s.kind, err)
			return Result{
				Status:  minerva.StatusOther,
				Kind:    s.kind,
				Skipped: skipped,
				Err:     fmt.Errorf("save %s: %w", s.kind, err),
			}, nil
		}
		o.opts.OnSaved(s.kind, value)
	}

	return Result{Status: minerva.StatusOK, Skipped: skipped}, nil
}

// fetch retries a fetch once, immediately, when it fails at the transport level.
func (o *Orchestrator) fetch(ctx context.Context, s step) (string, error) {
	var page string
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		page, err = s.fetch(ctx)
		if err == nil {
			return nil
		}
		var transportErr *minerva.TransportError
		if !errors.As(err, &transportErr) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if attempt == 1 {
			o.tel.ReportDebug(report_orchestrator_refresh, "retrying", s.kind, err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1), ctx)
	err := backoff.Retry(operation, policy)
	return page, err
}

func fetchStatus(err error) minerva.ConnectionStatus {
	var transportErr *minerva.TransportError
	if errors.As(err, &transportErr) {
		return minerva.StatusNoInternet
	}
	return minerva.StatusOther
}
