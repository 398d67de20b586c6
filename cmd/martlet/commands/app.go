package commands

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"martlet/internal/account"
	"martlet/internal/appstate"
	"martlet/internal/components/chrono"
	"martlet/internal/components/telemetry"
	"martlet/internal/refresh"
	"martlet/internal/restyutil"
	"martlet/internal/scrapers/minerva"
	"martlet/internal/store"
	"martlet/internal/vault"

	"golang.org/x/time/rate"
)

// app is everything a command needs, built once per invocation.
type app struct {
	cfg          Config
	tel          telemetry.API
	clock        chrono.StandardImpl
	db           *sql.DB
	store        store.Store
	vault        vault.Vault
	state        *appstate.State
	client       *minerva.Client
	account      account.Manager
	orchestrator *refresh.Orchestrator
}

func newApp(ctx context.Context, cfg Config, debug bool) (*app, error) {
	tel := telemetry.SlogAPI{}

	clock, err := chrono.NewStandardImpl(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	key, err := vault.LoadOrCreateKey(cfg.VaultKey)
	if err != nil {
		return nil, fmt.Errorf("load vault key: %w", err)
	}
	v, err := vault.New(key, cfg.Portal.EmailSuffix)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	st := store.New(db, tel, clock)
	state := appstate.Load(ctx, st)

	opts := minerva.Options{
		BaseUrl:        cfg.Portal.BaseUrl,
		ConnectTimeout: time.Duration(cfg.Portal.ConnectTimeout) * time.Second,
		ReadTimeout:    time.Duration(cfg.Portal.ReadTimeout) * time.Second,
		RateLimit:      requestLimit(cfg.Portal.RequestsPerSec),
		UserAgent:      cfg.Portal.UserAgent,
	}
	if debug && cfg.DumpDir != "" {
		output, err := restyutil.NewFilesystemOutput(cfg.DumpDir)
		if err != nil {
			slog.Warn("http dumps disabled", "dir", cfg.DumpDir, "err", err)
		} else {
			opts.DumpOutput = output
		}
	}
	client, err := minerva.NewClient(opts, tel, clock)
	if err != nil {
		db.Close()
		return nil, err
	}

	var manager account.Manager
	orchestrator := refresh.NewOrchestrator(client, st, v, tel, clock, refresh.Options{
		ScheduleTerm: func() minerva.Term {
			return manager.ScheduleTerm()
		},
		OnSaved: func(kind store.Kind, value any) {
			if err := state.Apply(kind, value); err != nil {
				tel.ReportBroken("app.apply", kind, err)
			}
		},
	})

	manager = account.NewManager(orchestrator, st, v, state, tel, clock)

	return &app{
		cfg:          cfg,
		tel:          tel,
		clock:        clock,
		db:           db,
		store:        st,
		vault:        v,
		state:        state,
		client:       client,
		account:      manager,
		orchestrator: orchestrator,
	}, nil
}

func requestLimit(perSecond float64) rate.Limit {
	if perSecond < 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

func (a *app) Close() error {
	return a.db.Close()
}

// refresh syncs the given kinds with the stored credential.
func (a *app) refresh(ctx context.Context, kinds []store.Kind) (refresh.Result, error) {
	credential, ok := a.account.Credential(ctx)
	if !ok {
		return refresh.Result{}, account.ErrNotLoggedIn
	}
	return a.orchestrator.Refresh(ctx, credential, kinds)
}
