// Package account implements logging in and out of the portal on this device.
package account

import (
	"context"
	"errors"
	"strings"

	"martlet/internal/appstate"
	"martlet/internal/assert"
	"martlet/internal/components/chrono"
	"martlet/internal/components/telemetry"
	"martlet/internal/scrapers/minerva"
	"martlet/internal/store"
	"martlet/internal/vault"
)

var (
	ErrEmptyUsername = errors.New("username is empty")
	ErrEmptyPassword = errors.New("password is empty")
	ErrNotLoggedIn   = errors.New("not logged in")
)

const (
	report_manager_login  = "manager.login"
	report_manager_logout = "manager.logout"
)

// Portal is the part of the portal session the account flows need. Its methods
// must not run while a refresh is using the session, refresh.Orchestrator
// provides that.
type Portal interface {
	Login(ctx context.Context, identity, password string) minerva.LoginResult
	ClearSession()
}

// Manager owns the stored credential and the preferences snapshot.
type Manager struct {
	portal Portal
	store  store.Store
	vault  vault.Vault
	state  *appstate.State
	clock  chrono.API
	tel    telemetry.API
}

func NewManager(
	portal Portal,
	st store.Store,
	v vault.Vault,
	state *appstate.State,
	tel telemetry.API,
	clock chrono.API,
) Manager {
	assert.NotNil(portal)
	assert.NotNil(state)
	assert.NotNil(tel)
	assert.NotNil(clock)
	return Manager{
		portal: portal,
		store:  st,
		vault:  v,
		state:  state,
		clock:  clock,
		tel:    telemetry.NewScopedAPI("account", tel),
	}
}

// Login checks the credentials against the portal and, when they are accepted,
// stores them. Empty input is rejected before any request is made.
func (m Manager) Login(ctx context.Context, username, password string, rememberUsername bool) (minerva.ConnectionStatus, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return minerva.StatusWrongCredentials, ErrEmptyUsername
	}
	if password == "" {
		return minerva.StatusWrongCredentials, ErrEmptyPassword
	}

	result := m.portal.Login(ctx, m.vault.CanonicalIdentity(username), password)
	if result.Status != minerva.StatusOK {
		m.tel.ReportDebug(report_manager_login, result.Status.String(), result.Err)
		return result.Status, result.Err
	}

	credential, err := m.vault.NewCredential(username, password)
	if err != nil {
		m.tel.ReportBroken(report_manager_login, err)
		return minerva.StatusOther, err
	}
	err = m.store.Save(ctx, store.KindCredential, credential)
	if err != nil {
		return minerva.StatusOther, err
	}

	prefs := m.state.Preferences()
	prefs.Username = username
	prefs.RememberUsername = rememberUsername
	if err := m.savePreferences(ctx, prefs); err != nil {
		return minerva.StatusOther, err
	}
	return minerva.StatusOK, nil
}

func (m Manager) savePreferences(ctx context.Context, prefs appstate.Preferences) error {
	err := m.store.Save(ctx, store.KindPreferences, prefs)
	if err != nil {
		return err
	}
	return m.state.Apply(store.KindPreferences, prefs)
}

// Credential returns the stored credential, ok is false when nobody is logged in.
func (m Manager) Credential(ctx context.Context) (vault.Credential, bool) {
	var credential vault.Credential
	if !m.store.Load(ctx, store.KindCredential, &credential) {
		return vault.Credential{}, false
	}
	if _, ok := m.vault.Decode(credential.EncryptedPassword); !ok {
		return vault.Credential{}, false
	}
	return credential, true
}

// FullUsername is the login id of the stored username.
func (m Manager) FullUsername() string {
	return m.vault.CanonicalIdentity(m.state.Preferences().Username)
}

// Logout forgets the password, every snapshot and the default term. The username
// is kept only if the user asked for it to be remembered.
func (m Manager) Logout(ctx context.Context) error {
	prefs := m.state.Preferences()

	m.portal.ClearSession()
	if err := m.store.ClearAll(ctx); err != nil {
		m.tel.ReportBroken(report_manager_logout, err)
		return err
	}
	m.state.Reset()

	if prefs.RememberUsername && prefs.Username != "" {
		return m.savePreferences(ctx, appstate.Preferences{
			Username:         prefs.Username,
			RememberUsername: true,
		})
	}
	return nil
}

// SetDefaultTerm changes the term whose schedule is refreshed, nil means the
// current term.
func (m Manager) SetDefaultTerm(ctx context.Context, term *minerva.Term) error {
	prefs := m.state.Preferences()
	prefs.DefaultTerm = term
	return m.savePreferences(ctx, prefs)
}

// ScheduleTerm is the default term if one is set, the current term otherwise.
func (m Manager) ScheduleTerm() minerva.Term {
	prefs := m.state.Preferences()
	if prefs.DefaultTerm != nil {
		return *prefs.DefaultTerm
	}
	return minerva.CurrentTerm(m.clock.Now())
}
