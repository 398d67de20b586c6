package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"martlet/internal/assert"
	"martlet/internal/components/chrono"
	"martlet/internal/components/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("martlet/store")

// Kind names an entity that has exactly one snapshot.
type Kind string

const (
	KindSchedule      Kind = "schedule"
	KindTranscript    Kind = "transcript"
	KindEbill         Kind = "ebill"
	KindRegisterTerms Kind = "register_terms"
	KindCredential    Kind = "credential"
	KindPreferences   Kind = "preferences"
)

// Kinds lists every entity kind.
var Kinds = []Kind{
	KindSchedule,
	KindTranscript,
	KindEbill,
	KindRegisterTerms,
	KindCredential,
	KindPreferences,
}

// schemaVersions must be bumped whenever the json shape of a kind changes, rows
// saved under another version are ignored.
var schemaVersions = map[Kind]int{
	KindSchedule:      1,
	KindTranscript:    1,
	KindEbill:         1,
	KindRegisterTerms: 1,
	KindCredential:    1,
	KindPreferences:   1,
}

const (
	report_store_load = "store.load"
	report_store_save = "store.save"
)

// StorageError is a failure to write to or delete from the database.
type StorageError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *StorageError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

var ErrUnknownKind = errors.New("unknown snapshot kind")

// Store keeps the latest snapshot of every kind, saving a kind replaces its
// previous snapshot entirely.
type Store struct {
	db       *sql.DB
	tel      telemetry.API
	clock    chrono.API
	versions map[Kind]int
}

func New(db *sql.DB, tel telemetry.API, clock chrono.API) Store {
	assert.NotNil(db)
	assert.NotNil(tel)
	assert.NotNil(clock)
	return Store{
		db:       db,
		tel:      telemetry.NewScopedAPI("store", tel),
		clock:    clock,
		versions: schemaVersions,
	}
}

func (s Store) version(kind Kind) (int, error) {
	v, ok := s.versions[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return v, nil
}

func (s Store) Save(ctx context.Context, kind Kind, value any) error {
	ctx, span := tracer.Start(ctx, "Save")
	defer span.End()
	span.SetAttributes(attribute.String("kind", string(kind)))

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save snapshot")
		s.tel.ReportBroken(report_store_save, kind, err)
		return &StorageError{Op: "save", Kind: kind, Err: err}
	}

	version, err := s.version(kind)
	if err != nil {
		return fail(err)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fail(fmt.Errorf("json marshal: %w", err))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO snapshots (kind, schema_version, payload, saved_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (kind) DO UPDATE SET
			schema_version = excluded.schema_version,
			payload = excluded.payload,
			saved_at = excluded.saved_at`,
		string(kind), version, string(payload), s.clock.Now().Unix(),
	)
	if err != nil {
		return fail(err)
	}
	if err := tx.Commit(); err != nil {
		return fail(err)
	}
	return nil
}

// Load decodes the snapshot of kind into out. Missing, outdated and corrupt
// snapshots all load as absent, Load never fails.
func (s Store) Load(ctx context.Context, kind Kind, out any) bool {
	ctx, span := tracer.Start(ctx, "Load")
	defer span.End()
	span.SetAttributes(attribute.String("kind", string(kind)))

	expected, err := s.version(kind)
	if err != nil {
		s.tel.ReportWarning(report_store_load, kind, err)
		return false
	}

	var version int
	var payload string
	err = s.db.QueryRowContext(
		ctx,
		"SELECT schema_version, payload FROM snapshots WHERE kind = ?",
		string(kind),
	).Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if err != nil {
		span.RecordError(err)
		s.tel.ReportWarning(report_store_load, kind, err)
		return false
	}

	if version != expected {
		s.tel.ReportWarning(
			report_store_load,
			kind,
			fmt.Errorf("snapshot has schema version %d, expected %d", version, expected),
		)
		return false
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		span.RecordError(err)
		s.tel.ReportWarning(report_store_load, kind, fmt.Errorf("json unmarshal: %w", err))
		return false
	}
	return true
}

// SavedAt returns when the snapshot of kind was last saved.
func (s Store) SavedAt(ctx context.Context, kind Kind) (time.Time, bool) {
	var savedAt int64
	err := s.db.QueryRowContext(
		ctx,
		"SELECT saved_at FROM snapshots WHERE kind = ?",
		string(kind),
	).Scan(&savedAt)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(savedAt, 0).In(s.clock.Location()), true
}

func (s Store) Clear(ctx context.Context, kind Kind) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE kind = ?", string(kind))
	if err != nil {
		return &StorageError{Op: "clear", Kind: kind, Err: err}
	}
	return nil
}

func (s Store) ClearAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM snapshots")
	if err != nil {
		return &StorageError{Op: "clear all", Err: err}
	}
	return nil
}
