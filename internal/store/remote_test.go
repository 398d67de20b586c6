package store

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"martlet/internal/components/chrono"
	"martlet/internal/components/telemetry"
	"martlet/internal/scrapers/minerva"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const libsqlServerImage = "ghcr.io/tursodatabase/libsql-server:latest"

// setupLibsqlServer starts a libsql server and returns its http url.
func setupLibsqlServer(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("starts a container")
	}

	// suppress logging
	testcontainers.Logger = log.New(io.Discard, "", 0)

	ctx := context.Background()
	server, err := testcontainers.GenericContainer(
		ctx,
		testcontainers.GenericContainerRequest{
			Started: true,
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        libsqlServerImage,
				ExposedPorts: []string{"8080/tcp"},
				WaitingFor: wait.ForHTTP("/health").
					WithPort("8080/tcp").
					WithStartupTimeout(time.Minute),
			},
		},
	)
	if err != nil {
		t.Skipf("libsql server unavailable: %v", err)
	}
	t.Cleanup(func() {
		err := server.Terminate(context.Background())
		if err != nil {
			t.Fatal(err)
		}
	})

	host, err := server.Host(ctx)
	require.NoError(t, err)
	port, err := server.MappedPort(ctx, "8080/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("http://%s:%s", host, port.Port())
}

func TestOpenRemote(t *testing.T) {
	dsn := setupLibsqlServer(t)
	ctx := context.Background()

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	store := New(db, &telemetry.Recorder{}, chrono.FixedClock{At: testNow})

	transcript := minerva.Transcript{
		CGPA:         3.7,
		TotalCredits: 3,
		Entries: []minerva.TranscriptEntry{
			{Term: minerva.Term{Season: minerva.Fall, Year: 2014}, Code: "COMP 202", Section: "001", Title: "Intro", Credits: 3, Grade: "A"},
		},
	}
	require.NoError(t, store.Save(ctx, KindTranscript, transcript))
	require.NoError(t, db.Close())

	// a second connection finds the migrated schema and the saved row
	db, err = Open(ctx, dsn)
	require.NoError(t, err)
	defer db.Close()
	store = New(db, &telemetry.Recorder{}, chrono.FixedClock{At: testNow})

	var loaded minerva.Transcript
	require.True(t, store.Load(ctx, KindTranscript, &loaded))
	if diff := cmp.Diff(transcript, loaded); diff != "" {
		t.Fatal(diff)
	}
	savedAt, ok := store.SavedAt(ctx, KindTranscript)
	require.True(t, ok)
	require.True(t, savedAt.Equal(testNow))

	require.NoError(t, store.ClearAll(ctx))
	require.False(t, store.Load(ctx, KindTranscript, &loaded))
}
