package restyutil

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

func TestRedactBody(t *testing.T) {
	require.Equal(t, "sid=a&PIN=<redacted>&x=1", redactBody("sid=a&PIN=hunter2&x=1"))
	require.Equal(t, "PIN=<redacted>", redactBody("PIN=hunter2"))
	require.Equal(t, "sid=PIN", redactBody("sid=PIN"))
}

func TestInstrumentClientDumps(t *testing.T) {
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(previous) })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "dumps")
	output, err := NewFilesystemOutput(dir)
	require.NoError(t, err)

	client := resty.New()
	InstrumentClient(client, nil, output)

	_, err = client.R().
		SetFormData(map[string]string{"sid": "someone", "PIN": "hunter2"}).
		Post(srv.URL + "/login")
	require.NoError(t, err)

	contents, err := os.ReadFile(filepath.Join(dir, "1.txt"))
	require.NoError(t, err)
	require.True(t, strings.Contains(string(contents), "<html>ok</html>"))
	require.True(t, strings.Contains(string(contents), "PIN=<redacted>"))
	require.False(t, strings.Contains(string(contents), "hunter2"))
}
