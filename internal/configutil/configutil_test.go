package configutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	BaseUrl string  `json:"base_url"`
	Rate    float64 `json:"rate"`
	Nested  struct {
		Dir string `json:"dir"`
	} `json:"nested"`
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.json5"), []byte(`{
		// comments are allowed
		base_url: "https://example.com/",
		rate: 2,
		nested: { dir: "a" },
	}`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.local.json5"), []byte(`{
		nested: { dir: "b" },
	}`), 0600))

	config, err := ReadConfig[testConfig](filepath.Join(dir, "app.json5"))
	require.NoError(t, err)
	require.Equal(t, "https://example.com/", config.BaseUrl)
	require.Equal(t, 2.0, config.Rate)
	require.Equal(t, "b", config.Nested.Dir)
}

func TestReadConfigMissing(t *testing.T) {
	_, err := ReadConfig[testConfig](filepath.Join(t.TempDir(), "app.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWithDefaults(t *testing.T) {
	config, err := WithDefaults(testConfig{BaseUrl: "x"}, testConfig{BaseUrl: "y", Rate: 3})
	require.NoError(t, err)
	require.Equal(t, "x", config.BaseUrl)
	require.Equal(t, 3.0, config.Rate)
}
