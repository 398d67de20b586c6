package commands

import (
	"errors"
	"os"
	"path/filepath"

	"martlet/internal/components/chrono"
	"martlet/internal/components/telemetry"
	"martlet/internal/configutil"
	"martlet/internal/scrapers/minerva"
)

const configName = "martlet.json5"

type PortalConfig struct {
	BaseUrl string `json:"base_url"`
	// ConnectTimeout and ReadTimeout are in seconds.
	ConnectTimeout int     `json:"connect_timeout"`
	ReadTimeout    int     `json:"read_timeout"`
	// RequestsPerSec caps the request rate. Zero means the default, a negative
	// value disables the cap.
	RequestsPerSec float64 `json:"requests_per_second"`
	UserAgent      string  `json:"user_agent"`
	EmailSuffix    string  `json:"email_suffix"`
}

type WatchConfig struct {
	// Cron is a robfig/cron spec, descriptors like "@every 1h" work too.
	Cron string `json:"cron"`
	// PerfStatsInterval is in seconds.
	PerfStatsInterval int `json:"perf_stats_interval"`
}

type Config struct {
	Portal PortalConfig `json:"portal"`
	// Database is a sqlite file path or a libsql:// url.
	Database  string           `json:"database"`
	VaultKey  string           `json:"vault_key"`
	Timezone  string           `json:"timezone"`
	DumpDir   string           `json:"dump_dir"`
	Watch     WatchConfig      `json:"watch"`
	Telemetry telemetry.Config `json:"telemetry"`
}

func defaultConfig() Config {
	dataDir := ".martlet"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".martlet")
	}
	return Config{
		Portal: PortalConfig{
			BaseUrl:        minerva.DefaultBaseUrl,
			ConnectTimeout: 10,
			ReadTimeout:    30,
			RequestsPerSec: 2,
		},
		Database: filepath.Join(dataDir, "martlet.db"),
		VaultKey: filepath.Join(dataDir, "vault.key"),
		Timezone: chrono.Montreal,
		DumpDir:  filepath.Join(dataDir, "dumps"),
		Watch: WatchConfig{
			Cron:              "@every 6h",
			PerfStatsInterval: 60,
		},
	}
}

// loadConfig reads the given file, or searches for martlet.json5 upwards from
// the working directory. Running without any config file is fine.
func loadConfig(path string) (Config, error) {
	var (
		cfg Config
		err error
	)
	if path != "" {
		cfg, err = configutil.ReadConfig[Config](path)
	} else {
		cfg, err = configutil.ReadRecursively[Config](configName)
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}
	if path != "" && err != nil {
		return Config{}, err
	}
	return configutil.WithDefaults(cfg, defaultConfig())
}
