package config

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

type Config struct {
	GeoIP struct {
		DataDir         string `json:"data_dir"`
		IPv4URL         string `json:"ipv4_url"`
		IPv6URL         string `json:"ipv6_url"`
		AutoUpdate      bool   `json:"auto_update"`
		UpdateTimer     Timer  `json:"update_timer"`
		DownloadTimeout Timer  `json:"download_timeout"`

		// Optional MaxMind country database consulted when no range matches.
		MaxMindCountryPath string `json:"maxmind_country_path"`
	} `json:"geoip"`

	Resolver struct {
		ReverseGeocoding  bool  `json:"reverse_geocoding"`
		TrustedProxyDepth int   `json:"trusted_proxy_depth"`
		LookupCacheSize   int   `json:"lookup_cache_size"`
		LookupCacheTTL    Timer `json:"lookup_cache_ttl"`
	} `json:"resolver"`

	Distribution struct {
		Enabled bool `json:"enabled"`
	} `json:"distribution"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

var (
	//go:embed default_settings.json
	defaultConfig []byte

	settingsFilePath = "data/settings.json"

	configValue atomic.Value
	configMu    sync.Mutex
)

func init() {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		log.Error("Error unmarshalling embedded default settings", "error", err)
	}
	configValue.Store(cfg)
}

// SetSettingsPath changes the file ReadSettings loads from.
func SetSettingsPath(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	if path != "" {
		settingsFilePath = path
	}
}

// ReadSettings loads the settings file, creating it from the embedded defaults
// when it does not exist yet. On failure the current configuration is kept.
func ReadSettings() {
	configMu.Lock()
	path := settingsFilePath
	configMu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("Error reading settings file", "path", path, "error", err)
			return
		}

		log.Warn("Settings file not found, creating with default configuration", "path", path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			log.Error("Error creating directory for settings file", "error", err)
			return
		}
		if err := os.WriteFile(path, defaultConfig, 0o644); err != nil {
			log.Error("Error writing default settings file", "error", err)
			return
		}
		data = defaultConfig
	}

	// Start from the current values so keys missing in the file keep their defaults.
	newConfig := GetConfig()
	if err := json.Unmarshal(data, &newConfig); err != nil {
		log.Error("Error unmarshalling settings file", "error", err)
		return
	}

	applyConfigUpdate(newConfig, configUpdateOptions{source: "file"})

	log.Debug("Settings file loaded successfully", "path", path)
}

type configUpdateOptions struct {
	source string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) {
	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	SetBetweenTime()

	log.Debug("Configuration applied", "source", opts.source)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}
