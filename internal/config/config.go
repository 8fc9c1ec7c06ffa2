// Package config loads and validates the service's on-disk configuration:
// where to reach the rendezvous server, TLS material, logging, and the
// concurrency/queue limits the reactor and worker supervisor use.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	RendezvousAddr string `mapstructure:"rendezvous_addr"`
	RendezvousPort int    `mapstructure:"rendezvous_port"`
	RendezvousCert string `mapstructure:"rendezvous_cert"` // PEM root pool, optional

	KeepAliveIntervalSeconds int `mapstructure:"keep_alive_interval_seconds"`
	LoginTimeoutSeconds      int `mapstructure:"login_timeout_seconds"`

	// Logging configuration
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// Concurrency limits
	ReactorMailboxSize int `mapstructure:"reactor_mailbox_size"`

	// Worker process
	WorkerBinaryPath      string `mapstructure:"worker_binary_path"`
	WorkerKeepAliveMillis int    `mapstructure:"worker_keep_alive_millis"`

	// Run-as-service watchdog
	RunAsDaemon               bool `mapstructure:"run_as_daemon"`
	AppIdleTimeoutSeconds      int  `mapstructure:"app_idle_timeout_seconds"`

	SettingsPath string `mapstructure:"settings_path"`
}

func Default() *Config {
	return &Config{
		RendezvousPort:           443,
		KeepAliveIntervalSeconds: 5,
		LoginTimeoutSeconds:      10,
		LogLevel:                 "info",
		LogFormat:                "text",
		LogMaxSizeMB:             50,
		LogMaxBackups:            3,
		ReactorMailboxSize:       256,
		WorkerKeepAliveMillis:    500,
		AppIdleTimeoutSeconds:    2,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("lanthost")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("LANTHOST")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if cfg.SettingsPath == "" {
		cfg.SettingsPath = filepath.Join(GetDataDir(), "settings.yaml")
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		slog.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			slog.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("rendezvous_addr", cfg.RendezvousAddr)
	viper.Set("rendezvous_port", cfg.RendezvousPort)
	viper.Set("keep_alive_interval_seconds", cfg.KeepAliveIntervalSeconds)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "lanthost.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access (may carry rendezvous TLS material).
	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the platform-specific data directory for the agent.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "lanthost", "data")
	case "darwin":
		return "/Library/Application Support/lanthost/data"
	default:
		return "/var/lib/lanthost"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "lanthost")
	case "darwin":
		return "/Library/Application Support/lanthost"
	default:
		return "/etc/lanthost"
	}
}
