// Package config loads the durable server configuration from a TOML file
// and layers environment-variable / flag overrides on top of it, the same
// two-layer pattern the teacher's CLI uses for its own settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const FileName = "tdserver.toml"

// Config is the durable server configuration: listen addresses, database
// path, NATS store directory and callback port.
type Config struct {
	ListenAddr   string `toml:"listen_addr"`
	DatabasePath string `toml:"database_path"`
	NATSStoreDir string `toml:"nats_store_dir"`
	NATSPort     int    `toml:"nats_port"`
	CallbackPort int    `toml:"callback_port"`
	NATSToken    string `toml:"nats_token,omitempty"`
	LogLevel     string `toml:"log_level"`
}

// Default returns the configuration a fresh deployment starts from.
func Default() Config {
	return Config{
		ListenAddr:   "127.0.0.1:8080",
		DatabasePath: "tdserver.db",
		NATSStoreDir: "nats-store",
		NATSPort:     4222,
		CallbackPort: 8081,
		LogLevel:     "info",
	}
}

// Path joins dir with the config file name.
func Path(dir string) string { return filepath.Join(dir, FileName) }

// Load reads Path(dir) if present, falling back to Default when it does
// not exist, then layers viper-bound environment variables (TDSERVER_*)
// and flags on top.
func Load(dir string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()

	path := Path(dir)
	if data, err := os.ReadFile(path); err == nil {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	v := viper.New()
	v.SetEnvPrefix("TDSERVER")
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	applyOverride(v, "listen_addr", &cfg.ListenAddr)
	applyOverride(v, "database_path", &cfg.DatabasePath)
	applyOverride(v, "nats_store_dir", &cfg.NATSStoreDir)
	applyOverride(v, "nats_token", &cfg.NATSToken)
	applyOverride(v, "log_level", &cfg.LogLevel)
	if v.IsSet("nats_port") {
		cfg.NATSPort = v.GetInt("nats_port")
	}
	if v.IsSet("callback_port") {
		cfg.CallbackPort = v.GetInt("callback_port")
	}

	return cfg, nil
}

func applyOverride(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
}

// Save writes cfg as TOML under dir.
func (c Config) Save(dir string) error {
	f, err := os.Create(Path(dir))
	if err != nil {
		return fmt.Errorf("config: create %s: %w", Path(dir), err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return nil
}
