// Package config loads the sgnl-keys TOML configuration.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultIdentityCacheSize = 200
	defaultApprovalWindow    = 5 * time.Second
)

// Duration is a time.Duration written as a string ("5s", "1m30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Store is the database configuration.
type Store struct {
	// Path is the SQLite database file. Empty selects the default data dir.
	Path string

	// IdentityCacheSize bounds the in-memory identity cache.
	IdentityCacheSize int
}

func (sCfg *Store) applyDefaults() {
	if sCfg.IdentityCacheSize == 0 {
		sCfg.IdentityCacheSize = defaultIdentityCacheSize
	}
}

func (sCfg *Store) validate() error {
	if sCfg.IdentityCacheSize < 0 {
		return fmt.Errorf("config: Store: IdentityCacheSize %d is invalid", sCfg.IdentityCacheSize)
	}
	return nil
}

// Trust is the identity trust configuration.
type Trust struct {
	// ApprovalWindow is how long after a key change sends require a
	// non-blocking approval.
	ApprovalWindow *Duration

	// TrustRoot is the base64 ed25519 key sender certificates are signed
	// with. Without it sealed sender envelopes are rejected.
	TrustRoot string
}

func (tCfg *Trust) applyDefaults() {
	if tCfg.ApprovalWindow == nil {
		tCfg.ApprovalWindow = &Duration{defaultApprovalWindow}
	}
}

func (tCfg *Trust) validate() error {
	if tCfg.ApprovalWindow.Duration < 0 {
		return fmt.Errorf("config: Trust: ApprovalWindow %v is negative", tCfg.ApprovalWindow.Duration)
	}
	if tCfg.TrustRoot != "" {
		if _, err := tCfg.TrustRootKey(); err != nil {
			return err
		}
	}
	return nil
}

// TrustRootKey decodes TrustRoot. It returns nil when none is set.
func (tCfg *Trust) TrustRootKey() (ed25519.PublicKey, error) {
	if tCfg.TrustRoot == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(tCfg.TrustRoot)
	if err != nil {
		return nil, fmt.Errorf("config: Trust: TrustRoot: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("config: Trust: TrustRoot is %d bytes, want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// Logging is the logging configuration.
type Logging struct {
	// Verbose enables log output.
	Verbose bool

	// File specifies the log file, if omitted stderr will be used.
	File string
}

// Metrics is the Prometheus endpoint configuration.
type Metrics struct {
	// Address is the listen address for /metrics. Empty disables it.
	Address string
}

// Config is the top level configuration.
type Config struct {
	Store   *Store
	Trust   *Trust
	Logging *Logging
	Metrics *Metrics
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}
	return cfg
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration. Every section is optional.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Store == nil {
		cfg.Store = &Store{}
	}
	if cfg.Trust == nil {
		cfg.Trust = &Trust{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	cfg.Store.applyDefaults()
	cfg.Trust.applyDefaults()

	if err := cfg.Store.validate(); err != nil {
		return err
	}
	return cfg.Trust.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no nil buffer as config file")
	}
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
