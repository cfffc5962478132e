// Command sgnl-keys manages a Signal keystore: identities, trust, sessions,
// sender-key sharing, and the attachment, profile and HMAC-SIV ciphers.
//
// Usage:
//
//	sgnl-keys init --number +15551234567   Create a new local account
//	sgnl-keys identity [name]              List or show stored identities
//	sgnl-keys sessions                     List sessions
//	sgnl-keys selftest                     Run an encrypt/decrypt round trip
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	keystore "github.com/gwillem/signal-keystore"
	"github.com/gwillem/signal-keystore/internal/config"
	"github.com/gwillem/signal-keystore/internal/libsignal"
)

type globalOpts struct {
	Config  string `short:"c" long:"config" description:"Path to TOML config file"`
	DB      string `long:"db" description:"Path to database file (overrides config)"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Init              initCommand              `command:"init" description:"Create a new local account"`
	Identity          identityCommand          `command:"identity" description:"List stored identities or show one"`
	Verify            verifyCommand            `command:"verify" description:"Set the verified status of an identity"`
	Approve           approveCommand           `command:"approve" description:"Approve a changed identity key for sending"`
	SafetyNumber      safetyNumberCommand      `command:"safety-number" description:"Compute the safety number with a contact"`
	Sessions          sessionsCommand          `command:"sessions" description:"List sessions of both accounts"`
	Archive           archiveCommand           `command:"archive" description:"Archive sessions with an address (name or name.device)"`
	SharedWith        sharedWithCommand        `command:"shared-with" description:"List who holds our sender key for a distribution"`
	AttachmentEncrypt attachmentEncryptCommand `command:"attachment-encrypt" description:"Encrypt a file as an attachment"`
	AttachmentDecrypt attachmentDecryptCommand `command:"attachment-decrypt" description:"Verify and decrypt an attachment"`
	SIVEncrypt        sivEncryptCommand        `command:"siv-encrypt" description:"Encrypt a 32-byte value with HMAC-SIV"`
	SIVDecrypt        sivDecryptCommand        `command:"siv-decrypt" description:"Decrypt an HMAC-SIV value"`
	ProfileEncrypt    profileEncryptCommand    `command:"profile-encrypt" description:"Encrypt a profile field with the account profile key"`
	ProfileDecrypt    profileDecryptCommand    `command:"profile-decrypt" description:"Decrypt a profile field with the account profile key"`
	SelfTest          selftestCommand          `command:"selftest" description:"Exchange messages with an in-process peer (debug)"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// loadConfig reads --config, or the defaults without one, and applies
// command line overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		if cfg, err = config.LoadFile(opts.Config); err != nil {
			return nil, err
		}
	}
	if opts.DB != "" {
		cfg.Store.Path = opts.DB
	}
	if opts.Verbose {
		cfg.Logging.Verbose = true
	}
	return cfg, nil
}

// newLogger returns the verbose logger, or nil when logging is off, and a
// func that closes the log file.
func newLogger(cfg *config.Config) (*log.Logger, func(), error) {
	if !cfg.Logging.Verbose {
		return nil, func() {}, nil
	}
	if cfg.Logging.File == "" {
		return log.New(os.Stderr, "", log.LstdFlags), func() {}, nil
	}
	f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return log.New(f, "", log.LstdFlags), func() { f.Close() }, nil
}

// keystoreOpts builds facade options from the configuration. The returned
// func releases the log file once the keystore is closed.
func keystoreOpts(cfg *config.Config, extra ...keystore.Option) ([]keystore.Option, func(), error) {
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	kopts := []keystore.Option{
		keystore.WithDBPath(cfg.Store.Path),
		keystore.WithLogger(logger),
		keystore.WithIdentityCacheSize(cfg.Store.IdentityCacheSize),
		keystore.WithApprovalWindow(cfg.Trust.ApprovalWindow.Duration),
	}
	trustRoot, err := cfg.Trust.TrustRootKey()
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	if trustRoot != nil {
		kopts = append(kopts, keystore.WithCertificateValidator(libsignal.TrustRootValidator{TrustRoot: trustRoot}))
	}
	return append(kopts, extra...), closeLog, nil
}

// openKeystore loads the account from the configured database. The returned
// func closes the keystore and the log file.
func openKeystore(ctx context.Context, extra ...keystore.Option) (*keystore.Keystore, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	kopts, closeLog, err := keystoreOpts(cfg, extra...)
	if err != nil {
		return nil, nil, err
	}
	k := keystore.New(kopts...)
	done := func() {
		k.Close()
		closeLog()
	}
	if err := k.Load(ctx); err != nil {
		done()
		return nil, nil, err
	}
	return k, done, nil
}

// serveMetrics exposes reg on /metrics at addr in the background.
func serveMetrics(addr string, reg *prometheus.Registry) {
	reg.MustRegister(collectors.NewGoCollector())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			fmt.Fprintf(os.Stderr, "metrics: %v\n", err)
		}
	}()
}
