package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	keystore "github.com/gwillem/signal-keystore"
	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/store"
)

type initCommand struct {
	Number string `short:"n" long:"number" description:"Phone number of the account (e.g. +1234567890)"`
}

func (cmd *initCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	kopts, closeLog, err := keystoreOpts(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	k := keystore.New(kopts...)
	defer k.Close()
	if err := k.Create(ctx, cmd.Number); err != nil {
		return err
	}

	acct := k.Account()
	fmt.Printf("ACI:       %s\n", acct.ACI)
	fmt.Printf("PNI:       %s\n", acct.PNI)
	fmt.Printf("Device ID: %d\n", acct.DeviceID)
	fmt.Printf("Identity:  %s\n", base64.StdEncoding.EncodeToString(acct.ACIIdentity.PublicKey.Serialize()))
	return nil
}

type identityCommand struct {
	Args struct {
		Name string `positional-arg-name:"name" description:"ACI, PNI or phone number (omit to list all)"`
	} `positional-args:"yes"`
}

func (cmd *identityCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	k, done, err := openKeystore(ctx)
	if err != nil {
		return err
	}
	defer done()

	if cmd.Args.Name == "" {
		recs, err := k.Identities(ctx)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			printIdentity(rec)
		}
		fmt.Printf("%d identities\n", len(recs))
		return nil
	}

	rec, err := k.Identity(ctx, cmd.Args.Name)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no identity stored for %s", cmd.Args.Name)
	}
	printIdentity(rec)
	trusted, err := k.IsTrusted(ctx, libsignal.NewAddress(rec.Address, 1), rec.IdentityKey)
	if err != nil {
		return err
	}
	fmt.Printf("  trusted for sending: %v\n", trusted)
	return nil
}

func printIdentity(rec *keystore.IdentityRecord) {
	fmt.Printf("%s\n", rec.Address)
	fmt.Printf("  key:       %s\n", base64.StdEncoding.EncodeToString(rec.IdentityKey.Serialize()))
	fmt.Printf("  verified:  %s\n", rec.Verified)
	fmt.Printf("  first use: %v\n", rec.FirstUse)
	fmt.Printf("  changed:   %s\n", time.UnixMilli(rec.Timestamp).Format(time.RFC3339))
	fmt.Printf("  approved:  %v\n", rec.NonBlockingApproval)
}

type verifyCommand struct {
	Status string `short:"s" long:"status" default:"verified" choice:"default" choice:"verified" choice:"unverified" description:"Verified status to set"`
	Args   struct {
		Name string `positional-arg-name:"name" required:"true" description:"Address name"`
		Key  string `positional-arg-name:"key" required:"true" description:"Base64 identity key the status applies to"`
	} `positional-args:"yes"`
}

func parseVerifiedStatus(s string) (store.VerifiedStatus, error) {
	switch strings.ToLower(s) {
	case "default":
		return store.VerifiedDefault, nil
	case "verified":
		return store.VerifiedVerified, nil
	case "unverified":
		return store.VerifiedUnverified, nil
	}
	return 0, fmt.Errorf("invalid verified status %q", s)
}

func (cmd *verifyCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	status, err := parseVerifiedStatus(cmd.Status)
	if err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(cmd.Args.Key)
	if err != nil {
		return fmt.Errorf("decode key: %w", err)
	}
	key, err := libsignal.DeserializePublicKey(raw)
	if err != nil {
		return err
	}

	k, done, err := openKeystore(ctx)
	if err != nil {
		return err
	}
	defer done()

	ok, err := k.Verify(ctx, cmd.Args.Name, key, status)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: key does not match the stored identity", cmd.Args.Name)
	}
	fmt.Printf("%s is now %s\n", cmd.Args.Name, status)
	return nil
}

type approveCommand struct {
	Args struct {
		Name string `positional-arg-name:"name" required:"true" description:"Address name"`
	} `positional-args:"yes"`
}

func (cmd *approveCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	k, done, err := openKeystore(ctx)
	if err != nil {
		return err
	}
	defer done()

	if err := k.Approve(ctx, cmd.Args.Name); err != nil {
		return err
	}
	fmt.Printf("Approved current key of %s\n", cmd.Args.Name)
	return nil
}

type safetyNumberCommand struct {
	Args struct {
		Name string `positional-arg-name:"name" required:"true" description:"The other party's ACI"`
	} `positional-args:"yes"`
}

func (cmd *safetyNumberCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	k, done, err := openKeystore(ctx)
	if err != nil {
		return err
	}
	defer done()

	sn, err := k.SafetyNumber(ctx, cmd.Args.Name)
	if err != nil {
		return err
	}
	fmt.Printf("Safety Number:\n%s\n", keystore.FormatSafetyNumber(sn))
	return nil
}
