package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/gwillem/signal-keystore/internal/libsignal"
)

type sessionsCommand struct{}

func (cmd *sessionsCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	k, done, err := openKeystore(ctx)
	if err != nil {
		return err
	}
	defer done()

	sessions, err := k.Sessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		state := "active"
		if !s.Active {
			state = "archived"
		}
		fmt.Printf("%-44s %-40s %s\n", s.Account, s.Address, state)
	}
	fmt.Printf("%d sessions\n", len(sessions))
	return nil
}

type archiveCommand struct {
	All  bool `long:"all" description:"Archive every session"`
	Args struct {
		Address string `positional-arg-name:"address" description:"name or name.device"`
	} `positional-args:"yes"`
}

// parseTarget accepts "name" (every device) or "name.device".
func parseTarget(s string) (libsignal.Address, error) {
	if i := strings.LastIndexByte(s, '.'); i > 0 {
		if dev, err := strconv.ParseUint(s[i+1:], 10, 32); err == nil {
			return libsignal.NewAddress(s[:i], uint32(dev)), nil
		}
	}
	if s == "" {
		return libsignal.Address{}, fmt.Errorf("empty address")
	}
	return libsignal.NewAddress(s, 0), nil
}

func (cmd *archiveCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if !cmd.All && cmd.Args.Address == "" {
		return fmt.Errorf("give an address or --all")
	}
	k, done, err := openKeystore(ctx)
	if err != nil {
		return err
	}
	defer done()

	if cmd.All {
		if err := k.ArchiveAllSessions(ctx); err != nil {
			return err
		}
		fmt.Println("Archived all sessions")
		return nil
	}
	addr, err := parseTarget(cmd.Args.Address)
	if err != nil {
		return err
	}
	if err := k.ArchiveSession(ctx, addr); err != nil {
		return err
	}
	fmt.Printf("Archived sessions with %s\n", cmd.Args.Address)
	return nil
}

type sharedWithCommand struct {
	Args struct {
		DistributionID string `positional-arg-name:"distribution-id" required:"true" description:"Sender key distribution UUID"`
	} `positional-args:"yes"`
}

func (cmd *sharedWithCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	distID, err := uuid.Parse(cmd.Args.DistributionID)
	if err != nil {
		return fmt.Errorf("parse distribution id: %w", err)
	}
	k, done, err := openKeystore(ctx)
	if err != nil {
		return err
	}
	defer done()

	addrs, err := k.SharedWith(ctx, distID)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		fmt.Println(a)
	}
	fmt.Printf("%d addresses\n", len(addrs))
	return nil
}
