package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bootguard/controller"
)

// commands is the part of the controller the shell drives
type commands interface {
	List(ctx context.Context) (provisioned, live []uint32, err error)
	Boot(ctx context.Context) error
	Attest(ctx context.Context, pin string, id uint32) error
	Replace(ctx context.Context, token string, in, out uint32) error
}

// Shell reads host commands line by line
type Shell struct {
	cmds commands
	rep  *controller.Reporter
	in   *bufio.Scanner
	out  io.Writer
}

// NewShell creates a shell reading from in and prompting on out
func NewShell(cmds commands, rep *controller.Reporter, in io.Reader, out io.Writer) *Shell {
	return &Shell{
		cmds: cmds,
		rep:  rep,
		in:   bufio.NewScanner(in),
		out:  out,
	}
}

// Run serves commands until input ends, the context is cancelled or a boot
// succeeds. After a successful boot the post-boot application owns the AP.
// Every command is followed by %ack%, whether it succeeded or not.
func (s *Shell) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		line, ok := s.prompt("Enter Command: ")
		if !ok {
			return s.in.Err()
		}

		switch cmd := strings.ToLower(line); cmd {
		case "":
			continue
		case "list":
			s.list(ctx)
		case "boot":
			if err := s.cmds.Boot(ctx); err != nil {
				log.Debug().Err(err).Msg("Boot command failed")
				break
			}
			s.rep.Ack()
			return nil
		case "replace":
			s.replace(ctx)
		case "attest":
			s.attest(ctx)
		default:
			s.rep.Error("Unrecognized command '%s'", cmd)
		}
		s.rep.Ack()
	}
	return ctx.Err()
}

func (s *Shell) list(ctx context.Context) {
	if _, _, err := s.cmds.List(ctx); err != nil {
		log.Debug().Err(err).Msg("List command failed")
	}
}

func (s *Shell) replace(ctx context.Context) {
	token, ok := s.prompt("Enter token: ")
	if !ok {
		return
	}
	in, ok := s.promptID("Component ID In: ")
	if !ok {
		return
	}
	out, ok := s.promptID("Component ID Out: ")
	if !ok {
		return
	}
	if err := s.cmds.Replace(ctx, token, in, out); err != nil {
		log.Debug().Err(err).Msg("Replace command failed")
	}
}

func (s *Shell) attest(ctx context.Context) {
	pin, ok := s.prompt("Enter pin: ")
	if !ok {
		return
	}
	id, ok := s.promptID("Component ID: ")
	if !ok {
		return
	}
	if err := s.cmds.Attest(ctx, pin, id); err != nil {
		log.Debug().Err(err).Msg("Attest command failed")
	}
}

func (s *Shell) prompt(label string) (string, bool) {
	fmt.Fprint(s.out, label)
	if !s.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(s.in.Text()), true
}

func (s *Shell) promptID(label string) (uint32, bool) {
	raw, ok := s.prompt(label)
	if !ok {
		return 0, false
	}
	id, err := parseID(raw)
	if err != nil {
		s.rep.Error("Invalid component ID '%s'", raw)
		return 0, false
	}
	return id, true
}

// parseID reads a hex component ID, with or without a 0x prefix
func parseID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse component ID: %w", err)
	}
	return uint32(v), nil
}
