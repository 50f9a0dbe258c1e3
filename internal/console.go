package internal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"peercall/pkg/call"
	"peercall/pkg/media"
)

// Controller is the part of the coordinator the console drives.
type Controller interface {
	InitiateCall(ctx context.Context, peerUserID string, kind media.Kind) error
	AcceptCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	Snapshot() call.Snapshot
	Watch() (<-chan call.Snapshot, func())
}

// Console is the line-oriented user interface of the client.
type Console struct {
	calls Controller
	in    io.Reader
	out   io.Writer
}

func NewConsole(calls Controller, in io.Reader, out io.Writer) *Console {
	return &Console{calls: calls, in: in, out: out}
}

const usage = `commands:
  call <user> [audio|video]  place a call
  accept                     answer the incoming call
  reject                     decline the incoming call
  end                        hang up
  status                     show the current call
  quit                       exit`

// Run reads commands until quit, end of input or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)

	// The reader cannot be interrupted; it is left behind when ctx ends.
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	updates, stop := c.calls.Watch()
	defer stop()

	fmt.Fprintln(c.out, usage)

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-updates:
			fmt.Fprintln(c.out, describe(snap))
		case line, ok := <-lines:
			if !ok {
				return nil
			}

			if quit := c.exec(ctx, line); quit {
				return nil
			}
		}
	}
}

func (c *Console) exec(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error

	switch fields[0] {
	case "call":
		if len(fields) < 2 {
			fmt.Fprintln(c.out, "usage: call <user> [audio|video]")

			return false
		}

		kind := media.AudioOnly
		if len(fields) > 2 {
			if kind, err = media.ParseKind(fields[2]); err != nil {
				break
			}
		}

		err = c.calls.InitiateCall(ctx, fields[1], kind)
	case "accept":
		err = c.calls.AcceptCall(ctx)
	case "reject":
		err = c.calls.RejectCall(ctx)
	case "end", "hangup":
		err = c.calls.EndCall(ctx)
	case "status":
		fmt.Fprintln(c.out, describe(c.calls.Snapshot()))
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(c.out, usage)
	default:
		fmt.Fprintf(c.out, "unknown command %q, try help\n", fields[0])
	}

	if err != nil {
		fmt.Fprintf(c.out, "%s: %v\n", fields[0], err)
	}

	return false
}

func describe(s call.Snapshot) string {
	switch s.State {
	case call.Idle:
		return "idle"
	case call.IncomingPending:
		if s.Offer == nil {
			return s.State.String()
		}

		name := s.Offer.CallerUserID
		if s.Offer.CallerDisplayName != "" && s.Offer.CallerDisplayName != name {
			name = fmt.Sprintf("%s (%s)", s.Offer.CallerDisplayName, name)
		}

		return fmt.Sprintf("incoming %s call from %s, accept or reject?", s.Offer.MediaKind, name)
	}

	return fmt.Sprintf("%s: %s %s call with %s", s.State, s.Direction, s.MediaKind, s.PeerUserID)
}
