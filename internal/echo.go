package internal

import (
	"context"

	"peercall/pkg/call"
	"peercall/pkg/log"
	"peercall/pkg/media"
	"peercall/pkg/peer"
	"peercall/pkg/signal"

	"github.com/pkg/errors"
)

// EchoUser answers every call in mock mode.
const EchoUser = "echo"

func runEcho(ctx context.Context, hub *signal.LoopbackHub, links peer.Factory) error {
	ch := hub.Channel()
	defer ch.Close()

	c := call.New(call.Config{Identity: EchoUser, DisplayName: "Echo"}, call.Deps{
		Channel: ch,
		Media:   media.Null{},
		Links:   links,
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	if err := ch.Connect(ctx, EchoUser); err != nil {
		return errors.Wrap(err, "echo signaling")
	}

	updates, stop := c.Watch()
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return <-done
		case snap := <-updates:
			if snap.State != call.IncomingPending {
				continue
			}

			if err := c.AcceptCall(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, call.ErrNothingToAccept) {
				log.Warnf("echo: accept: %v", err)
			}
		}
	}
}
