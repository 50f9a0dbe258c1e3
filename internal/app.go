package internal

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"peercall/pkg/call"
	"peercall/pkg/config"
	"peercall/pkg/log"
	"peercall/pkg/media"
	"peercall/pkg/metrics"
	"peercall/pkg/notify"
	"peercall/pkg/peer"
	"peercall/pkg/signal"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg *config.Config

	configFile string

	hub         *signal.LoopbackHub
	links       peer.Factory
	channel     signal.Channel
	media       media.Source
	metrics     *metrics.Metrics
	coordinator *call.Coordinator
	console     *Console
}

func NewApp() *App {
	return &App{}
}

func (a *App) Setup(args []string) error {
	if err := a.parseCmdline(args); err != nil {
		return err
	}

	if err := log.SetupLogger(a.cfg.Log.Level); err != nil {
		return err
	}

	notifier := notify.Log{}

	if a.cfg.Mock {
		a.hub = signal.NewLoopbackHub()
		a.channel = a.hub.Channel()
		a.links = peer.NewLoopbackFactory()
		a.media = media.Null{}
	} else {
		a.channel = signal.NewWebSocket(signal.WebSocketConfig{
			URL:              a.cfg.Relay.URL,
			MaxAttempts:      a.cfg.Relay.MaxAttempts,
			RetryInterval:    a.cfg.Relay.RetryInterval.Duration,
			MaxBackoff:       a.cfg.Relay.MaxBackoff.Duration,
			HandshakeTimeout: a.cfg.Relay.HandshakeTimeout.Duration,
			PingInterval:     a.cfg.Relay.PingInterval.Duration,
			Notifier:         notifier,
		})
		a.links = peer.NewWebRTCFactory(peer.WebRTCConfig{
			STUN:                a.cfg.ICE.STUN,
			DisconnectedTimeout: a.cfg.ICE.DisconnectedTimeout.Duration,
			FailedTimeout:       a.cfg.ICE.FailedTimeout.Duration,
		})
		a.media = media.NewManager(media.ManagerConfig{
			MaxWidth:  a.cfg.Media.MaxWidth,
			MaxHeight: a.cfg.Media.MaxHeight,
		})
	}

	a.metrics = metrics.New()

	a.coordinator = call.New(call.Config{
		Identity:       a.cfg.User.ID,
		DisplayName:    a.cfg.DisplayName(),
		RingTimeout:    a.cfg.Call.RingTimeout.Duration,
		ConnectTimeout: a.cfg.Call.ConnectTimeout.Duration,
	}, call.Deps{
		Channel:  a.channel,
		Media:    a.media,
		Links:    a.links,
		Notifier: notifier,
		Metrics:  a.metrics,
	})

	a.console = NewConsole(a.coordinator, os.Stdin, os.Stdout)

	return nil
}

func (a *App) parseCmdline(args []string) error {
	flags := pflag.NewFlagSet("peercall", pflag.ContinueOnError)

	var (
		userID         string
		displayName    string
		relayURL       string
		stunServers    []string
		ringTimeout    time.Duration
		connectTimeout time.Duration
		logLevel       string
		metricsAddr    string
		mock           bool
	)

	flags.StringVarP(&a.configFile, "config", "c", "", "Path to a TOML configuration file")
	flags.StringVarP(&userID, "user", "u", "", "Identity announced to the relay")
	flags.StringVarP(&displayName, "name", "n", "", "Display name shown to the people you call")
	flags.StringVarP(&relayURL, "relay", "r", "", "WebSocket URL of the signaling relay")
	flags.StringSliceVarP(&stunServers, "stun", "S", nil, "List of used STUN servers")
	flags.DurationVar(&ringTimeout, "ring-timeout", 0, "How long an outgoing call rings before giving up")
	flags.DurationVar(&connectTimeout, "connect-timeout", 0, "How long an accepted call may take to connect")
	flags.StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.StringVarP(&metricsAddr, "metrics-addr", "m", "", "Serve Prometheus metrics on this address")
	flags.BoolVar(&mock, "mock", false, "Use an in-process relay with an auto-answering \"echo\" user and no media devices")

	if err := flags.Parse(args); err != nil {
		return errors.Wrap(err, "command line")
	}

	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}

	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}

	set("user", func() { cfg.User.ID = userID })
	set("name", func() { cfg.User.DisplayName = displayName })
	set("relay", func() { cfg.Relay.URL = relayURL })
	set("stun", func() { cfg.ICE.STUN = stunServers })
	set("ring-timeout", func() { cfg.Call.RingTimeout = config.Duration{Duration: ringTimeout} })
	set("connect-timeout", func() { cfg.Call.ConnectTimeout = config.Duration{Duration: connectTimeout} })
	set("log-level", func() { cfg.Log.Level = logLevel })
	set("metrics-addr", func() { cfg.Metrics.Addr = metricsAddr })
	set("mock", func() { cfg.Mock = mock })

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config")
	}

	a.cfg = cfg

	return nil
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	log.Infof("Starting peercall as %s", a.cfg.User.ID)
	defer log.Info("Ending peercall")

	a.listenOS(cancel)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return errors.Wrap(a.coordinator.Run(ctx), "call coordinator")
	})

	g.Go(func() error {
		// An unreachable relay is surfaced to the user once and retried in
		// the background; calls are refused until it is back.
		if err := a.channel.Connect(ctx, a.cfg.User.ID); err != nil {
			log.Warnf("signaling: %v", err)
		}

		<-ctx.Done()

		return a.channel.Close()
	})

	if a.hub != nil {
		g.Go(func() error {
			return runEcho(ctx, a.hub, a.links)
		})
	}

	if a.cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return a.serveMetrics(ctx)
		})
	}

	g.Go(func() error {
		defer cancel()

		return a.console.Run(ctx)
	})

	return g.Wait()
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())

	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Serving metrics on %s/metrics", a.cfg.Metrics.Addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}

	return nil
}

func (a *App) listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}
