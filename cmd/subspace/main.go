package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/subspace/internal/adapters/rest"
	"github.com/dkeye/subspace/internal/adapters/rtc"
	"github.com/dkeye/subspace/internal/adapters/ws"
	"github.com/dkeye/subspace/internal/audio"
	"github.com/dkeye/subspace/internal/config"
	"github.com/dkeye/subspace/internal/domain"
	"github.com/dkeye/subspace/internal/iceconf"
	"github.com/dkeye/subspace/internal/logging"
	"github.com/dkeye/subspace/internal/media"
	"github.com/dkeye/subspace/internal/turntest"
	"github.com/dkeye/subspace/internal/voice"
	"github.com/dkeye/subspace/internal/wire"
)

func main() {
	fs := pflag.NewFlagSet("subspace", pflag.ExitOnError)
	fs.String("config", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	fs.String("server", "", "chat server base URL")
	fs.String("token", "", "auth token")
	fs.String("name", "", "display name")
	fs.String("channel", "", "voice channel to join")
	fs.String("record-dir", "", "write received audio as Ogg/Opus files here")
	fs.String("mic", "", "Ogg/Opus file used as the microphone")
	fs.String("camera", "", "IVF file used as the camera")
	fs.String("screen", "", "IVF file used as the shared screen")
	fs.String("log-level", "", "log level")
	fs.Bool("relay-only", false, "turn test: force relay candidates")
	fs.Bool("remote", false, "turn test: connect to the server echo peer")
	turnTest := fs.Bool("turn-test", false, "run a connectivity test and exit")
	_ = fs.Parse(os.Args[1:])

	logging.Setup("info", true)
	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.LogLevel, true)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *turnTest {
		err = runTurnTest(ctx, cfg)
	} else {
		err = runVoice(ctx, cfg)
	}
	if err != nil {
		log.Error().Err(err).Msg("subspace failed")
		os.Exit(1)
	}
}

func resolver(cfg *config.Config) *iceconf.Resolver {
	return &iceconf.Resolver{
		Source:     rest.NewClient(cfg.Client.ServerURL, cfg.Client.Token),
		ServerURL:  cfg.Client.ServerURL,
		StunPort:   cfg.Voice.StunPort,
		Timeout:    cfg.Voice.CredentialTimeout,
		ForceRelay: cfg.Voice.ForceRelay,
	}
}

func runTurnTest(ctx context.Context, cfg *config.Config) error {
	api, err := rtc.NewAPI(rtc.Options{IncludeLoopback: cfg.Voice.IncludeLoopback})
	if err != nil {
		return err
	}
	tester := &turntest.Tester{
		API:       api,
		ICE:       resolver(cfg).Resolve(ctx),
		RelayOnly: cfg.TurnTest.RelayOnly,
		Timeout:   cfg.TurnTest.Timeout,
	}

	var res turntest.Result
	if cfg.TurnTest.Remote {
		tester.EchoURL, err = rest.WebSocketURL(cfg.Client.ServerURL, "/api/turn-test")
		if err != nil {
			return err
		}
		res = tester.RunRemote(ctx)
	} else {
		res = tester.RunLoopback(ctx)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Status != turntest.StatusSuccess {
		return fmt.Errorf("turn test %s: %s", res.Status, res.Message)
	}
	return nil
}

func devices(cfg config.MediaConfig) *media.FileDevices {
	paths := make(map[domain.MediaKind][]string)
	for kind, p := range map[domain.MediaKind]string{
		domain.KindAudio:  cfg.Microphone,
		domain.KindCamera: cfg.Camera,
		domain.KindScreen: cfg.Screen,
	} {
		if p != "" {
			paths[kind] = []string{p}
		}
	}
	return &media.FileDevices{Paths: paths, Loop: cfg.Loop}
}

// authWatch forwards envelopes to the manager and reports the first
// successful authentication.
type authWatch struct {
	m      *voice.Manager
	authed chan struct{}
	seen   bool
}

func (a *authWatch) Deliver(env wire.Envelope) {
	if env.Type == wire.TypeAuthSuccess && !a.seen {
		var p wire.AuthSuccessPayload
		if env.Decode(&p) == nil {
			a.m.SetSelf(p.UserID)
			a.seen = true
			close(a.authed)
		}
	}
	a.m.Deliver(env)
}

func runVoice(ctx context.Context, cfg *config.Config) error {
	if cfg.Client.Token == "" {
		return errors.New("--token is required")
	}
	wsURL, err := rest.WebSocketURL(cfg.Client.ServerURL, "/ws")
	if err != nil {
		return err
	}
	api, err := rtc.NewAPI(rtc.Options{IncludeLoopback: cfg.Voice.IncludeLoopback, VerboseLogs: cfg.LogLevel == "trace"})
	if err != nil {
		return err
	}

	// The manager and the socket reference each other; the sender is
	// attached once both exist.
	sender := &lateSender{}
	m, err := voice.NewManager(voice.Options{
		API:               api,
		Sender:            sender,
		ICE:               resolver(cfg),
		Media:             media.NewManager(devices(cfg.Media), uuid.NewString()),
		SpeakingThreshold: cfg.Voice.SpeakingThreshold,
		SampleInterval:    cfg.Voice.SampleInterval,
		DiagInterval:      cfg.Voice.DiagInterval,
		Sinks:             audio.RecordTo(cfg.Client.RecordDir),
	})
	if err != nil {
		return err
	}
	watch := &authWatch{m: m, authed: make(chan struct{})}
	client := ws.NewClient(ws.Config{
		URL:            wsURL,
		Token:          cfg.Client.Token,
		Username:       cfg.Client.Username,
		ReconnectDelay: cfg.Voice.ReconnectDelay,
	}, watch)
	sender.Set(client)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(ctx) })
	g.Go(func() error { return m.Run(ctx) })
	g.Go(func() error {
		logEvents(ctx, m.Events())
		return nil
	})
	g.Go(func() error {
		if cfg.Client.Channel == "" {
			log.Info().Msg("no channel configured, staying connected")
			return nil
		}
		select {
		case <-watch.authed:
		case <-ctx.Done():
			return nil
		}
		return m.JoinVoice(ctx, domain.ChannelID(cfg.Client.Channel))
	})
	return g.Wait()
}
