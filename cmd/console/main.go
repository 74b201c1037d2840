package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callconsole/internal/adapters/backend"
	"github.com/dkeye/callconsole/internal/adapters/capture"
	"github.com/dkeye/callconsole/internal/adapters/directory"
	router "github.com/dkeye/callconsole/internal/adapters/http"
	"github.com/dkeye/callconsole/internal/adapters/phone"
	"github.com/dkeye/callconsole/internal/adapters/rtc"
	sig "github.com/dkeye/callconsole/internal/adapters/signal"
	"github.com/dkeye/callconsole/internal/app/call"
	"github.com/dkeye/callconsole/internal/app/credential"
	"github.com/dkeye/callconsole/internal/app/events"
	"github.com/dkeye/callconsole/internal/app/media"
	"github.com/dkeye/callconsole/internal/app/orch"
	"github.com/dkeye/callconsole/internal/app/retry"
	"github.com/dkeye/callconsole/internal/app/softphone"
	"github.com/dkeye/callconsole/internal/config"
	"github.com/dkeye/callconsole/internal/core"
	"github.com/dkeye/callconsole/internal/domain"
	"github.com/dkeye/callconsole/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logger first so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.Log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	bus := events.NewBus()

	api := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.RequestTimeout, cfg.Credential.DefaultTTL)
	api.TokenPath = cfg.Backend.TokenPath
	api.CallPath = cfg.Backend.CallPath

	credOpts := credential.DefaultOptions()
	credOpts.RenewLead = cfg.Credential.RenewLead
	credOpts.SafetyMargin = cfg.Credential.SafetyMargin
	credOpts.FetchTimeout = cfg.Backend.RequestTimeout
	broker := credential.NewBroker(api, bus, m, credOpts)

	playback, err := capture.OpenSink(cfg.Media.PlaybackPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Media.PlaybackPath).Msg("failed to open playback sink")
	}
	defer playback.Close()

	device := sig.NewDevice(sig.Options{
		URL:          cfg.Backend.SignalURL,
		PingInterval: cfg.Backend.PingPeriod,
		NewLeg: sig.RTCLegs(rtc.Config{
			WebRTC:   webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: cfg.Backend.STUN}}},
			Playback: playback,
		}),
	})

	budget := retry.Budget{MaxAttempts: cfg.Retry.MaxAttempts, BaseDelay: cfg.Retry.BaseDelay}
	phoneReg := softphone.NewRegistry(device, bus, m, budget, softphone.WithTokenExpiryHook(broker.RenewNow))
	broker.OnRenewed(func(c domain.Credential) {
		if err := phoneReg.UpdateCredential(c); err != nil {
			log.Warn().Err(err).Str("module", "main").Msg("token hot swap failed")
		}
	})

	gate := media.NewGate(capture.NewDevice(cfg.Media.CapturePath, cfg.Media.Loop))

	name := cfg.AgentName
	if name == "" {
		name = cfg.AgentID
	}
	store := directory.NewMemory(core.Agent{ID: cfg.AgentID, Name: name})

	callCfg := call.DefaultConfig()
	callCfg.AgentID = cfg.AgentID
	callCfg.From = cfg.Backend.From
	callCfg.Constraints.SampleRate = cfg.Media.SampleRate
	callCfg.Constraints.ChannelCount = cfg.Media.Channels
	callCfg.RingingTimeout = cfg.Call.RingingTimeout
	callCfg.ConnectingTimeout = cfg.Call.ConnectingTimeout
	callCfg.LevelInterval = cfg.Call.LevelInterval
	callCfg.CredentialBudget = budget

	calls := call.NewManager(phone.NewNormalizer(cfg.Phone.DefaultRegion), call.Deps{
		Media:       gate,
		Credentials: broker,
		Softphone:   phoneReg,
		Backend:     api,
		Directory:   directory.LoggingDirectory{Next: store},
		CallLog:     directory.LoggingCallLog{Next: store},
		Bus:         bus,
		Metrics:     m,
	}, callCfg)

	console := &orch.Orchestrator{
		AgentID:     cfg.AgentID,
		Calls:       calls,
		Softphone:   phoneReg,
		Credentials: broker,
		Directory:   directory.LoggingDirectory{Next: store},
		History:     store,
		Bus:         bus,
	}
	console.Start(ctx)

	r := router.SetupRouter(console, router.Options{
		Mode:       cfg.Mode,
		Secret:     cfg.HTTP.Secret,
		StaticPath: cfg.HTTP.StaticPath,
		DialLimit:  cfg.HTTP.DialLimit,
		DialWindow: cfg.HTTP.DialWindow,
		Format:     phone.Format,
		Gatherer:   reg,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("agent", cfg.AgentID).Msg("call console started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := console.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("console shutdown")
	}
	log.Info().Msg("Console exited gracefully")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.JSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("unknown log level, keeping info")
		return
	}
	zerolog.SetGlobalLevel(level)
}
