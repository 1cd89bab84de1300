package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/services"
	httphandlers "callmesh/internal/handlers/http"
	"callmesh/internal/infrastructure/capture"
	"callmesh/internal/infrastructure/middleware"
	"callmesh/internal/infrastructure/monitoring"
	"callmesh/internal/infrastructure/signal"
	webrtcinfra "callmesh/internal/infrastructure/webrtc"
	"callmesh/pkg/config"
	"callmesh/pkg/logger"
	"callmesh/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/callnode.yaml", "path to the YAML config file")
	participantID := pflag.String("participant", "", "participant id, overrides node.participant_id")
	callID := pflag.String("call", "", "call id, overrides node.call_id")
	pflag.Parse()

	// Flags feed the env overrides so validation sees them.
	if *participantID != "" {
		os.Setenv("CALLMESH_PARTICIPANT_ID", *participantID)
	}
	if *callID != "" {
		os.Setenv("CALLMESH_CALL_ID", *callID)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load config", "path", *configPath, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("call_id", cfg.Node.CallID, "participant_id", cfg.Node.ParticipantID)

	tp, err := tracing.Init(tracingConfig(cfg))
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Media
	presets := presetsFromConfig(cfg)
	codecs := codecSelectors(cfg)
	selector, err := codecs(0)
	if err != nil {
		log.Fatalw("failed to configure codecs", "error", err)
	}
	devices := capture.NewDevices(codecs, log.Named("capture"))
	mediaCapture := services.NewMediaCapture(devices, presets, screenFromConfig(cfg), log.Named("media"))

	factory, err := webrtcinfra.NewFactory(factoryConfig(cfg), log.Named("webrtc"),
		webrtcinfra.WithMediaEngineSetup(populate(selector)),
	)
	if err != nil {
		log.Fatalw("failed to create peer connection factory", "error", err)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewPrometheusCollector(registry)

	// Session
	var bridge *signal.Bridge
	coordinator := services.NewCoordinator(coordinatorConfig(cfg), factory, mediaCapture, services.Events{
		OnParticipantJoined: func(p domain.Participant) {
			log.Infow("participant joined", "remote_id", p.ID, "display_name", p.DisplayName)
		},
		OnParticipantLeft: func(id domain.ParticipantID) {
			log.Infow("participant left", "remote_id", id)
		},
		OnDataChannelMessage: func(id domain.ParticipantID, msg domain.Message) {
			if msg.Kind == domain.MessageChat {
				log.Infow("chat", "from", id, "text", msg.Chat.Text)
			}
		},
		OnBitrateAdapted: func(id domain.ParticipantID, kbps int, tier domain.QualityTier) {
			log.Debugw("bitrate adapted", "remote_id", id, "kbps", kbps, "tier", tier)
		},
		OnICECandidate: func(id domain.ParticipantID, candidate webrtc.ICECandidateInit) {
			bridge.SendCandidate(id, candidate)
		},
		OnLinkStateChanged: func(id domain.ParticipantID, state domain.LinkState) {
			bridge.LinkStateChanged(id, state)
		},
		OnError: func(err error) {
			log.Warnw("session error", "error", err)
		},
	}, metrics, log.Named("session"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A capture failure stops the node before it announces itself.
	if _, err := coordinator.InitializeLocalMedia(ctx); err != nil {
		log.Fatalw("could not access camera/microphone", "error", err)
	}

	// Signaling
	health := monitoring.NewHealthChecker()
	health.AddMediaCheck(func() bool { return coordinator.LocalStream() != nil })

	var relay signal.Relay
	switch cfg.Signaling.Transport {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Signaling.RedisAddress,
			Password: cfg.Signaling.RedisPassword,
			DB:       cfg.Signaling.RedisDB,
		})
		defer client.Close()
		health.AddRedisCheck(client, 2*time.Second)
		relay = signal.NewRedisRelay(client, cfg.Node.CallID, log.Named("relay"))
	default:
		token, err := signal.IssueToken(cfg.Signaling.TokenSecret, cfg.Signaling.TokenTTL,
			cfg.Node.CallID, domain.ParticipantID(cfg.Node.ParticipantID), domain.UserID(cfg.Node.UserID))
		if err != nil {
			log.Fatalw("failed to issue signaling token", "error", err)
		}
		ws := signal.NewWebSocketRelay(signal.WebSocketConfig{
			URL:          cfg.Signaling.URL,
			Token:        token,
			PingInterval: cfg.Signaling.PingInterval,
			PongTimeout:  cfg.Signaling.PongTimeout,
			Reconnect:    reconnectPolicy(cfg),
		}, log.Named("relay"))
		health.AddRelayCheck(ws.Connected)
		relay = ws
	}

	bridge = signal.NewBridge(relay, coordinator, identityFromConfig(cfg), zapLogger.Named("bridge"))
	bridgeErr := make(chan error, 1)
	go func() {
		bridgeErr <- bridge.Run(ctx)
	}()

	// Status API
	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.HTTP.Enabled {
		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.New()
		router.Use(
			middleware.RecoveryMiddleware(log),
			middleware.TracingMiddleware(),
			middleware.ErrorHandlerMiddleware(log),
		)

		control := []gin.HandlerFunc{
			middleware.NewHTTPRateLimitMiddleware(cfg.HTTP.RequestsPerSecond, cfg.HTTP.Burst),
		}
		if cfg.HTTP.RequireAuth {
			control = append(control, middleware.AuthMiddleware(cfg.Signaling.TokenSecret, cfg.Node.CallID))
		}
		httphandlers.NewStatusHandler(coordinator, health).SetupRoutes(router, control...)

		if cfg.Monitoring.PrometheusEnabled {
			router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		}

		srv = &http.Server{
			Addr:         cfg.HTTP.Address,
			Handler:      router,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		}
		go func() {
			log.Infow("starting status API", "address", cfg.HTTP.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("status API failed", "error", err)
	case err := <-bridgeErr:
		log.Errorw("signaling stopped", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := bridge.Leave(shutdownCtx); err != nil {
		log.Warnw("failed to announce leave", "error", err)
	}
	cancel()
	if err := relay.Close(); err != nil {
		log.Warnw("failed to close relay", "error", err)
	}
	coordinator.Close()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			srv.Close()
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}

	log.Info("call node stopped")
}
