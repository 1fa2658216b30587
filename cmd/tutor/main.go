package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/live-tutor/internal/api"
	"github.com/lexiqai/live-tutor/internal/captions"
	"github.com/lexiqai/live-tutor/internal/config"
	"github.com/lexiqai/live-tutor/internal/device"
	"github.com/lexiqai/live-tutor/internal/lessons"
	"github.com/lexiqai/live-tutor/internal/observability"
	"github.com/lexiqai/live-tutor/internal/recording"
	"github.com/lexiqai/live-tutor/internal/transport"
	"github.com/lexiqai/live-tutor/internal/tutor"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("model", cfg.TutorModel).
		Str("voice", cfg.TutorVoice).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("captions_enabled", cfg.CaptionsEnabled()).
		Msg("Live Tutor Service starting")

	terminate, err := device.Initialize()
	if err != nil {
		logger.Fatal().Err(err).Msg("Audio devices unavailable")
	}
	defer terminate()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Per-session observers on the microphone stream
	var observers []tutor.Observer
	if cfg.CaptionsEnabled() {
		observers = append(observers, captions.NewObserver(func() captions.Recognizer {
			return captions.NewDeepgramClient(cfg, logger)
		}, logger))
	}
	if cfg.RecordDir != "" {
		observers = append(observers, recording.NewRecorder(cfg.RecordDir, cfg.CaptureSampleRate, logger))
	}

	speaker := device.NewSpeaker(cfg.SpeakerBufferFrames, logger)
	controller := tutor.New(
		tutor.OptionsFromConfig(cfg),
		device.NewMicrophone(cfg.CaptureSampleRate, cfg.MicBufferFrames, logger),
		speaker,
		transport.NewGeminiConnector(cfg.GeminiAPIKey,
			transport.WithBaseURL(cfg.GeminiLiveURL),
			transport.WithLogger(logger),
		),
		logger,
		observers...,
	)
	defer controller.Close()

	lessonClient, err := lessons.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create lessons client")
	}

	// Create HTTP server
	mux := http.NewServeMux()
	clips := api.NewClipPlayer(speaker, cfg.PlaybackSampleRate, cfg.PlaybackChannels, logger)
	api.NewServer(controller, lessonClient, clips, logger).Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	checks := []observability.HealthCheck{
		{Name: "audio_devices", Check: device.Check},
		{Name: "lessons", Check: lessonClient.Check},
		{Name: "tutor", Check: controller.Check},
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks...))
	logger.Info().Strs("checks", observability.CheckNames(checks)).Msg("Readiness checks registered")

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	if cfg.GRPCHealthAddr != "" {
		grpcHealth := observability.NewGRPCHealth(10*time.Second, checks...)
		go func() {
			if err := grpcHealth.Serve(ctx, cfg.GRPCHealthAddr); err != nil {
				logger.Error().Err(err).Msg("gRPC health service failed")
			}
		}()
	}

	// Start blocks until the tutor is listening, so no write timeout
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("events", fmt.Sprintf("ws://localhost:%s/tutor/events", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	if cfg.AutoStart {
		go func() {
			st := controller.Start(ctx)
			logger.Info().Str("code", string(st.Code)).Str("message", st.Message).Msg("Auto-start finished")
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	controller.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
