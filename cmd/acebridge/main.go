package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acebridge/acebridge/internal/api"
	"github.com/acebridge/acebridge/internal/call"
	"github.com/acebridge/acebridge/internal/config"
	"github.com/acebridge/acebridge/internal/database"
	"github.com/acebridge/acebridge/internal/database/models"
	"github.com/acebridge/acebridge/internal/email"
	"github.com/acebridge/acebridge/internal/metrics"
	"github.com/acebridge/acebridge/internal/pipeline/kurento"
	"github.com/acebridge/acebridge/internal/prompts"
	"github.com/acebridge/acebridge/internal/recording"
	signalserver "github.com/acebridge/acebridge/internal/signal"
	sipserver "github.com/acebridge/acebridge/internal/sip"
	"github.com/acebridge/acebridge/internal/voicemail"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting acebridge",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"pipeline_url", cfg.PipelineURL,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	sessions := database.NewSessionRepository(db)
	recordings := database.NewRecordingRepository(db)
	voicemailMsgs := database.NewVoicemailMessageRepository(db)
	stats := database.NewEndpointStatRepository(db)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Connect to the media server.
	client, err := kurento.Dial(appCtx, cfg.PipelineURL, logger)
	if err != nil {
		slog.Error("failed to connect to media server", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	manager := call.NewManager(client, call.Options{
		VideoCodec:       cfg.VideoCodec,
		H264Profile:      cfg.H264Profile,
		MaxVideoKbps:     cfg.MaxVideoKbps,
		MinVideoKbps:     cfg.MinVideoKbps,
		RTPMaxBitrate:    cfg.RTPMaxBitrate,
		RecordingDir:     cfg.RecordingDir,
		RecordingProfile: cfg.RecordingProfile,
		RecordingLimit:   cfg.RecordingLimit,
		RecordAll:        cfg.RecordAll,
	}, logger)
	wirePersistence(manager, sessions, recordings)

	registry := signalserver.NewRegistry(logger)

	// Voicemail answers calls nobody can take. Without configured
	// instruction prompts the embedded placeholder is extracted and used.
	instructions := cfg.VoicemailPromptList()
	if len(instructions) == 0 {
		if err := prompts.ExtractToDataDir(cfg.DataDir); err != nil {
			slog.Error("failed to extract default greeting", "error", err)
			os.Exit(1)
		}
		instructions = []string{prompts.GreetingURI(cfg.DataDir)}
	}
	engine := voicemail.NewEngine(client, voicemail.Config{
		Dir:          cfg.VoicemailDir,
		Instructions: instructions,
		PromptRepeat: cfg.VoicemailRepeat,
		MaxDuration:  cfg.VoicemailMaxDuration,
		Profile:      cfg.RecordingProfile,
	}, logger)
	var notifier *email.Sender
	if cfg.SMTPHost != "" && cfg.VoicemailNotifyEmail != "" {
		notifier = email.NewSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLS:      cfg.SMTPTLS,
		}, logger)
		slog.Info("voicemail email notifications enabled", "to", cfg.VoicemailNotifyEmail)
	}
	engine.OnMessage = func(ctx context.Context, msg voicemail.Message) {
		row := &models.VoicemailMessage{
			MessageID:  msg.ID,
			Mailbox:    msg.Mailbox,
			Caller:     msg.Caller,
			File:       msg.File,
			Duration:   int(msg.Duration / time.Second),
			RecordedAt: msg.RecordedAt,
		}
		if err := voicemailMsgs.Create(ctx, row); err != nil {
			slog.Error("failed to persist voicemail message",
				"mailbox", msg.Mailbox, "error", err)
		}
		if notifier != nil {
			go func() {
				sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				err := notifier.NotifyVoicemail(sendCtx, email.Notification{
					To:          cfg.VoicemailNotifyEmail,
					Mailbox:     msg.Mailbox,
					Caller:      msg.Caller,
					RecordedAt:  msg.RecordedAt,
					Duration:    msg.Duration,
					MediaFile:   msg.File,
					AttachMedia: cfg.VoicemailAttachMedia,
				})
				if err != nil {
					slog.Error("failed to send voicemail notification",
						"mailbox", msg.Mailbox, "error", err)
				}
			}()
		}
	}
	vm := &voicemailAdapter{engine: engine}

	sipCfg := sipserver.Config{
		Host:           cfg.SIPHost,
		Port:           cfg.SIPPort,
		RegistrarHost:  cfg.RegistrarHost,
		RegistrarPort:  cfg.RegistrarPort,
		ExternalIP:     cfg.MediaIP(),
		UserAgent:      cfg.SIPUserAgent,
		RegisterExpiry: cfg.RegisterExpiry,
	}
	sipSrv, err := sipserver.NewServer(sipCfg, sipserver.RegistryPeers(registry), manager, vm, logger)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	orch := sipserver.NewOrchestrator(sipSrv, manager, registry, sipCfg, logger)
	sigSrv := signalserver.NewServer(appCtx, registry, orch, nil, cfg.AcceptTimeout, logger)

	// Periodic endpoint statistics, persisted for the session stats API.
	if cfg.StatsInterval > 0 {
		go manager.RunStatsCollector(appCtx, cfg.StatsInterval, statsSink(stats))
	}

	// Retention sweeps for recorded media and statistics.
	if cfg.VoicemailRetentionDays > 0 {
		retention := time.Duration(cfg.VoicemailRetentionDays) * 24 * time.Hour
		voicemail.StartCleanupTicker(appCtx, voicemailMsgs, retention, time.Hour, logger)
	}
	recording.StartCleanupTicker(appCtx, recordings, stats, cfg.RecordingRetentionDays, time.Hour, logger)

	// Prometheus scrape endpoint backed by live component state.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(
		manager,
		registry,
		sipSrv.Registrar(),
		sipSrv.Dialogs(),
		engine,
		recordings,
		time.Now(),
	))

	authSecret, err := cfg.APISecretBytes()
	if err != nil {
		slog.Error("failed to decode api secret", "error", err)
		os.Exit(1)
	}

	handler := api.NewServer(cfg, manager, sessions, recordings, voicemailMsgs, stats,
		sigSrv, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}), authSecret)
	defer handler.Close()

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     handler,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: the signaling WebSocket lives on this server
		// and connections stay open for the length of a call.
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	manager.FinishAll(ctx, "server shutdown")
	sipSrv.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("acebridge stopped")
}

// wirePersistence hooks call lifecycle events into the session and
// recording tables. Hooks run on media-layer goroutines, so each gets its
// own short write deadline instead of inheriting a call context that may
// already be finished.
func wirePersistence(manager *call.Manager, sessions database.SessionRepository, recordings database.RecordingRepository) {
	dbCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}

	manager.OnCallCreated = func(callID string, startedAt time.Time) {
		ctx, cancel := dbCtx()
		defer cancel()
		if err := sessions.Create(ctx, &models.Session{SessionID: callID, StartedAt: startedAt}); err != nil {
			slog.Error("failed to persist session", "session_id", callID, "error", err)
		}
	}
	manager.OnCallFinished = func(callID, reason string, startedAt time.Time) {
		ctx, cancel := dbCtx()
		defer cancel()
		if err := sessions.Finish(ctx, callID, reason, time.Now()); err != nil {
			slog.Error("failed to finish session", "session_id", callID, "error", err)
		}
	}
	manager.OnMediaConnected = func(callID, address string) {
		c := manager.Get(callID)
		if c == nil {
			return
		}
		exts := make([]string, 0, 4)
		for _, p := range c.Participants() {
			exts = append(exts, p.Ext)
		}
		ctx, cancel := dbCtx()
		defer cancel()
		if err := sessions.SetParticipants(ctx, callID, strings.Join(exts, ",")); err != nil {
			slog.Error("failed to update session participants", "session_id", callID, "error", err)
		}
	}
	manager.OnRecordingStarted = func(callID, address, file string) {
		ctx, cancel := dbCtx()
		defer cancel()
		rec := &models.Recording{SessionID: callID, Address: address, File: file, StartedAt: time.Now()}
		if err := recordings.Create(ctx, rec); err != nil {
			slog.Error("failed to persist recording", "session_id", callID, "error", err)
		}
	}
}

// statsSink converts collected endpoint samples into rows for bulk insert.
func statsSink(stats database.EndpointStatRepository) func(context.Context, []call.StatsSample) error {
	return func(ctx context.Context, samples []call.StatsSample) error {
		rows := make([]models.EndpointStat, 0, len(samples))
		for _, s := range samples {
			data, err := json.Marshal(s.Data)
			if err != nil {
				slog.Warn("failed to encode endpoint stats sample",
					"session_id", s.CallID, "address", s.Address, "error", err)
				continue
			}
			rows = append(rows, models.EndpointStat{
				SessionID: s.CallID,
				Address:   s.Address,
				Media:     string(s.Media),
				SampledAt: s.At,
				Data:      string(data),
			})
		}
		return stats.BulkInsert(ctx, rows)
	}
}

// voicemailAdapter exposes the voicemail engine to the SIP layer, which
// works in terms of an opaque session interface.
type voicemailAdapter struct {
	engine *voicemail.Engine
}

func (a *voicemailAdapter) Answer(ctx context.Context, caller, callee, offer string) (string, sipserver.VoicemailSession, error) {
	answer, flow, err := a.engine.Answer(ctx, caller, callee, offer)
	if err != nil {
		return "", nil, err
	}
	if flow == nil {
		return answer, nil, nil
	}
	return answer, flow, nil
}
