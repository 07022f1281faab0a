package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/sshdeck/internal/config"
	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/gluk-w/sshdeck/internal/endpoint"
	"github.com/gluk-w/sshdeck/internal/handlers"
	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/recording"
	"github.com/gluk-w/sshdeck/internal/session"
	"github.com/gluk-w/sshdeck/internal/sshaudit"
	"github.com/gluk-w/sshdeck/internal/throttle"
	"github.com/gluk-w/sshdeck/internal/transport"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "sshdeck",
		Short:        "Serve concurrent interactive SSH sessions to web terminals",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.Load()
		},
	}

	root.AddCommand(
		newServeCmd(),
		newEndpointCmd(),
		newFolderCmd(),
		newImportCmd(),
		newExportCmd(),
		newKeygenCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	logging.Init()
	log := logging.For("main")

	if err := database.Init(); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	tr, err := transport.NewSSHTransport(transport.SSHConfig{
		KnownHostsPath:    config.Cfg.KnownHostsPath,
		KeepaliveInterval: config.Cfg.KeepaliveDuration(),
	})
	if err != nil {
		return fmt.Errorf("ssh transport: %w", err)
	}
	if config.Cfg.KnownHostsPath == "" {
		log.Warn("KNOWN_HOSTS_PATH is not set; remote host keys are not verified")
	}

	shell := transport.DefaultShellOptions
	shell.Term = config.Cfg.TerminalType

	router := session.NewRouter()
	mgr := session.NewManager(tr, router, session.Options{
		ConnectTimeout: config.Cfg.ConnectTimeoutDuration(),
		Shell:          shell,
	})
	mgr.OnStateChange(func(id string, from, to session.State) {
		log.Debugf("Session state: session=%s %s -> %s", id, from, to)
	})

	auditor := sshaudit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)
	defer auditor.Close()
	router.Observe(auditor.Observe)

	purge, err := auditor.SchedulePurge(config.Cfg.AuditPurgeSchedule)
	if err != nil {
		log.WithError(err).Warn("Audit purge not scheduled")
	}

	if config.Cfg.RecordingDir != "" {
		rec, err := recording.New(config.Cfg.RecordingDir, recording.Options{
			Width:    shell.Cols,
			Height:   shell.Rows,
			MaxBytes: config.Cfg.RecordingMaxBytes,
		})
		if err != nil {
			return err
		}
		defer rec.Close()
		router.Tap(rec.Observe)
		handlers.Recordings = rec
		log.Infof("Recording sessions to %s", config.Cfg.RecordingDir)
	}

	if config.Cfg.ThrottleAttemptsPerMinute > 0 {
		lim := throttle.New(throttle.Config{
			MaxAttemptsPerMinute: config.Cfg.ThrottleAttemptsPerMinute,
			MaxConsecFailures:    max(config.Cfg.ThrottleMaxFailures, 1),
			BlockDuration:        config.Cfg.ThrottleBlock(),
		})
		router.Observe(lim.Observe)
		handlers.Throttle = lim
	}

	handlers.SessionMgr = mgr
	handlers.EventRouter = router
	handlers.AuditLog = auditor
	handlers.Resolver = endpoint.NewResolver()
	log.Infof("Session manager initialized (connect_timeout=%s, keepalive=%s, audit_retention=%dd)",
		config.Cfg.ConnectTimeoutDuration(), config.Cfg.KeepaliveDuration(), auditor.RetentionDays())

	var static fs.FS
	if config.Cfg.WebRoot != "" {
		static = os.DirFS(config.Cfg.WebRoot)
		log.Infof("Serving web client from %s", config.Cfg.WebRoot)
	}

	// Graceful shutdown
	srv := &http.Server{
		Addr:              config.Cfg.ListenAddr,
		Handler:           handlers.NewRouter(config.Cfg.APIToken, static),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-sigCtx.Done():
	case err := <-serveErr:
		return fmt.Errorf("server: %w", err)
	}
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Session manager shutdown incomplete")
	}
	if purge != nil {
		<-purge.Stop().Done()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("Server stopped")
	return nil
}
