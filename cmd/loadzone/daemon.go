package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/loadzone/loadzone/internal/booking"
	"github.com/loadzone/loadzone/internal/httpapi"
	"github.com/loadzone/loadzone/internal/notify"
	"github.com/loadzone/loadzone/internal/scheduler"
	"github.com/loadzone/loadzone/internal/store"
)

var daemonLogger pslog.Logger = pslog.NoopLogger()

func setDaemonLogger(logger pslog.Logger) {
	daemonLogger = logger
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the LoadZone daemon",
	Long:  `Starts the LoadZone daemon: the lease engine, its reconciliation scheduler, and the HTTP API.`,
	RunE:  runDaemon,
}

func init() {
	homeDir, _ := os.UserHomeDir()
	defaultDB := filepath.Join(homeDir, ".loadzone", "loadzone.db")

	flags := daemonCmd.Flags()
	flags.String("listen", "127.0.0.1:7520", "Listen address for the API server")
	flags.String("db", defaultDB, "Path to the SQLite database")
	flags.Duration("sweep-interval", time.Minute, "How often expired leases are swept")
	flags.Duration("compact-interval", time.Hour, "How often history is compacted")
	flags.String("smtp-host", "", "SMTP host for best-effort mail")
	flags.Int("smtp-port", 465, "SMTP port")
	flags.String("smtp-user", "", "SMTP username")
	flags.String("smtp-pass", "", "SMTP password")
	flags.String("smtp-from", "", "SMTP sender (defaults to smtp-user)")

	// Flags double as LOADZONE_* environment variables.
	viper.SetEnvPrefix("LOADZONE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	flags.VisitAll(func(flag *pflag.Flag) {
		viper.BindPFlag(flag.Name, flag)
	})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := daemonLogger
	logger.Info("daemon.starting")

	st, err := store.New(viper.GetString("db"), store.WithLogger(logger))
	if err != nil {
		return err
	}
	defer st.Close()

	hub := notify.NewHub(logger)
	mailer := notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     viper.GetString("smtp-host"),
		Port:     viper.GetInt("smtp-port"),
		Username: viper.GetString("smtp-user"),
		Password: viper.GetString("smtp-pass"),
		From:     viper.GetString("smtp-from"),
	}, logger)

	service := booking.New(st, hub, mailer, nil, logger)
	sched := scheduler.New(st, service, scheduler.Options{
		Sink:   hub,
		Mailer: mailer,
		Logger: logger,
		Config: scheduler.Config{
			SweepInterval:   viper.GetDuration("sweep-interval"),
			CompactInterval: viper.GetDuration("compact-interval"),
		},
	})
	service.SetScheduler(sched)

	server := httpapi.NewServer(service, hub, viper.GetString("listen"), logger)

	sched.Start()
	defer sched.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return err
		}
	case sig := <-sigCh:
		logger.Info("daemon.shutdown", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
