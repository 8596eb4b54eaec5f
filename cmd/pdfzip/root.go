package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/pdfzip/internal/auth"
	"github.com/shineum/pdfzip/internal/config"
	"github.com/shineum/pdfzip/internal/credential"
	"github.com/shineum/pdfzip/internal/delivery"
	"github.com/shineum/pdfzip/internal/delivery/file"
	"github.com/shineum/pdfzip/internal/delivery/ses"
	"github.com/shineum/pdfzip/internal/delivery/stdout"
	"github.com/shineum/pdfzip/internal/gmail"
	"github.com/shineum/pdfzip/internal/pipeline"
	"github.com/shineum/pdfzip/internal/state"
	"github.com/shineum/pdfzip/internal/ui"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "pdfzip",
	Short:         "Export Gmail PDF attachments into a ZIP archive",
	Long:          `Search a Gmail mailbox, collect every PDF attachment of the matching messages and save them as one uncompressed ZIP archive.`,
	Version:       version + " (" + commit + ")",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		setupLogger(cfg.Logging.Level, cfg.Logging.Format)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file (optional)")
}

// Execute runs the root command and prints any error.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, ui.Error(err.Error()))
	}
	return err
}

// app bundles the collaborators a command needs.
type app struct {
	store   *state.Store
	oauth   *auth.OAuth
	session *pipeline.Session
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close state store", "error", err)
	}
}

// openStore opens the state database, creating its directory if needed.
func openStore() (*state.Store, error) {
	if dir := filepath.Dir(cfg.State.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}
	return state.Open(cfg.State.Path)
}

// openLocal returns an app that can only touch local state: enough for
// cancel, reset, status and log.
func openLocal() (*app, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}
	return &app{
		store:   store,
		session: pipeline.New(nil, nil, store, nil),
	}, nil
}

// openOnline returns an app wired to the Gmail API and the configured sink.
func openOnline(ctx context.Context) (*app, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}
	a := &app{store: store}

	authenticator, err := a.newAuthenticator()
	if err != nil {
		a.Close()
		return nil, err
	}

	client, err := gmail.New(ctx, gmail.Config{
		Endpoint:       cfg.Gmail.Endpoint,
		PageSize:       cfg.Gmail.PageSize,
		MaxRetries:     cfg.Gmail.MaxRetries,
		BaseRetryDelay: cfg.Gmail.RetryBaseDelay,
	}, authenticator)
	if err != nil {
		a.Close()
		return nil, err
	}

	sink, err := selectSink(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.session = pipeline.New(client, authenticator, store, sink)
	return a, nil
}

// newAuthenticator prefers a configured access token and otherwise uses the
// OAuth refresh token from the keyring.
func (a *app) newAuthenticator() (auth.Authenticator, error) {
	if cfg.Gmail.AccessToken != "" {
		slog.Debug("using static access token")
		return auth.NewStatic(cfg.Gmail.AccessToken), nil
	}
	o, err := a.newOAuth()
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (a *app) newOAuth() (*auth.OAuth, error) {
	if !cfg.OAuthConfigured() {
		return nil, errors.New("GMAIL_CLIENT_ID and GMAIL_CLIENT_SECRET are required (or set GMAIL_ACCESS_TOKEN)")
	}
	secrets, err := credential.Open(cfg.State.KeyringDir)
	if err != nil {
		return nil, err
	}
	a.oauth = auth.NewOAuth(auth.OAuthConfig{
		ClientID:     cfg.Gmail.ClientID,
		ClientSecret: cfg.Gmail.ClientSecret,
		RedirectURL:  cfg.Gmail.RedirectURL,
	}, secrets, a.store)
	return a.oauth, nil
}

// selectSink chooses where finished archives go.
func selectSink(ctx context.Context, cfg *config.Config) (delivery.Sink, error) {
	switch cfg.Delivery.Sink {
	case "file", "":
		slog.Debug("using file sink", "dir", cfg.Delivery.Dir)
		return file.New(cfg.Delivery.Dir), nil

	case "ses":
		if !cfg.SESConfigured() {
			return nil, errors.New("ses sink selected but SES_REGION, SES_SENDER and SES_RECIPIENT are required")
		}
		slog.Debug("using AWS SES sink",
			"region", cfg.Delivery.SES.Region,
			"sender", cfg.Delivery.SES.Sender,
		)
		s, err := ses.New(ctx, ses.Config{
			Region:          cfg.Delivery.SES.Region,
			AccessKeyID:     cfg.Delivery.SES.AccessKeyID,
			SecretAccessKey: cfg.Delivery.SES.SecretAccessKey,
			Sender:          cfg.Delivery.SES.Sender,
			Recipient:       cfg.Delivery.SES.Recipient,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES sink: %w", err)
		}
		return s, nil

	case "stdout":
		slog.Debug("using stdout sink")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown delivery sink %q", cfg.Delivery.Sink)
	}
}

// withInterrupt runs fn with a context tied to SIGINT/SIGTERM. The first
// signal requests a graceful cancel so the run keeps what it has; the
// second aborts in-flight requests.
func withInterrupt(session *pipeline.Session, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, canceling run", "signal", sig)
			fmt.Fprintln(os.Stderr, ui.Warning("Canceling; interrupt again to abort immediately"))
			if err := session.Cancel(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("failed to request cancel", "error", err)
			}
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigCh:
			slog.Info("received second signal, aborting", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return fn(ctx)
}
