package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/aspect-build/notion-mcp/internal/crypto"
	"github.com/aspect-build/notion-mcp/internal/logx"
	"github.com/aspect-build/notion-mcp/internal/secrets"
	"github.com/aspect-build/notion-mcp/internal/server"
	"github.com/aspect-build/notion-mcp/internal/vault"
	"github.com/aspect-build/notion-mcp/internal/version"
)

const shutdownTimeout = 10 * time.Second

type rootOptions struct {
	configPath string
	logLevel   string
	verbose    bool
}

// load reads configuration and applies the logging flags.
func (o *rootOptions) load() (*server.Config, error) {
	cfg, err := server.LoadConfig(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := o.logLevel
	if level == "" && !o.verbose {
		level = cfg.LogLevel
	}
	if err := logx.Configure(level, o.verbose); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	return cfg, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Long: `Run the authorization server and MCP endpoint.

Environment variables (defaults in parentheses):
  PORT (8787), BASE_URL (http://localhost:PORT)
  NOTION_CLIENT_ID, NOTION_CLIENT_SECRET, NOTION_REDIRECT_URI (BASE_URL/oauth/callback)
  NOTION_OAUTH_AUTHORIZE_URL, NOTION_OAUTH_TOKEN_URL, NOTION_API_BASE, NOTION_VERSION (2025-09-03)
  MCP_CLIENT_ID (mcp-cli), ALLOWED_REDIRECT_URIS (http://localhost:3000/callback), ALLOWED_ORIGINS
  TOKEN_STORE_PATH (data/token_store.json.enc)
  TOKEN_ENC_KEY / TOKEN_ENC_KEY_FILE, STATE_SIGNING_KEY / STATE_SIGNING_KEY_FILE
  ACCESS_TOKEN_TTL_MS (1h), REFRESH_TOKEN_TTL_MS (30d), AUTH_CODE_TTL_MS (10m)
  RATE_LIMIT_WINDOW_MS (60s), RATE_LIMIT_MAX_MCP (120), RATE_LIMIT_MAX_AUTH (30)
  LOG_LEVEL (info)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// vaultKey obtains the vault encryption key, generating a key file on first
// run.
func vaultKey(cfg *server.Config) ([crypto.KeyLen]byte, error) {
	raw, err := secrets.Obtain("TOKEN_ENC_KEY", cfg.TokenEncKey, cfg.TokenEncKeyFile, crypto.KeyLen)
	if err != nil {
		return [crypto.KeyLen]byte{}, err
	}
	return parseVaultKey(raw)
}

// existingVaultKey is vaultKey for maintenance commands: a missing key is an
// error instead of a freshly generated one.
func existingVaultKey(cfg *server.Config) ([crypto.KeyLen]byte, error) {
	raw, err := secrets.Lookup("TOKEN_ENC_KEY", cfg.TokenEncKey, cfg.TokenEncKeyFile)
	if err != nil {
		return [crypto.KeyLen]byte{}, err
	}
	return parseVaultKey(raw)
}

func parseVaultKey(raw string) ([crypto.KeyLen]byte, error) {
	key, err := crypto.ParseKey(raw)
	if err != nil {
		return key, fmt.Errorf("TOKEN_ENC_KEY: %w", err)
	}
	return key, nil
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	if !logx.IsDebug() {
		gin.SetMode(gin.ReleaseMode)
	}

	key, err := vaultKey(cfg)
	if err != nil {
		return err
	}
	stateKey, err := secrets.Obtain("STATE_SIGNING_KEY", cfg.StateSigningKey, cfg.StateSigningKeyFile, 32)
	if err != nil {
		return err
	}

	store, err := vault.Open(cfg.TokenStorePath, key)
	if errors.Is(err, vault.ErrLocked) {
		return fmt.Errorf("vault %s is in use by another process", cfg.TokenStorePath)
	}
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	defer store.Close()
	// Fail at startup, not at first login, when the vault is not writable.
	if err := store.Save(); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := server.NewApp(cfg, store, stateKey, nil)
	go app.RunJanitors(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           server.NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logx.Logger().Handler(), slog.LevelWarn),
	}
	errCh := make(chan error, 1)
	go func() {
		logx.Infof("%s listening on %s (base url %s)", version.String("notion-mcp"), cfg.ListenAddr(), cfg.BaseURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logx.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
