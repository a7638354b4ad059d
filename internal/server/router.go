package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/notion-mcp/internal/gateway"
	"github.com/aspect-build/notion-mcp/internal/logx"
	"github.com/aspect-build/notion-mcp/internal/oauth"
	"github.com/aspect-build/notion-mcp/internal/ratelimit"
	"github.com/aspect-build/notion-mcp/internal/server/handler"
	"github.com/aspect-build/notion-mcp/internal/tools"
	"github.com/aspect-build/notion-mcp/internal/upstream"
	"github.com/aspect-build/notion-mcp/internal/vault"
)

// App owns the long-lived state behind the HTTP surface: the vault, the
// authorization-code cache, the rate limiter and the token manager.
type App struct {
	cfg           *Config
	store         *vault.Store
	codes         *oauth.CodeCache
	tokens        *oauth.Manager
	limiter       *ratelimit.Limiter
	provider      *upstream.Provider
	gateway       *gateway.Gateway
	stateKey      []byte
	defaultClient *vault.Client
}

// NewApp wires the server components. httpClient is used for all Notion
// requests; nil selects the defaults.
func NewApp(cfg *Config, store *vault.Store, stateKey string, httpClient *http.Client) *App {
	provider := upstream.NewProvider(upstream.ProviderConfig{
		ClientID:     cfg.NotionClientID,
		ClientSecret: cfg.NotionClientSecret,
		RedirectURL:  cfg.NotionRedirectURI,
		AuthURL:      cfg.NotionAuthorizeURL,
		TokenURL:     cfg.NotionTokenURL,
		HTTPClient:   httpClient,
	})
	api := upstream.NewClient(cfg.NotionAPIBase, cfg.NotionVersion, httpClient)
	if !provider.Configured() {
		logx.Warnf("NOTION_CLIENT_ID/NOTION_CLIENT_SECRET not set; /authorize will fail until configured")
	}

	return &App{
		cfg:   cfg,
		store: store,
		codes: oauth.NewCodeCache(cfg.AuthCodeTTL, oauth.DefaultMaxPendingCodes),
		tokens: oauth.NewManager(store, provider, api, oauth.ManagerConfig{
			AccessTTL:  cfg.AccessTokenTTL,
			RefreshTTL: cfg.RefreshTokenTTL,
		}),
		limiter:  ratelimit.New(cfg.RateLimitWindow),
		provider: provider,
		gateway:  gateway.New(tools.NewRegistry()),
		stateKey: []byte(stateKey),
		defaultClient: &vault.Client{
			ClientID:     cfg.MCPClientID,
			RedirectURIs: cfg.AllowedRedirectURIs,
			Scopes:       tools.Scopes,
		},
	}
}

// NewRouter creates and configures the Gin router with all routes.
func NewRouter(app *App) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID())

	cfg := app.cfg
	metadataURL := cfg.ResourceMetadataURL()
	authLimit := RateLimit(app.limiter, cfg.RateLimitMaxAuth)
	mcpLimit := RateLimit(app.limiter, cfg.RateLimitMaxMCP)
	origin := OriginGuard(cfg.AllowedOrigins)

	deps := &handler.OAuthDeps{
		BaseURL:       cfg.BaseURL,
		Clients:       app.store,
		DefaultClient: app.defaultClient,
		Codes:         app.codes,
		Tokens:        app.tokens,
		Upstream:      app.provider,
		StateKey:      app.stateKey,
		CodeTTL:       cfg.AuthCodeTTL,
	}

	r.GET("/", handler.HandleBanner())
	r.GET("/healthz", handler.HandleHealth())

	// Discovery
	r.GET("/.well-known/oauth-protected-resource", handler.HandleProtectedResource(cfg.BaseURL))
	r.GET("/.well-known/oauth-protected-resource/mcp", handler.HandleProtectedResource(cfg.BaseURL))
	r.GET("/.well-known/oauth-authorization-server", handler.HandleAuthorizationServer(cfg.BaseURL))

	// Authorization server
	r.GET("/authorize", authLimit, handler.HandleAuthorize(deps))
	r.GET("/oauth/callback", handler.HandleCallback(deps))
	r.POST("/token", authLimit, NoStore(), handler.HandleToken(deps))
	r.POST("/revoke", authLimit, NoStore(), handler.HandleRevoke(deps))
	r.POST("/register", authLimit, handler.HandleRegister(deps))

	// MCP
	r.POST("/mcp", mcpLimit, origin, ProtocolVersion(), BearerAuth(app.tokens, metadataURL),
		handler.HandleMCP(app.gateway, app.tokens, metadataURL))
	r.GET("/mcp", handler.HandleMCPMethodNotAllowed())
	r.OPTIONS("/mcp", origin, func(c *gin.Context) { c.Status(http.StatusNoContent) })

	return r
}
