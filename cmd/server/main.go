package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tyemirov/meetgate/internal/authkit"
	"github.com/tyemirov/meetgate/internal/backend"
	"github.com/tyemirov/meetgate/internal/web"
	webassets "github.com/tyemirov/meetgate/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "meetgate",
		Short:   "Session gateway: identity provider cookies, onboarding route guard, and backend identity proxy",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("api_url", "", "Backend REST API base URL (also NEXT_PUBLIC_API_URL or API_URL)")
	rootCmd.Flags().String("site_url", "", "Public site URL used for magic-link callbacks (also NEXT_PUBLIC_SITE_URL)")
	rootCmd.Flags().String("frontend_url", "", "Upstream that renders pages allowed by the guard; empty serves 404 for unknown routes")
	rootCmd.Flags().String("identity_provider_url", "", "Identity provider auth base URL, e.g. https://project.supabase.co/auth/v1")
	rootCmd.Flags().String("identity_provider_anon_key", "", "Identity provider public API key")
	rootCmd.Flags().String("identity_provider_jwt_secret", "", "Identity provider JWT secret; empty decodes session hints without signature checks")
	rootCmd.Flags().String("access_cookie_name", authkit.DefaultAccessCookieName, "Access token cookie name")
	rootCmd.Flags().String("refresh_cookie_name", authkit.DefaultRefreshCookieName, "Refresh token cookie name")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().Duration("refresh_ttl", authkit.DefaultRefreshTTL, "Refresh cookie lifetime")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Duration("backend_timeout", backend.DefaultTimeout, "Backend identity lookup timeout (5s to 10s)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().String("audit_database_url", "", "Database URL for auth audit events (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().Int("magic_link_rate_per_minute", 5, "Magic-link requests allowed per client IP per minute; 0 disables limiting")
	rootCmd.Flags().String("diagnostics_token", "", "Bearer token for the auth audit listing; empty disables the listing")

	for _, key := range []string{
		"listen_addr",
		"api_url",
		"site_url",
		"frontend_url",
		"identity_provider_url",
		"identity_provider_anon_key",
		"identity_provider_jwt_secret",
		"access_cookie_name",
		"refresh_cookie_name",
		"cookie_domain",
		"refresh_ttl",
		"dev_insecure_http",
		"backend_timeout",
		"enable_cors",
		"cors_allowed_origins",
		"audit_database_url",
		"magic_link_rate_per_minute",
		"diagnostics_token",
	} {
		_ = viper.BindPFlag(key, rootCmd.Flags().Lookup(key))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()
	_ = viper.BindEnv("api_url", "APP_API_URL", "NEXT_PUBLIC_API_URL", "API_URL")
	_ = viper.BindEnv("site_url", "APP_SITE_URL", "NEXT_PUBLIC_SITE_URL")

	return rootCmd
}

const (
	minBackendTimeout = 5 * time.Second
	maxBackendTimeout = 10 * time.Second

	configCodeMissingProviderURL      = "config.missing_identity_provider_url"
	configCodeInvalidProviderURL      = "config.invalid_identity_provider_url"
	configCodeMissingAPIURL           = "config.missing_api_url"
	configCodeInvalidAPIURL           = "config.invalid_api_url"
	configCodeInvalidSiteURL          = "config.invalid_site_url"
	configCodeInvalidBackendTimeout   = "config.invalid_backend_timeout"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig validates every setting once. A missing api_url is allowed:
// identity routes then answer 500 and the guard falls back to onboarding.
func LoadServerConfig() (authkit.ServerConfig, error) {
	providerURL := strings.TrimSpace(viper.GetString("identity_provider_url"))
	if providerURL == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingProviderURL, "identity_provider_url must be provided")
	}
	if !isAbsoluteHTTPURL(providerURL) {
		return authkit.ServerConfig{}, configError(configCodeInvalidProviderURL, "identity_provider_url must be an absolute http(s) URL")
	}

	if apiURL := strings.TrimSpace(viper.GetString("api_url")); apiURL != "" {
		if _, parseErr := backend.ParseBaseURL(apiURL); parseErr != nil {
			return authkit.ServerConfig{}, configError(configCodeInvalidAPIURL, "api_url must be an absolute http(s) URL")
		}
	}

	siteURL := strings.TrimSuffix(strings.TrimSpace(viper.GetString("site_url")), "/")
	if siteURL != "" && !isAbsoluteHTTPURL(siteURL) {
		return authkit.ServerConfig{}, configError(configCodeInvalidSiteURL, "site_url must be an absolute http(s) URL")
	}

	backendTimeout := viper.GetDuration("backend_timeout")
	if backendTimeout == 0 {
		backendTimeout = backend.DefaultTimeout
	}
	if backendTimeout < minBackendTimeout || backendTimeout > maxBackendTimeout {
		return authkit.ServerConfig{}, configError(configCodeInvalidBackendTimeout, "backend_timeout must be between 5s and 10s")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL < 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must not be negative")
	}

	var jwtSecret []byte
	if secret := viper.GetString("identity_provider_jwt_secret"); secret != "" {
		jwtSecret = []byte(secret)
	}

	return authkit.ServerConfig{
		IdentityProviderURL:       providerURL,
		IdentityProviderAnonKey:   viper.GetString("identity_provider_anon_key"),
		IdentityProviderJWTSecret: jwtSecret,
		SiteURL:                   siteURL,
		CookieDomain:              viper.GetString("cookie_domain"),
		AccessCookieName:          viper.GetString("access_cookie_name"),
		RefreshCookieName:         viper.GetString("refresh_cookie_name"),
		RefreshTTL:                refreshTTL,
		Routes:                    authkit.DefaultRouteTable(),
		ProxyResources:            authkit.DefaultProxyResources,
		DiagnosticsToken:          strings.TrimSpace(viper.GetString("diagnostics_token")),
	}, nil
}

func isAbsoluteHTTPURL(raw string) bool {
	parsed, parseErr := url.Parse(raw)
	if parseErr != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	return (scheme == "http" || scheme == "https") && parsed.Host != ""
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	apiURL := strings.TrimSpace(viper.GetString("api_url"))
	frontendURL := strings.TrimSpace(viper.GetString("frontend_url"))
	backendTimeout := viper.GetDuration("backend_timeout")
	devInsecureHTTP := viper.GetBool("dev_insecure_http")
	auditDatabaseURL := viper.GetString("audit_database_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	magicLinkRate := viper.GetInt("magic_link_rate_per_minute")

	serverConfig.AllowInsecureHTTP = devInsecureHTTP
	serverConfig.SameSiteMode = http.SameSiteLaxMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsRecorder := authkit.NewPrometheusMetrics(registry)

	if apiURL == "" {
		logger.Warn("backend API URL is not configured; identity routes will fail and the guard will fall back to onboarding",
			zap.String("code", configCodeMissingAPIURL))
	}
	gateway, gatewayErr := backend.NewGateway(backend.Config{
		BaseURL: apiURL,
		Timeout: backendTimeout,
		Metrics: backend.NewPrometheusLatency(registry),
	})
	if gatewayErr != nil {
		return fmt.Errorf("%s: %w", configCodeInvalidAPIURL, gatewayErr)
	}
	proxy := backend.NewProxy(gateway, logger)

	provider, providerErr := authkit.NewHTTPIdentityProvider(serverConfig.IdentityProviderURL, serverConfig.IdentityProviderAnonKey, nil)
	if providerErr != nil {
		return fmt.Errorf("%s: %w", configCodeInvalidProviderURL, providerErr)
	}
	sessions := authkit.NewSessionFactory(serverConfig, provider)

	var auditStore authkit.AuditStore
	if auditDatabaseURL != "" {
		persistentStore, storeErr := authkit.NewDatabaseAuditStore(context.Background(), auditDatabaseURL)
		if storeErr != nil {
			return storeErr
		}
		auditStore = persistentStore
		logger.Info("using persistent audit store", zap.String("driver", persistentStore.Driver()))
	} else {
		auditStore = authkit.NewMemoryAuditStore(0)
		logger.Info("using in-memory audit store")
	}

	frontendProxy, frontendErr := web.NewFrontendProxy(frontendURL, logger)
	if frontendErr != nil {
		return frontendErr
	}

	guard := authkit.NewGuard(authkit.GuardDependencies{
		Routes:     serverConfig.Routes,
		Sessions:   sessions,
		Identities: gateway,
		Logger:     logger,
		Metrics:    metricsRecorder,
		Audit:      auditStore,
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestID())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}
	router.Use(guard.Middleware())

	router.GET("/static/auth-client.js", func(contextGin *gin.Context) {
		web.ServeEmbeddedStaticJS(contextGin, webassets.FS, "auth-client.js")
	})
	router.GET("/static/config.js", func(contextGin *gin.Context) {
		web.ServeClientConfig(contextGin, web.ClientConfig{
			SiteURL:           serverConfig.SiteURL,
			MeEndpoint:        authkit.RPCMePath,
			SignOutEndpoint:   authkit.RPCSignOutPath,
			MagicLinkEndpoint: authkit.RPCMagicLinkPath,
		})
	})
	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok", "backendConfigured": gateway.Configured()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	authRoutes := authkit.MountAuthRoutes(router, authkit.RouteDependencies{
		Configuration:    serverConfig,
		Sessions:         sessions,
		Guard:            guard,
		Identities:       gateway,
		Proxy:            proxy,
		Audit:            auditStore,
		Metrics:          metricsRecorder,
		Logger:           logger,
		MagicLinkLimiter: authkit.NewClientRateLimiter(magicLinkRate),
	})
	router.NoRoute(authRoutes.NoRouteHandler(frontendProxy))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", listenAddr),
		zap.Bool("backend_configured", gateway.Configured()),
		zap.Bool("frontend_configured", frontendProxy != nil))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.String("request_id", web.RequestIDFromContext(contextGin.Request.Context())),
			zap.Duration("elapsed", duration),
		)
	}
}
