package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/waterloobae/samlproxy/pkg/access"
	"github.com/waterloobae/samlproxy/pkg/audit"
	"github.com/waterloobae/samlproxy/pkg/broker"
	"github.com/waterloobae/samlproxy/pkg/claims"
	"github.com/waterloobae/samlproxy/pkg/config"
	"github.com/waterloobae/samlproxy/pkg/correlation"
	"github.com/waterloobae/samlproxy/pkg/direct"
	"github.com/waterloobae/samlproxy/pkg/httputil"
	"github.com/waterloobae/samlproxy/pkg/metadata"
	"github.com/waterloobae/samlproxy/pkg/observability"
	"github.com/waterloobae/samlproxy/pkg/saml"
	"github.com/waterloobae/samlproxy/pkg/users"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx := context.Background()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	var keys *saml.KeyPair
	if cfg.SAML.CertificateFile != "" && cfg.SAML.PrivateKeyFile != "" {
		keys, err = saml.LoadKeyPair(cfg.SAML.CertificateFile, cfg.SAML.PrivateKeyFile)
		if err != nil {
			log.Fatalf("Failed to load signing key pair: %v", err)
		}
	}

	resolver := metadata.NewResolver(metadata.Options{
		CacheEnabled: cfg.Metadata.CacheEnabled,
		CacheTTL:     cfg.Metadata.CacheTTL,
		CacheSize:    cfg.Metadata.CacheSize,
		FetchTimeout: cfg.Metadata.FetchTimeout,
		FallbackFile: cfg.Upstream.MetadataFile,
	}, logger, metrics)

	upstreamClient, err := buildUpstreamClient(ctx, cfg, resolver, keys, logger)
	if err != nil {
		log.Fatalf("Failed to configure upstream identity provider: %v", err)
	}

	policy, err := loadPolicy(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to load policy: %v", err)
	}

	auditLogger, auditDB, err := buildAuditLogger(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to configure audit logging: %v", err)
	}

	store, redisClient, err := buildCorrelationStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to configure correlation store: %v", err)
	}

	issuer, err := saml.NewIssuer(saml.IssuerOptions{
		EntityID:        cfg.ProxyEntityID(),
		SessionLifetime: cfg.Proxy.SessionLifetime,
		ClockSkew:       cfg.Proxy.ClockSkew,
		SignAssertions:  cfg.Proxy.SignAssertions,
		NameIDFormat:    cfg.SAML.NameIDFormat,
	}, keys, clockwork.NewRealClock())
	if err != nil {
		log.Fatalf("Failed to configure response issuer: %v", err)
	}

	certBase64 := ""
	if keys != nil {
		certBase64 = keys.CertificateBase64()
	}
	baseURL := cfg.Server.BaseURL
	userStore := users.NewMemoryStore()

	brk := broker.New(broker.Options{
		Enabled:             cfg.Proxy.Enabled,
		Mode:                cfg.Proxy.Mode,
		EntityID:            cfg.ProxyEntityID(),
		SSOURL:              baseURL + "/saml/proxy/sso",
		ACSURL:              baseURL + "/saml/acs",
		SLSURL:              baseURL + "/saml/proxy/sls",
		MetadataURL:         baseURL + "/saml/proxy/metadata",
		SessionLifetime:     cfg.Proxy.SessionLifetime,
		CorrelationLifetime: cfg.Proxy.CorrelationLifetime,
		SignAssertions:      cfg.Proxy.SignAssertions,
		AttributeFiltering:  cfg.Proxy.AttributeFiltering,
		CertificateBase64:   certBase64,
		NameIDFormat:        cfg.SAML.NameIDFormat,
	}, store, upstreamClient, issuer, policy, userStore, auditLogger, logger, metrics)
	brokerHandler := broker.NewHandler(brk, logger)

	directMapper := claims.NewMapper(policy.MappingAliases())
	directEngine := access.NewEngine(policy.AccessControl)
	directSvc := direct.New(direct.Options{
		EntityID:          cfg.SAML.EntityID,
		ACSURL:            baseURL + "/saml/acs",
		SLSURL:            baseURL + "/saml/sls",
		SessionCookieName: cfg.SAML.SessionCookieName,
		SessionLifetime:   cfg.SAML.SessionLifetime,
		CookieSecure:      strings.HasPrefix(baseURL, "https://"),
		CertificateBase64: certBase64,
		NameIDFormat:      cfg.SAML.NameIDFormat,
	}, upstreamClient, directMapper, directEngine, userStore, auditLogger, logger, metrics, brokerHandler.ACS)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if cfg.Policy.Path != "" && cfg.Policy.Watch {
		watcher := config.NewPolicyWatcher(cfg.Policy.Path, logger, func(doc *config.PolicyDocument) {
			brk.UpdatePolicy(doc)
			directMapper.SetAliases(doc.MappingAliases())
			directEngine.SetPolicy(doc.AccessControl)
		})
		go func() {
			if err := watcher.Watch(watchCtx); err != nil {
				logger.WithError(err).Error("Policy watcher stopped")
			}
		}()
	}

	router := mux.NewRouter()
	brokerHandler.RegisterRoutes(router)
	directSvc.RegisterRoutes(router)

	var handler http.Handler = httputil.Chain(router,
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
	)
	if metrics != nil {
		handler = metrics.HTTPMiddleware(routeTemplate)(handler)
	}
	if providers != nil {
		handler = otelhttp.NewHandler(handler, "samlproxy")
	}

	mainServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(auditDB, redisClient))
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.Handler(registry))
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Proxy.SweepSchedule, func() {
		brk.SweepExpired(context.Background())
		if evicted := directSvc.Sessions().EvictExpired(); evicted > 0 {
			logger.WithField("evicted", evicted).Info("Evicted expired sessions")
		}
	}); err != nil {
		log.Fatalf("Invalid correlation sweep schedule: %v", err)
	}
	if cfg.Upstream.MetadataURL != "" {
		if _, err := scheduler.AddFunc(cfg.Metadata.RefreshSchedule, func() {
			if err := resolver.Refresh(context.Background(), cfg.Upstream.MetadataURL); err == nil {
				logger.Info("Upstream metadata refreshed")
			}
		}); err != nil {
			log.Fatalf("Invalid metadata refresh schedule: %v", err)
		}
	}
	scheduler.Start()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, mainServer, healthServer)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		cancelWatch()
		<-scheduler.Stop().Done()
		store.Close()
		if auditDB != nil {
			_ = auditDB.Close()
		}
		if err := auditLogger.Close(); err != nil {
			return err
		}
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":     mainServer.Addr,
			"base_url": baseURL,
			"mode":     cfg.Proxy.Mode,
		}).Info("SAML proxy listening")
		if err := mainServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()
	go func() {
		logger.WithField("addr", healthServer.Addr).Info("Health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Health server failed: %v", err)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		os.Exit(1)
	}
}

// buildUpstreamClient fills in upstream endpoints and signing
// certificates from the IdP's metadata document, falling back to the
// explicitly configured endpoints.
func buildUpstreamClient(ctx context.Context, cfg *config.Config, resolver *metadata.Resolver, keys *saml.KeyPair, logger *observability.Logger) (*saml.UpstreamClient, error) {
	upstream := cfg.Upstream
	var signingCerts []string

	if cfg.Upstream.MetadataURL != "" {
		doc, err := resolver.Resolve(ctx, cfg.Upstream.MetadataURL)
		if err != nil {
			return nil, err
		}
		endpoints, err := metadata.ExtractIDPEndpoints(doc)
		if err != nil {
			return nil, err
		}
		signingCerts, err = metadata.SigningCertificates(doc)
		if err != nil {
			return nil, err
		}
		if upstream.EntityID == "" {
			upstream.EntityID = endpoints.EntityID
		}
		if upstream.SSOURL == "" {
			upstream.SSOURL = endpoints.SSOURL
		}
		if upstream.SLSURL == "" {
			upstream.SLSURL = endpoints.SLSURL
		}
	}

	client, err := saml.NewUpstreamClient(saml.UpstreamOptions{
		IDPSSOURL:    upstream.SSOURL,
		IDPIssuer:    upstream.EntityID,
		IDPSLSURL:    upstream.SLSURL,
		SPIssuer:     cfg.SAML.EntityID,
		ACSURL:       cfg.Server.BaseURL + "/saml/acs",
		AudienceURI:  cfg.SAML.EntityID,
		NameIDFormat: cfg.SAML.NameIDFormat,
		SignRequests: keys != nil,
	}, signingCerts, keys)
	if err != nil {
		return nil, err
	}

	if !client.ValidatesSignatures() {
		logger.Warn("No upstream signing certificates available, response signatures will not be verified")
	}
	return client, nil
}

func loadPolicy(cfg *config.Config, logger *observability.Logger) (*config.PolicyDocument, error) {
	if cfg.Policy.Path == "" {
		logger.Info("No policy file configured, using defaults")
		return config.DefaultPolicy(), nil
	}
	policy, err := config.LoadPolicy(cfg.Policy.Path)
	if err != nil {
		return nil, err
	}
	logger.WithField("path", cfg.Policy.Path).Info("Policy loaded")
	return policy, nil
}

// buildAuditLogger assembles the configured audit sinks. The returned
// DB handle, when present, also feeds the readiness check.
func buildAuditLogger(cfg *config.Config, logger *observability.Logger) (audit.Logger, *sql.DB, error) {
	if !cfg.Audit.Enabled {
		return audit.NoopLogger{}, nil, nil
	}

	var sinks []audit.Logger
	var db *sql.DB

	if cfg.Audit.FilePath != "" {
		fileLogger, err := audit.NewFileLogger(cfg.Audit.FilePath)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, fileLogger)
	}
	if cfg.Audit.PostgresURL != "" {
		var err error
		db, err = audit.OpenPostgres(cfg.Audit.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		dbLogger, err := audit.NewDBLogger(db)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, dbLogger)
	}

	switch len(sinks) {
	case 0:
		logger.Info("Audit enabled but no sink configured, events will be dropped")
		return audit.NoopLogger{}, nil, nil
	case 1:
		return sinks[0], db, nil
	default:
		return audit.NewMultiLogger(sinks...), db, nil
	}
}

func buildCorrelationStore(ctx context.Context, cfg *config.Config) (correlation.Store, *redis.Client, error) {
	if cfg.Proxy.StoreType == "redis" {
		store, err := correlation.NewRedisStore(ctx, correlation.RedisOptions{
			Addr:     cfg.Proxy.RedisURL,
			Password: cfg.Proxy.RedisPassword,
			DB:       cfg.Proxy.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Client(), nil
	}
	return correlation.NewMemoryStore(), nil, nil
}

// routeTemplate labels request metrics with the mux route pattern so
// per-request values do not explode the cardinality
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}
