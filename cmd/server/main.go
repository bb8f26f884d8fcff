package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/yingzhisoft/license-server/internal/activation"
	"github.com/yingzhisoft/license-server/internal/api"
	"github.com/yingzhisoft/license-server/internal/audit"
	"github.com/yingzhisoft/license-server/internal/auth"
	"github.com/yingzhisoft/license-server/internal/challenge"
	"github.com/yingzhisoft/license-server/internal/data"
	"github.com/yingzhisoft/license-server/internal/events"
	"github.com/yingzhisoft/license-server/internal/mfa"
	"github.com/yingzhisoft/license-server/internal/middleware"
	"github.com/yingzhisoft/license-server/internal/quota"
	"github.com/yingzhisoft/license-server/internal/revocation"
	"github.com/yingzhisoft/license-server/internal/signer"
	"github.com/yingzhisoft/license-server/internal/tokens"
	"github.com/yingzhisoft/license-server/internal/totp"
	"github.com/yingzhisoft/license-server/internal/vault"
)

const serviceName = "license-server"

// serverConfig holds the yaml-tunable knobs. Connection material (DB,
// redis, signing keys) stays in the environment.
type serverConfig struct {
	License struct {
		Issuer     string `yaml:"issuer"`
		TTLDays    int    `yaml:"ttl_days"`
		KeysetPath string `yaml:"keyset_path"`
	} `yaml:"license"`
	Challenge struct {
		TTLSeconds int `yaml:"ttl_seconds"`
	} `yaml:"challenge"`
	RateLimit struct {
		GlobalIP struct {
			Limit         int `yaml:"limit"`
			WindowSeconds int `yaml:"window_seconds"`
		} `yaml:"global_ip"`
	} `yaml:"rate_limit"`
	Audit struct {
		SpoolDir   string `yaml:"spool_dir"`
		SpoolMaxMB int64  `yaml:"spool_max_mb"`
	} `yaml:"audit"`
	Mfa struct {
		MaxFailures     int `yaml:"max_failures"`
		LockoutMinutes  int `yaml:"lockout_minutes"`
		GrantTTLSeconds int `yaml:"grant_ttl_seconds"`
	} `yaml:"mfa"`
}

func loadConfig() serverConfig {
	var cfg serverConfig
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/default.yaml"
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Printf("config %s not readable (%v), using defaults", path, err)
	} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
		log.Fatalf("config parse error: %v", err)
	}

	if cfg.License.Issuer == "" {
		cfg.License.Issuer = serviceName
	}
	if cfg.License.KeysetPath == "" {
		cfg.License.KeysetPath = "keys/signing_keyset.json"
	}
	if cfg.Challenge.TTLSeconds <= 0 {
		cfg.Challenge.TTLSeconds = 120
	}
	if cfg.RateLimit.GlobalIP.Limit <= 0 {
		cfg.RateLimit.GlobalIP.Limit = 120
	}
	if cfg.RateLimit.GlobalIP.WindowSeconds <= 0 {
		cfg.RateLimit.GlobalIP.WindowSeconds = 60
	}
	if cfg.Audit.SpoolDir == "" {
		cfg.Audit.SpoolDir = "/var/spool/license-server/audit"
	}
	if cfg.Audit.SpoolMaxMB <= 0 {
		cfg.Audit.SpoolMaxMB = 1024
	}
	if cfg.Mfa.MaxFailures <= 0 {
		cfg.Mfa.MaxFailures = 5
	}
	if cfg.Mfa.LockoutMinutes <= 0 {
		cfg.Mfa.LockoutMinutes = 15
	}
	if cfg.Mfa.GrantTTLSeconds <= 0 {
		cfg.Mfa.GrantTTLSeconds = 300
	}
	return cfg
}

// revocationFanout forwards events to NATS when a broker is available.
// Without one, revocations still reach websocket sync clients directly;
// with one, the broadcast happens through our own subscription so local
// and peer revocations take the same path.
type revocationFanout struct {
	feed *api.RevocationFeed
	pub  *events.Publisher
}

func (f *revocationFanout) Publish(subject string, event any) error {
	if f.pub != nil {
		return f.pub.Publish(subject, event)
	}
	if subject == events.SubjectRevocations {
		if e, ok := event.(revocation.Entry); ok {
			f.feed.Broadcast(e)
		}
	}
	return nil
}

func main() {
	cfg := loadConfig()

	dbHost := os.Getenv("DB_HOST")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	redisAddr := os.Getenv("REDIS_ADDR")
	jwtKey := os.Getenv("JWT_SIGNING_KEY")
	quotaSalt := os.Getenv("QUOTA_IP_SALT")

	if jwtKey == "" {
		jwtKey = "dev-secret-do-not-use-in-prod"
	}
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	if quotaSalt == "" {
		quotaSalt = "dev-salt"
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", dbUser, dbPass, dbHost, dbName)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})

	// Master keys for channel secrets and TOTP seeds.
	keyring := vault.NewKeyring()
	if err := keyring.LoadFromEnv(); err != nil {
		log.Fatalf("keyring init error: %v", err)
	}

	// License signing keyset, hot-reloaded on file change so key rotation
	// does not need a restart.
	keyset, err := signer.LoadKeyset(cfg.License.KeysetPath)
	if err != nil {
		log.Fatalf("signing keyset load error: %v", err)
	}
	keyset.StartWatcher(context.Background())

	// Audit with disk failover. DB outages spool locally and replay later.
	auditService := audit.NewService(db)
	audit.ConfigureFailover(cfg.Audit.SpoolDir, cfg.Audit.SpoolMaxMB)
	auditService.StartReplayer(context.Background())

	// NATS is optional. Without a broker the server still runs; revocation
	// push falls back to the websocket feed only.
	var natsPub *events.Publisher
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}
	nc, err := nats.Connect(natsURL, nats.Name(serviceName))
	if err != nil {
		log.Printf("Warning: NATS connect failed: %v. Event fan-out disabled.", err)
	} else {
		defer nc.Close()
		natsPub = events.NewPublisher(nc, 3)
	}

	revocationFeed := api.NewRevocationFeed()
	fanout := &revocationFanout{feed: revocationFeed, pub: natsPub}
	registry := revocation.NewRegistry(db, fanout)

	// When a peer node revokes, its NATS message reaches our websocket
	// clients too.
	if nc != nil {
		_, err := nc.Subscribe(events.SubjectRevocations, func(m *nats.Msg) {
			var e revocation.Entry
			if err := json.Unmarshal(m.Data, &e); err == nil {
				revocationFeed.Broadcast(e)
			}
		})
		if err != nil {
			log.Printf("Warning: revocation subscribe failed: %v", err)
		}
	}

	enforcer := quota.NewEnforcer(rdb, quotaSalt)
	challenges := challenge.NewStore(rdb, time.Duration(cfg.Challenge.TTLSeconds)*time.Second)

	engine := &activation.Engine{
		DB:          db,
		Vault:       keyring,
		Signer:      keyset,
		Challenges:  challenges,
		Quota:       enforcer,
		Revocations: registry,
		Audit:       auditService,
		Events:      fanout,
		Issuer:      cfg.License.Issuer,
		LicenseTTL:  time.Duration(cfg.License.TTLDays) * 24 * time.Hour,
	}

	tokenMgr := tokens.NewManager(jwtKey)
	blacklist := auth.NewRedisBlacklist(rdb)
	lockout := mfa.NewLockout(rdb, cfg.Mfa.MaxFailures, time.Duration(cfg.Mfa.LockoutMinutes)*time.Minute)
	gate := mfa.NewGate(rdb, time.Duration(cfg.Mfa.GrantTTLSeconds)*time.Second)

	mfaService := &mfa.Service{
		Users:    data.AdminUserModel{DB: db},
		Vault:    keyring,
		Verifier: totp.NewVerifier(30*time.Second, 6, 1),
		Guard:    totp.NewGuard(rdb, 30*time.Second, 1),
		Lockout:  lockout,
		Gate:     gate,
		Issuer:   cfg.License.Issuer,
	}

	// Handlers
	activationHandler := &api.ActivationHandler{Engine: engine}
	authHandler := &api.AuthHandler{
		Users:     data.AdminUserModel{DB: db},
		Tokens:    tokenMgr,
		Blacklist: blacklist,
		Lockout:   lockout,
		Audit:     auditService,
	}
	mfaHandler := &api.MfaHandler{Service: mfaService}
	adminHandler := &api.AdminHandler{
		Engine:      engine,
		Revocations: registry,
		Devices:     data.DeviceModel{DB: db},
		Codes:       data.CodeModel{DB: db},
		Activations: data.ActivationModel{DB: db},
		Channels:    data.ChannelModel{DB: db},
		Vault:       keyring,
		Gate:        gate,
		Audit:       auditService,
	}
	syncHandler := &api.SyncHandler{Revocations: registry}
	healthHandler := &api.HealthHandler{DB: db, Redis: rdb, Signer: keyset}

	// Middleware
	channelAuth := middleware.NewChannelAuth(data.ChannelModel{DB: db}, keyring)
	jwtAuth := middleware.NewJWTAuth(tokenMgr, blacklist)
	rateLimiter := middleware.NewRateLimitMiddleware(enforcer, quota.WindowConfig{
		Limit:  cfg.RateLimit.GlobalIP.Limit,
		Window: time.Duration(cfg.RateLimit.GlobalIP.WindowSeconds) * time.Second,
	})
	auditMw := middleware.NewAuditMiddleware(auditService, enforcer)

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORS)
	r.Use(rateLimiter.GlobalLimiter)
	r.Use(auditMw.LogRequest)

	// Channel-authenticated device endpoints.
	r.Group(func(r chi.Router) {
		r.Use(channelAuth.Middleware)
		r.Post("/api/v1/activate", activationHandler.Activate)
		r.Post("/api/v1/activate/request_challenge", activationHandler.RequestChallenge)
		r.Post("/api/v1/activate/complete", activationHandler.Complete)
		r.Post("/api/v1/activate/offline/request", activationHandler.RequestOffline)
		r.Get("/api/v1/activate/status/{sn}", activationHandler.Status)
		r.Get("/api/v1/revocations", syncHandler.ListRevocations)
	})

	// Revocation push feed for sync clients.
	r.Get("/api/v1/revocations/feed", revocationFeed.Serve)

	// Admin auth, public.
	r.Post("/api/v1/admin/auth/login", authHandler.Login)
	r.Post("/api/v1/admin/auth/refresh", authHandler.Refresh)

	// JWT-protected admin surface.
	r.Group(func(r chi.Router) {
		r.Use(jwtAuth.Middleware)
		r.Post("/api/v1/admin/auth/logout", authHandler.Logout)
		r.Post("/api/v1/admin/mfa/setup", mfaHandler.Setup)
		r.Post("/api/v1/admin/mfa/confirm", mfaHandler.Confirm)
		r.Post("/api/v1/admin/mfa/verify", mfaHandler.Verify)
		r.Post("/api/v1/admin/revoke", adminHandler.Revoke)
		r.Post("/api/v1/admin/offline/{id}/approve", adminHandler.ApproveOffline)
		r.Post("/api/v1/admin/codes/generate", adminHandler.GenerateCodes)
		r.Post("/api/v1/admin/channels", adminHandler.CreateChannel)
		r.Post("/api/v1/admin/channels/{code}/status", adminHandler.SetChannelStatus)
		r.Get("/api/v1/admin/audit/events", adminHandler.QueryAudit)
		r.Get("/api/v1/admin/audit/export", adminHandler.ExportAudit)
	})

	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("Starting %s on :%s", serviceName, port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Graceful shutdown error: %v", err)
	}
	log.Println("Server stopped gracefully")
}
