package main

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	app "github.com/ticketflow-io/ticketflow/cmd/api/app"
	authpkg "github.com/ticketflow-io/ticketflow/cmd/api/auth"
	"github.com/ticketflow-io/ticketflow/cmd/api/messages"
	"github.com/ticketflow-io/ticketflow/cmd/api/metrics"
	"github.com/ticketflow-io/ticketflow/cmd/api/tickets"
	"github.com/ticketflow-io/ticketflow/cmd/api/ws"
	"github.com/ticketflow-io/ticketflow/internal/analysis"
	"github.com/ticketflow-io/ticketflow/internal/mailpoll"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	_ = godotenv.Load()
	cfg := app.GetConfig()
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()

	// Migrate (embedded goose) using the pgx stdlib driver
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatal().Err(err).Msg("goose dialect")
	}
	sqldb, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("sql open for goose")
	}
	defer sqldb.Close()
	if err := goose.UpContext(ctx, sqldb, "migrations"); err != nil {
		log.Fatal().Err(err).Msg("migrate up")
	}

	// JWKS-backed Keyfunc for oidc mode
	var keyf jwt.Keyfunc
	if cfg.AuthMode == "oidc" && cfg.JWKSURL != "" {
		keyf = jwksKeyfunc(ctx, cfg.JWKSURL)
	}

	var mc *minio.Client
	if cfg.MinIOEndpoint != "" {
		mc, err = minio.New(cfg.MinIOEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIOAccess, cfg.MinIOSecret, ""),
			Secure: cfg.MinIOUseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("minio init")
		}
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error().Err(err).Msg("redis ping")
		}
		defer rdb.Close()
	}

	var store app.ObjectStore
	if mc != nil {
		store = mc
	} else if cfg.FileStorePath != "" {
		if err := os.MkdirAll(cfg.FileStorePath, 0o755); err != nil {
			log.Fatal().Err(err).Str("path", cfg.FileStorePath).Msg("create filestore path")
		}
		store = &app.FsObjectStore{Base: cfg.FileStorePath}
	}

	if cfg.AuthMode == "local" && cfg.Env == "dev" {
		if err := seedDevManager(ctx, pool, cfg); err != nil {
			log.Error().Err(err).Msg("seed dev manager")
		}
	}

	a := app.NewApp(cfg, pool, keyf, store, rdb)

	analyzer := &analysis.Analyzer{Client: analysis.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)}

	poller := &mailpoll.Poller{
		DB:         pool,
		Store:      store,
		Bucket:     cfg.MinIOBucket,
		Support:    cfg.SupportEmail,
		MailDomain: cfg.MailDomain,
	}
	if cfg.IMAPHost != "" {
		poller.Provider = mailpoll.NewIMAPProvider(cfg.IMAPHost, cfg.IMAPUser, cfg.IMAPPass, cfg.IMAPFolder)
	}

	hub := ws.NewHub(rdb)
	go hub.Run(ctx)

	routes(a, analyzer, poller, hub)

	srv := &http.Server{
		Addr:           cfg.Addr,
		Handler:        a.R,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	log.Info().Str("addr", cfg.Addr).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("listen")
	}
}

func routes(a *app.App, analyzer *analysis.Analyzer, poller *mailpoll.Poller, hub *ws.Hub) {
	a.R.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	a.R.GET("/metrics", metrics.Handler())

	if a.Cfg.AuthMode == "local" {
		a.R.POST("/auth/register", authpkg.Register(a))
		a.R.POST("/auth/login", authpkg.Login(a))
		a.R.POST("/auth/logout", authpkg.Logout())
	}

	auth := a.R.Group("/")
	auth.Use(authpkg.Middleware(a))
	auth.GET("/me", authpkg.Me)
	auth.GET("/auth/profile", authpkg.Profile(a))
	auth.PUT("/auth/profile", authpkg.UpdateProfile(a))
	auth.PUT("/auth/change-password", authpkg.ChangePassword(a))

	auth.POST("/tickets", tickets.Create(a))
	auth.GET("/tickets/my", tickets.MyTickets(a))
	auth.GET("/tickets", authpkg.RequireRole("manager"), tickets.All(a))
	auth.GET("/tickets/stats/dashboard", tickets.Dashboard(a))
	auth.GET("/tickets/:ticketId", tickets.Get(a))
	auth.POST("/tickets/:ticketId/log", tickets.UploadLog(a, analyzer))
	auth.PUT("/tickets/:ticketId/close", tickets.Close(a))

	auth.GET("/messages/ticket/:ticketId", messages.ListForTicket(a))
	auth.POST("/messages/send", messages.Send(a))
	auth.GET("/messages/unread/count", messages.UnreadCount(a))
	auth.PUT("/messages/mark-read", messages.MarkRead(a))
	auth.GET("/messages/conversation/:ticketId", messages.Conversation(a))
	auth.POST("/messages/import", messages.Import(a))
	auth.POST("/messages/sync", messages.Sync(a, poller))
	auth.GET("/messages/mailbox/test", messages.MailboxTest(a, poller))
	auth.GET("/messages/sync/status", messages.SyncStatus(a))

	auth.GET("/ws", ws.Serve(hub))
}

// jwksKeyfunc fetches the JWKS on startup and refreshes it every ten minutes.
func jwksKeyfunc(ctx context.Context, jwksURL string) jwt.Keyfunc {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	set, err := jwk.Fetch(ctx, jwksURL, jwk.WithHTTPClient(httpClient))
	if err != nil {
		log.Fatal().Err(err).Str("jwks_url", jwksURL).Msg("fetch jwks")
	}
	setPtr := &set
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			if newSet, err := jwk.Fetch(context.Background(), jwksURL, jwk.WithHTTPClient(httpClient)); err == nil {
				*setPtr = newSet
			}
		}
	}()
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid != "" {
			if key, ok := (*setPtr).LookupKeyID(kid); ok {
				var pub any
				if err := key.Raw(&pub); err != nil {
					return nil, err
				}
				return pub, nil
			}
		}
		// fallback: use the first key in the set
		it := (*setPtr).Iterate(context.Background())
		if it.Next(context.Background()) {
			pair := it.Pair()
			if key, ok := pair.Value.(jwk.Key); ok {
				var pub any
				if err := key.Raw(&pub); err != nil {
					return nil, err
				}
				return pub, nil
			}
		}
		return nil, fmt.Errorf("no jwk for kid: %s", kid)
	}
}

// seedDevManager creates a first manager account so a fresh dev database is
// usable without poking SQL.
func seedDevManager(ctx context.Context, db *pgxpool.Pool, cfg app.Config) error {
	var exists bool
	if err := db.QueryRow(ctx, "select exists(select 1 from users where role='manager')").Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}
	pw := app.GetEnv("DEV_MANAGER_PASSWORD", "manager")
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	email := "manager@" + cfg.MailDomain
	_, err = db.Exec(ctx, `
		insert into users (name, email, password_hash, employee_id, role, is_active)
		values ('Dev Manager', $1, $2, 'EMP-0001', 'manager', true)
		on conflict (email) do nothing`, email, string(hash))
	if err != nil {
		return err
	}
	log.Info().Str("email", email).Msg("seeded dev manager")
	return nil
}
