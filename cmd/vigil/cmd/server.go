package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kmorand/vigil/api"
	"github.com/kmorand/vigil/audit"
	"github.com/kmorand/vigil/escalate"
	"github.com/kmorand/vigil/ratelimit"
	"github.com/kmorand/vigil/session"
	sessionmem "github.com/kmorand/vigil/session/memory"
	sessionpg "github.com/kmorand/vigil/session/postgres"
	"github.com/kmorand/vigil/store"
	storemem "github.com/kmorand/vigil/store/memory"
	storeredis "github.com/kmorand/vigil/store/redis"
)

var (
	port           int
	storeBackend   string
	redisAddr      string
	incidentDB     string
	postgresDSN    string
	window         time.Duration
	maxRequests    int
	maxSessions    int
	trustedProxies []string
	failClosed     bool
	webhookURL     string
	webhookAuth    string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the security enforcement server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		proxies, err := parseTrustedProxies(trustedProxies)
		if err != nil {
			return err
		}

		// Quota store for the rate limiter.
		var quota store.Store
		switch storeBackend {
		case "memory":
			mem := storemem.New()
			defer mem.Close()
			quota = mem
		case "redis":
			rdb := goredis.NewClient(&goredis.Options{Addr: redisAddr})
			defer rdb.Close()
			quota = storeredis.New(rdb)
		default:
			return fmt.Errorf("unknown store backend %q (expected memory or redis)", storeBackend)
		}

		auditLog := audit.NewLogger(logger, audit.NewCollector(func(e audit.AlertEvent) {
			logger.Warn("anomaly detected",
				"type", string(e.Type),
				"count", e.Count,
				"threshold", e.Threshold,
			)
		}))

		failureMode := ratelimit.FailOpen
		if failClosed {
			failureMode = ratelimit.FailClosed
		}
		limiter := ratelimit.New(quota, ratelimit.Config{
			Window:      window,
			MaxRequests: maxRequests,
			FailureMode: failureMode,
		}, ratelimit.WithLogger(logger), ratelimit.WithAuditLogger(auditLog))

		// Session store: postgres when a DSN is given, memory otherwise.
		var sessionStore session.Store
		if postgresDSN != "" {
			pg, err := sessionpg.NewFromDSN(cmd.Context(), postgresDSN)
			if err != nil {
				return fmt.Errorf("failed to connect to session database: %w", err)
			}
			defer pg.Close()
			sessionStore = pg
		} else {
			sessionStore = sessionmem.New()
		}
		enforcer := session.NewEnforcer(sessionStore, session.Config{
			MaxConcurrent: maxSessions,
		}, session.WithLogger(logger), session.WithAuditLogger(auditLog))

		// Incident archive: bbolt when a path is given, memory otherwise.
		var incidents escalate.Store
		if incidentDB != "" {
			bolt, err := escalate.NewBoltStoreFromFile(incidentDB, nil)
			if err != nil {
				return fmt.Errorf("failed to open incident archive: %w", err)
			}
			defer bolt.Close()
			incidents = bolt
		} else {
			incidents = escalate.NewMemoryStore()
		}

		engine := escalate.NewEngine(incidents, nil,
			escalate.WithLogger(logger), escalate.WithAuditLogger(auditLog))
		defer engine.Close()

		engine.RegisterNotifier("email", &escalate.LogNotifier{Kind: "email", Logger: logger})
		engine.RegisterNotifier("chat", &escalate.LogNotifier{Kind: "chat", Logger: logger})
		engine.RegisterNotifier("pager", &escalate.LogNotifier{Kind: "pager", Logger: logger})
		if webhookURL != "" {
			hook := escalate.NewWebhookNotifier(webhookURL, webhookAuth)
			defer hook.Close()
			engine.RegisterNotifier("webhook", hook)
		} else {
			engine.RegisterNotifier("webhook", &escalate.LogNotifier{Kind: "webhook", Logger: logger})
		}

		a := api.New(limiter, enforcer, engine,
			api.WithAuditLogger(auditLog),
			api.WithTrustedProxies(proxies),
		)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (store: %s)...\n", port, storeBackend)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func parseTrustedProxies(cidrs []string) ([]netip.Prefix, error) {
	var proxies []netip.Prefix
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", c, err)
		}
		proxies = append(proxies, p)
	}
	return proxies, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	serverCmd.Flags().StringVar(&storeBackend, "store", "memory", "Quota store backend (memory or redis)")
	serverCmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address for the quota store")
	serverCmd.Flags().StringVar(&incidentDB, "incident-db", "", "Path to the bbolt incident archive (in-memory if empty)")
	serverCmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "PostgreSQL DSN for the session table (in-memory if empty)")
	serverCmd.Flags().DurationVar(&window, "window", time.Minute, "Rate limit window")
	serverCmd.Flags().IntVar(&maxRequests, "max-requests", 100, "Maximum requests per key per window")
	serverCmd.Flags().IntVar(&maxSessions, "max-sessions", 3, "Maximum concurrent sessions per principal")
	serverCmd.Flags().StringSliceVar(&trustedProxies, "trusted-proxies", nil, "CIDRs whose forwarding headers are honored")
	serverCmd.Flags().BoolVar(&failClosed, "fail-closed", false, "Reject requests when the quota store is unavailable")
	serverCmd.Flags().StringVar(&webhookURL, "webhook-url", "", "Escalation webhook endpoint")
	serverCmd.Flags().StringVar(&webhookAuth, "webhook-auth", "", `Webhook auth header in "Name: Value" form`)
}
