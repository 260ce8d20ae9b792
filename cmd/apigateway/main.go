package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/roadassist/internal/auth"
	ratelimitmw "github.com/example/roadassist/internal/http/middleware"
	"github.com/example/roadassist/pkg/observability"
)

type gatewayConfig struct {
	Addr       string
	AssistURL  string
	JWTSecret  string
	Limits     ratelimitmw.Limits
	ProxyLimit time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("api-gateway")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "api-gateway")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := loadConfig()

	redisClient := newRedisClient(ctx, logger)
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	limiter := ratelimitmw.NewRateLimiter(redisClient, cfg.Limits, logger)
	client := &http.Client{Timeout: cfg.ProxyLimit}

	srv := &http.Server{Addr: cfg.Addr, Handler: newRouter(cfg, limiter, client, logger), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("api gateway listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func loadConfig() gatewayConfig {
	return gatewayConfig{
		Addr:      getenv("GATEWAY_ADDR", ":8088"),
		AssistURL: getenv("ASSIST_SERVICE_URL", "http://localhost:8080"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		Limits: ratelimitmw.Limits{
			Read:   ratelimitmw.RateConfig{Rate: parseFloatEnv("RATE_READ_RPS", 50), Burst: parseFloatEnv("RATE_READ_BURST", 100)},
			Write:  ratelimitmw.RateConfig{Rate: parseFloatEnv("RATE_WRITE_RPS", 10), Burst: parseFloatEnv("RATE_WRITE_BURST", 20)},
			Create: ratelimitmw.RateConfig{Rate: parseFloatEnv("RATE_CREATE_RPS", 0.2), Burst: parseFloatEnv("RATE_CREATE_BURST", 3)},
		},
		ProxyLimit: time.Duration(parseFloatEnv("PROXY_TIMEOUT_SEC", 15) * float64(time.Second)),
	}
}

// newRouter wires docs, observability and the proxied API. When a JWT secret is
// configured tokens are checked at the edge and rate limits are keyed by actor.
func newRouter(cfg gatewayConfig, limiter *ratelimitmw.RateLimiter, client *http.Client, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, observability.AccessLog(logger), chimiddleware.Recoverer)
	r.Mount("/observability", observability.MetricsRouter())
	r.Get("/docs", swaggerHandler)
	r.Get("/docs/", swaggerHandler)
	r.Get("/docs/index.html", swaggerHandler)
	r.Get("/docs/openapi.yaml", openAPIHandler)

	r.Group(func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(auth.Middleware(cfg.JWTSecret))
		}
		r.Use(limiter.Middleware)
		r.Mount("/v1/requests", http.StripPrefix("/v1/requests", proxy(client, cfg.AssistURL+"/v1/requests")))
		r.Mount("/v1/providers", http.StripPrefix("/v1/providers", proxy(client, cfg.AssistURL+"/v1/providers")))
	})
	return r
}

func proxy(client *http.Client, target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url := target + r.URL.Path
		if r.URL.RawQuery != "" {
			url += "?" + r.URL.RawQuery
		}
		req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		req.Header = r.Header.Clone()
		if id := chimiddleware.GetReqID(r.Context()); id != "" {
			req.Header.Set("X-Request-Id", id)
		}
		resp, err := client.Do(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}

func copyHeader(dst, src http.Header) {
	for k, v := range src {
		vv := make([]string, len(v))
		copy(vv, v)
		dst[k] = vv
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func newRedisClient(ctx context.Context, logger *zap.Logger) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
