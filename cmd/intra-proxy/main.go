package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ibtrd/intra-api-proxy/pkg/client"
	"github.com/ibtrd/intra-api-proxy/pkg/logging"
	"github.com/ibtrd/intra-api-proxy/pkg/token"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: getEnv("LOG_PRETTY", "false") == "true",
		Output: os.Stderr,
	}).With().Str("component", "intra-proxy").Logger()

	uid := os.Getenv("INTRA_UID")
	secret := os.Getenv("INTRA_SECRET")
	if uid == "" || secret == "" {
		logger.Fatal().Msg("INTRA_UID and INTRA_SECRET are required")
	}

	cfg := client.DefaultConfig(token.Credential{
		UID:    uid,
		Secret: secret,
		Scopes: strings.Fields(getEnv("INTRA_SCOPES", "public")),
	})

	if rate := getEnv("INTRA_RATE_LIMIT", ""); rate != "" {
		n, err := strconv.Atoi(rate)
		if err != nil {
			logger.Fatal().Str("value", rate).Msg("INTRA_RATE_LIMIT must be an integer")
		}
		cfg.RateLimit = n
	}

	// With REDIS_URL set, a fleet of proxies shares one token through Redis.
	if redisURL := getEnv("REDIS_URL", ""); redisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisURL})
		cfg.TokenStore = token.NewRedisStore(redisClient, "", 0)
		logger.Info().Str("redis", redisURL).Msg("Using shared Redis token store")
	}

	intraClient, err := client.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Intra client")
	}

	http.HandleFunc("/health", healthHandler)
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/intra/", proxyHandler(intraClient, logger))

	addr := ":" + getEnv("PORT", "8080")
	logger.Info().Str("addr", addr).Msg("Starting Intra proxy server")

	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// proxyHandler forwards /intra/<endpoint> through the client, so callers get
// token handling, rate limiting, and retries for free.
func proxyHandler(intraClient *client.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoint := strings.TrimPrefix(r.URL.Path, "/intra")

		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()

		env, err := intraClient.Get(ctx, endpoint, r.URL.Query())
		if err != nil {
			var apiErr *client.APIError
			if errors.As(err, &apiErr) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(apiErr.Status)
				w.Write(apiErr.Body)
				return
			}
			http.Error(w, fmt.Sprintf("intra request failed: %v", err), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(env.StatusCode)
		if _, err := w.Write(env.Body); err != nil {
			logger.Warn().Err(err).Msg("Failed to write response")
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
