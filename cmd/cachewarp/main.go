package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bibash-dev/cachewarp/internal/coalescer"
	"github.com/bibash-dev/cachewarp/internal/config"
	"github.com/bibash-dev/cachewarp/internal/originclient"
	"github.com/bibash-dev/cachewarp/internal/pipeline"
	"github.com/bibash-dev/cachewarp/internal/scheduler"
	"github.com/bibash-dev/cachewarp/internal/store"
	"github.com/bibash-dev/cachewarp/internal/telemetry"
	"github.com/bibash-dev/cachewarp/internal/ttlpolicy"
)

var (
	configFlag         string
	addrFlag           string
	verbosityTraceFlag bool

	// set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Path to a YAML config file (optional)")
	flag.StringVar(&addrFlag, "addr", ":8080", "Address to listen on")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	logLevel := zerolog.InfoLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	log.Logger = log.Level(logLevel).
		Output(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Str("version", version).Logger()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("could not load configuration")
	}

	far, err := store.NewRedisFarTier(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("could not configure far tier")
	}
	defer far.Close()

	metrics := telemetry.NewMetrics()
	metrics.Register(prometheus.DefaultRegisterer)

	st := store.New(far, cfg.L1CacheMaxSize, time.Duration(cfg.StaleTTLOffset)*time.Second, 2*time.Second, metrics, log.Logger)
	co := coalescer.New(st, 2*time.Second, 20*time.Millisecond, time.Duration(cfg.LoserMaxWaitMS)*time.Millisecond)
	pol := ttlpolicy.New(cfg)
	sch := scheduler.New(1000, 8, 200, log.Logger)
	origin := originclient.New(cfg.OriginURL, 10*time.Second)

	pl, err := pipeline.New(cfg, origin, st, co, pol, sch, metrics, 10*time.Second, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("could not build request pipeline")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", healthHandler(st))
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/*", pl)

	srv := &http.Server{Addr: addrFlag, Handler: r}

	go func() {
		log.Info().Str("addr", addrFlag).Str("origin", cfg.OriginURL).Msg("cachewarp listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sch.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	FarTier string `json:"far_tier"`
}

// healthHandler implements spec §6's /health contract: always 200, even
// when the far tier is degraded, since the proxy can still fall back to
// direct forwarding.
func healthHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", FarTier: st.FarTierStatus(ctx)}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
