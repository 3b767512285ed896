package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aposazhennikov/lancast/caster"
	"github.com/aposazhennikov/lancast/catalog"
	"github.com/aposazhennikov/lancast/config"
	"github.com/aposazhennikov/lancast/logger"
	"github.com/aposazhennikov/lancast/metrics"
	"github.com/aposazhennikov/lancast/player"
	"github.com/aposazhennikov/lancast/queue"
	sentryhelper "github.com/aposazhennikov/lancast/sentry_helper"
	"github.com/aposazhennikov/lancast/track"
)

const sentryFlushTimeout = 2 * time.Second

// pipeline holds the components wired for one command run.
type pipeline struct {
	cfg      *config.Config
	logger   *slog.Logger
	sentry   *sentryhelper.SentryHelper
	registry *prometheus.Registry
	catalog  *catalog.Deezer
	socket   *caster.Socket
	queue    *queue.Queue
	player   *player.Player
}

func newLogger(cfg *config.Config) *slog.Logger {
	lc := logger.DefaultConfig()
	lc.Level = logger.LogLevel(cfg.Logging.Level)
	lc.Output = os.Stderr
	return logger.NewLogger(lc)
}

func newCatalog(cfg *config.Config, log *slog.Logger) (*catalog.Deezer, error) {
	client := &http.Client{Timeout: time.Duration(cfg.Deezer.TimeoutSeconds) * time.Second}
	return catalog.NewDeezer(cfg.Deezer.ARL,
		catalog.WithHTTPClient(client),
		catalog.WithLogger(logger.WithComponent(log, "catalog")))
}

// newPipeline wires the whole cast pipeline. The caller must call close.
func newPipeline(cfg *config.Config) (*pipeline, error) {
	if err := cfg.RequireSecrets(); err != nil {
		return nil, err
	}
	quality, err := catalog.ParseQuality(cfg.Deezer.Quality)
	if err != nil {
		return nil, err
	}

	log := newLogger(cfg)
	sh, err := sentryhelper.Init(cfg.Logging.SentryDSN, cfg.Logging.Environment, "lancast@"+version, log)
	if err != nil {
		log.Warn("Sentry disabled", slog.String("error", err.Error()))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	cat, err := newCatalog(cfg, log)
	if err != nil {
		return nil, err
	}

	// The CDN body is read for as long as the track lasts, so only the
	// response headers are bounded.
	cdn := &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: time.Duration(cfg.Deezer.TimeoutSeconds) * time.Second,
	}}
	fetcher := track.NewFetcher(cdn, log, m)

	sock, err := caster.Dial(cfg.Cast.MulticastGroup)
	if err != nil {
		return nil, fmt.Errorf("open multicast socket: %w", err)
	}
	c := caster.ForSocket(sock, fetcher,
		caster.WithChunkSize(cfg.Cast.ChunkSize),
		caster.WithLogger(log),
		caster.WithMetrics(m))

	q := queue.New(log, m)
	p := player.New(q, c, cat, player.Config{
		Track: track.Config{
			Secret:        []byte(cfg.Deezer.BlowfishSecret),
			BufferSeconds: cfg.Cast.BufferSeconds,
		},
		Quality: quality,
	}, player.WithLogger(log), player.WithSentry(sh), player.WithMetrics(m))

	logger.LogConfigEvent(log, slog.LevelInfo, "Casting to multicast group",
		slog.String("group", sock.Group.String()),
		slog.String("quality", string(quality)),
		slog.Int("chunk_size", cfg.Cast.ChunkSize),
		slog.Float64("buffer_seconds", cfg.Cast.BufferSeconds))

	return &pipeline{
		cfg:      cfg,
		logger:   log,
		sentry:   sh,
		registry: reg,
		catalog:  cat,
		socket:   sock,
		queue:    q,
		player:   p,
	}, nil
}

func (p *pipeline) close() {
	if err := p.socket.Close(); err != nil {
		p.logger.Warn("Closing multicast socket", slog.String("error", err.Error()))
	}
	p.sentry.SafeFlush(sentryFlushTimeout)
}
