// Command geoquery-demo wires the live geospatial query engine end to end:
// a Redis-backed store.Store, an optional MQTT ingestion adapter, an
// optional MySQL analytics sink, and the HTTP/WebSocket façade, mirroring
// the teacher's cmd/fanet-api/main.go construct-everything-and-serve shape.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/flybeeper/geoquery/internal/analytics/mysql"
	"github.com/flybeeper/geoquery/internal/config"
	"github.com/flybeeper/geoquery/internal/geomath"
	"github.com/flybeeper/geoquery/internal/httpapi"
	mqttingest "github.com/flybeeper/geoquery/internal/ingest/mqtt"
	"github.com/flybeeper/geoquery/internal/metrics"
	"github.com/flybeeper/geoquery/internal/query"
	storeredis "github.com/flybeeper/geoquery/internal/store/redis"
	"github.com/flybeeper/geoquery/internal/writer"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logger := setupLogger(cfg)
	logger.WithField("version", version).Info("starting geoquery-demo")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := newRedisClient(cfg.Redis)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to Redis")
	}
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Fatal("redis ping failed")
	}

	st := storeredis.New(redisClient, logger.WithField("component", "store.redis"))
	w := writer.New(st, cfg.Query.GeohashPrecision, logger)

	queryCfg := query.Config{
		Precision:          cfg.Query.GeohashPrecision,
		TeardownThreshold:  cfg.Query.TeardownThreshold,
		TeardownDebounce:   cfg.Query.TeardownDebounce,
		SweepInterval:      cfg.Query.SweepInterval,
		RemovalLookupRate:  cfg.Query.RemovalLookupRate,
		RemovalLookupBurst: cfg.Query.RemovalLookupBurst,
	}

	var sink *mysql.Sink
	if cfg.Features.EnableMySQLAnalytics {
		sink, err = mysql.Open(cfg.MySQL, mysql.DefaultConfig(), logger)
		if err != nil {
			logger.WithError(err).Fatal("failed to open MySQL analytics sink")
		}
		defer sink.Close()
	}

	var mqttClient *mqttingest.Client
	if cfg.MQTT.URL != "" {
		mqttClient = mqttingest.New(cfg.MQTT, func(ctx context.Context, loc mqttingest.Location) error {
			if loc.Remove {
				return w.Remove(ctx, loc.Key)
			}
			return w.Set(ctx, loc.Key, geomath.Location{Lat: loc.Lat, Lon: loc.Lon})
		}, logger)

		if err := mqttClient.Connect(); err != nil {
			logger.WithError(err).Warn("failed to connect to MQTT broker; ingestion adapter disabled")
			mqttClient = nil
		} else {
			defer mqttClient.Disconnect()
		}
	}

	server := httpapi.New(cfg, st, queryCfg, logger, sink)

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("HTTP/WebSocket façade stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("error during HTTP server shutdown")
	}

	logger.Info("geoquery-demo stopped")
}

func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	opt.Password = cfg.Password
	opt.DB = cfg.DB
	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.DialTimeout = 10 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	return redis.NewClient(opt), nil
}

func setupLogger(cfg *config.Config) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(config.LogLevel())
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if config.LogFormat() == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	metrics.SetAppInfo(version, "", cfg.Environment)

	return logrus.NewEntry(l)
}
