// Command hecsink delivers log records to Splunk HTTP Event Collector
// endpoints with batching, channel load balancing and indexer
// acknowledgment.
//
// Records are consumed from the configured Kafka topics, or read line by
// line from stdin when no topic is set. Batches HEC refuses are parked in
// the configured dead-letter sinks and every outcome can be recorded in a
// PostgreSQL ledger. Metrics and health probes are served on the metrics
// port at /metrics, /health/live and /health/ready.
//
// Usage:
//
//	go run ./cmd/hecsink [-config configs/development.yaml]
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/batch"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/deadletter"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/delivery"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/ledger"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/internal/source"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg); err != nil {
		slog.Error("hecsink exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("hecsink stopped")
}

func run(cfg *config.Config) error {
	m := metrics.New(prometheus.DefaultRegisterer)
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				slog.Warn("close failed", "error", err)
			}
		}
	}()

	var reporters []delivery.Reporter
	if cfg.Postgres.Enabled {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return err
		}
		closers = append(closers, db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.Migrate(ctx, ledger.Schema...)
		cancel()
		if err != nil {
			return fmt.Errorf("migrating ledger: %w", err)
		}
		reporters = append(reporters, ledger.New(db.DB, 5*time.Second))
		slog.Info("delivery ledger enabled", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	}

	sinks, err := deadLetterSinks(cfg, &closers)
	if err != nil {
		return err
	}
	dl := deadletter.NewMulti(m, sinks...)

	useKafka := len(cfg.Kafka.Topics) > 0
	var src *source.Adapter
	if useKafka {
		reporters = append(reporters, delivery.ReporterFunc(func(ctx context.Context, o delivery.Outcome) {
			src.Report(ctx, o)
		}))
	} else if dl.Len() > 0 {
		reporters = append(reporters, dl)
	}

	coord, err := delivery.New(cfg, m, reporters...)
	if err != nil {
		return err
	}
	checker := health.NewChecker()
	coord.RegisterHealthChecks(checker)

	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, prometheus.DefaultGatherer, map[string]http.Handler{
			"/health/live":  middleware.Chain(checker.LiveHandler(), middleware.Instrument(m, "live")),
			"/health/ready": middleware.Chain(checker.ReadyHandler(), middleware.Instrument(m, "ready"), middleware.Timeout(5*time.Second)),
		})
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownMetrics(ctx)
		}()
	}

	if err := coord.Start(context.Background()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srcDone := make(chan error, 1)
	if useKafka {
		var parker source.Parker
		if dl.Len() > 0 {
			parker = dl
		}
		src = source.New(coord, parker, m)
		src.TrackData(cfg.HEC.TrackData)
		consumer, err := kafka.NewConsumer(cfg.Kafka, src.Handle)
		if err != nil {
			_ = coord.Shutdown(context.Background())
			return err
		}
		src.Attach(consumer)
		// Closed after Shutdown so final outcomes can still commit.
		closers = append(closers, consumer)
		slog.Info("consuming from kafka", "topics", cfg.Kafka.Topics, "group", cfg.Kafka.ConsumerGroup)
		go func() { srcDone <- consumer.Start(ctx) }()
	} else {
		slog.Info("reading records from stdin")
		go func() { srcDone <- readLines(ctx, os.Stdin, coord) }()
	}

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-srcDone:
		if err != nil {
			slog.Error("source stopped", "error", err)
		} else {
			slog.Info("source exhausted")
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HEC.ShutdownTimeout+5*time.Second)
	defer cancel()
	if !useKafka {
		if err := coord.Flush(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("final flush failed", "error", err)
		}
	}
	return coord.Shutdown(shutdownCtx)
}

func deadLetterSinks(cfg *config.Config, closers *[]io.Closer) ([]deadletter.Sink, error) {
	var sinks []deadletter.Sink
	dc := cfg.DeadLetter
	if dc.KafkaTopic != "" {
		producer := kafka.NewProducer(cfg.Kafka, dc.KafkaTopic)
		*closers = append(*closers, producer)
		sinks = append(sinks, deadletter.NewKafkaSink(producer))
	}
	if dc.RedisKey != "" {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, rc)
		sinks = append(sinks, deadletter.NewRedisSink(rc, dc.RedisKey, dc.RedisMaxLen))
	}
	if dc.S3Bucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := deadletter.NewS3Client(ctx, dc.S3Region)
		cancel()
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, deadletter.NewS3Sink(client, dc))
	}
	for _, s := range sinks {
		slog.Info("dead-letter sink enabled", "sink", s.Name())
	}
	return sinks, nil
}

func readLines(ctx context.Context, r io.Reader, coord *delivery.Coordinator) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 8<<20)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		if len(line) == 0 {
			continue
		}
		if err := coord.Submit(ctx, batch.Record{Value: line, Time: time.Now()}); err != nil {
			return err
		}
	}
	return sc.Err()
}
