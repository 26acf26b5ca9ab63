package main

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hazz-dev/availprobe/internal/config"
	"github.com/hazz-dev/availprobe/internal/engine"
	"github.com/hazz-dev/availprobe/internal/obs"
	"github.com/hazz-dev/availprobe/internal/probe"
	"github.com/hazz-dev/availprobe/internal/runner"
	"github.com/hazz-dev/availprobe/internal/telemetry"
	"github.com/hazz-dev/availprobe/internal/version"
)

const serviceName = "availprobe"

func newLogger(cfg *config.Config, out io.Writer) (*zap.Logger, error) {
	logger, err := obs.NewLogger(obs.LogConfig{
		Level:   cfg.Log.Level,
		Pretty:  cfg.Log.Pretty,
		File:    cfg.Log.File,
		App:     serviceName,
		Version: version.Version,
		Output:  out,
	})
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func otelConfig(cfg *config.Config) obs.OTELConfig {
	return obs.OTELConfig{
		Enable:      cfg.Telemetry.OTel.Enable,
		Endpoint:    cfg.Telemetry.OTel.Endpoint,
		ServiceName: serviceName,
		Version:     version.Version,
		SampleRatio: cfg.Telemetry.OTel.SampleRatio,
	}
}

func runnerOptions(cfg *config.Config) runner.Options {
	return runner.Options{
		FlushTimeout:    cfg.Telemetry.FlushTimeout,
		TrackConfigured: cfg.Telemetry.InstrumentationKey != "",
	}
}

// proberFactory gives every run its own HTTP transport.
func proberFactory(cfg *config.Config, logger *zap.Logger) engine.ProberFactory {
	opts := cfg.HTTPOptions()
	return func(engine.RunConfig) (probe.Prober, error) {
		return probe.NewHTTPProber(opts, logger)
	}
}

// sinkSet is the shared set of telemetry sinks plus the resources behind them.
type sinkSet struct {
	sinks    []telemetry.Sink
	store    *telemetry.SQLiteSink
	registry *prometheus.Registry
	closers  []io.Closer
}

func (s *sinkSet) Close(logger *zap.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			logger.Error("closing telemetry sink", zap.Error(err))
		}
	}
}

func openStore(cfg *config.Config) (*telemetry.SQLiteSink, error) {
	db, err := telemetry.OpenSQLite(cfg.Telemetry.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func buildSinks(cfg *config.Config, otelRT *obs.OTel, logger *zap.Logger) (*sinkSet, error) {
	set := &sinkSet{registry: prometheus.NewRegistry()}
	set.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	set.sinks = append(set.sinks,
		telemetry.NewLogSink(logger),
		telemetry.NewMetricsSink(set.registry),
	)

	if cfg.Telemetry.SQLite.Path != "" {
		db, err := openStore(cfg)
		if err != nil {
			set.Close(logger)
			return nil, err
		}
		set.store = db
		set.sinks = append(set.sinks, db)
		set.closers = append(set.closers, db)
	}

	if key := cfg.Telemetry.InstrumentationKey; key != "" {
		set.sinks = append(set.sinks, telemetry.NewTrackSink(cfg.Telemetry.TrackEndpoint, key, nil, logger))
	}

	if k := cfg.Telemetry.Kafka; len(k.Brokers) > 0 {
		ks := telemetry.NewKafkaSink(telemetry.NewKafkaWriter(k.Brokers, k.Topic), k.Topic, logger)
		set.sinks = append(set.sinks, ks)
		set.closers = append(set.closers, ks)
	}

	if otelRT != nil && otelRT.TracerProvider != nil {
		set.sinks = append(set.sinks, telemetry.NewSpanSink(otelRT.TracerProvider))
	}

	names := make([]string, 0, len(set.sinks))
	for _, s := range set.sinks {
		names = append(names, s.Name())
	}
	logger.Info("telemetry sinks ready", zap.Strings("sinks", names))
	return set, nil
}
