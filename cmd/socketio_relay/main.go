/*
Copyright 2026 The Knative Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"knative.dev/pkg/signals"

	"knative.dev/eventing-socketio/pkg/config"
	"knative.dev/eventing-socketio/pkg/fanout"
	"knative.dev/eventing-socketio/pkg/handler"
	"knative.dev/eventing-socketio/pkg/handler/sinks"
	"knative.dev/eventing-socketio/pkg/health"
	"knative.dev/eventing-socketio/pkg/logging"
	"knative.dev/eventing-socketio/pkg/metrics"
	"knative.dev/eventing-socketio/pkg/relay"
	"knative.dev/eventing-socketio/pkg/socketio"
)

const component = "socketio_relay"

var errSourceStopped = errors.New("event source stopped")

var configPath string

func init() {
	flag.StringVar(&configPath, "config", "", "path to the relay configuration file")
}

type envConfig struct {
	// ConfigPath is used when --config is not given.
	ConfigPath string `envconfig:"RELAY_CONFIG"`

	// JSON configuration for the zap logger.
	LoggingConfig string `envconfig:"K_LOGGING_CONFIG"`

	LoggingLevel string `envconfig:"K_LOGGING_LEVEL" default:"info"`
}

func main() {
	flag.Parse()

	ctx := signals.NewContext()

	var env envConfig
	if err := envconfig.Process("", &env); err != nil {
		log.Printf("[ERROR] Failed to process env var: %s", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(env.LoggingConfig, env.LoggingLevel, component)
	if err != nil {
		log.Printf("[ERROR] Failed to configure logging: %s", err)
		os.Exit(1)
	}
	defer flush(logger)

	if configPath == "" {
		configPath = env.ConfigPath
	}
	if configPath == "" {
		logger.Fatal("A configuration file must be given with --config or RELAY_CONFIG")
	}

	ctx = logging.WithLogger(ctx, logger)
	if err := run(ctx, configPath, sinks.NewRegistry()); err != nil {
		logger.Fatal("Relay failed", zap.Error(err))
	}
}

// run builds the handlers and the relay described by the configuration file
// and relays events until ctx is done or the event source gives up.
func run(ctx context.Context, path string, registry *handler.Registry) error {
	logger := logging.FromContext(ctx)

	cfg, err := config.Load(path, registry)
	if err != nil {
		return err
	}

	handlers, err := registry.BuildAll(ctx, cfg.Handlers)
	if err != nil {
		return err
	}
	groups, err := fanout.Group(logger, handlers)
	if err != nil {
		return multierr.Append(err, handler.CloseAll(handlers))
	}
	composites := make([]handler.Handler, 0, len(groups))
	for _, g := range groups {
		composites = append(composites, g)
	}

	client := socketio.NewClient(
		socketio.WithLogger(logger.Named("socketio")),
		socketio.WithPath(cfg.Socket.Path),
		socketio.WithAuth(cfg.Socket.Auth),
		socketio.WithReconnect(cfg.Socket.Reconnect.IsEnabled(), cfg.Socket.Reconnect.MaxElapsedTime.Duration()),
	)
	r, err := relay.New(logger, client, composites, relay.WithStatsReporter(metrics.NewStatsReporter()))
	if err != nil {
		return multierr.Append(err, handler.CloseAll(composites))
	}

	var probes *health.Server
	if cfg.Health.Port != 0 {
		exporter, err := metrics.NewPrometheusExporter()
		if err != nil {
			return multierr.Append(err, r.Disconnect())
		}
		defer metrics.UnregisterExporter(exporter)

		probes = health.NewServer(logger, cfg.Health.Port, r.Ready)
		probes.HandleMetrics(exporter)
		if err := probes.Listen(); err != nil {
			return multierr.Append(err, r.Disconnect())
		}
	}

	if err := r.Connect(ctx, cfg.Socket.URL); err != nil {
		if probes != nil {
			err = multierr.Append(err, probes.Close())
		}
		return multierr.Append(err, r.Disconnect())
	}
	logger.Info("Relaying events", zap.Strings("namespaces", r.Namespaces()))

	g, gctx := errgroup.WithContext(ctx)
	if probes != nil {
		g.Go(func() error {
			return probes.Serve(gctx)
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-r.Done():
			return errSourceStopped
		}
	})
	err = g.Wait()

	logger.Info("Shutting down")
	return multierr.Append(err, r.Disconnect())
}

func flush(logger *zap.Logger) {
	_ = logger.Sync()
}
