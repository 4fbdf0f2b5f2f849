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

// Package logging wraps knative/pkg's logging package so the relay can work with
// desugared loggers while still sharing the context plumbing used by knative.dev/pkg.
package logging

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"knative.dev/pkg/logging"
)

const zapLoggerConfigKey = "zap-logger-config"

// NewLogger builds the process logger from a JSON zap configuration (the
// K_LOGGING_CONFIG format used across knative components) and an optional
// level override. An empty configuration yields the knative defaults; a
// malformed one is an error.
func NewLogger(configJSON, levelOverride, component string) (*zap.Logger, error) {
	data := make(map[string]string, 2)
	if configJSON != "" {
		var zc zap.Config
		if err := json.Unmarshal([]byte(configJSON), &zc); err != nil {
			return nil, fmt.Errorf("invalid zap logger configuration: %w", err)
		}
		data[zapLoggerConfigKey] = configJSON
	}
	if levelOverride != "" {
		data["loglevel."+component] = levelOverride
	}
	config, err := logging.NewConfigFromMap(data)
	if err != nil {
		return nil, fmt.Errorf("invalid logging configuration: %w", err)
	}
	sugared, _ := logging.NewLoggerFromConfig(config, component)
	return sugared.Desugar(), nil
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return logging.WithLogger(ctx, logger.Sugar())
}

func FromContext(ctx context.Context) *zap.Logger {
	return logging.FromContext(ctx).Desugar()
}

// With returns a context whose logger carries the given fields.
func With(ctx context.Context, fields ...zap.Field) context.Context {
	logger := FromContext(ctx)
	return WithLogger(ctx, logger.With(fields...))
}
