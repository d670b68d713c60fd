/*
 *  Copyright 2025 Gravitational, Inc
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/evanhourigan/telemetry-gateway/internal/config"
	"github.com/evanhourigan/telemetry-gateway/internal/gateway"
)

// CLI is the kong entry point for the telemetry gateway binary.
type CLI struct {
	Start StartCmd `cmd:"" help:"Start the telemetry gateway."`
}

// StartCmd starts the gateway. Unlike the approval-service's YAML-file
// configuration, this binary is entirely environment-driven
// (config.FromEnv), matching the rest of SPEC_FULL.md's ambient stack.
type StartCmd struct {
	LogLevel string `name:"log-level" env:"LOG_LEVEL" default:"info" help:"Log level: debug, info, warn, error."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli)
	kctx.FatalIfErrorf(kctx.Run())
}

func (cmd *StartCmd) Run() error {
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cmd.LogLevel)}))
	slog.SetDefault(log)

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := gateway.NewFromConfig(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initializing gateway: %w", err)
	}
	defer svc.Close()

	if err := svc.Setup(ctx); err != nil {
		return fmt.Errorf("setting up gateway: %w", err)
	}

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("running gateway: %w", err)
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
