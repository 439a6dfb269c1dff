// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cardinalhq/oteltools/pkg/telemetry"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	iruntime "go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/cardinalhq/target-s3-json/internal/helpers"
	"github.com/cardinalhq/target-s3-json/internal/idgen"
)

const serviceName = "target-s3-json"

// setupTelemetry installs the default logger and, when enabled, the
// OpenTelemetry SDK. Logs go to logOut, never to stdout, which carries the
// emitted state. The returned function flushes telemetry on shutdown.
func setupTelemetry(ctx context.Context, servicename string, logOut io.Writer) (func() error, error) {
	instanceID := idgen.InstanceID()
	shutdown := func() error { return nil }

	var opts *slog.HandlerOptions
	if helpers.AnyBoolEnv("DEBUG", "TARGET_S3_JSON_DEBUG") {
		opts = &slog.HandlerOptions{Level: slog.LevelDebug}
	}

	if os.Getenv("OTEL_SERVICE_NAME") == "" || !helpers.GetBoolEnv("ENABLE_OTLP_TELEMETRY", false) {
		slog.SetDefault(slog.New(slog.NewTextHandler(logOut, opts)).With(
			slog.String("service", servicename),
			slog.Int64("instanceID", instanceID),
		))
		return shutdown, nil
	}

	slog.SetDefault(slog.New(slogmulti.Fanout(
		slog.NewTextHandler(logOut, opts),
		otelslog.NewHandler(servicename),
	)).With(
		slog.String("service", servicename),
		slog.Int64("instanceID", instanceID),
	))
	slog.Info("OpenTelemetry exporting enabled")

	otelShutdown, err := telemetry.SetupOTelSDK(ctx)
	if err != nil {
		return shutdown, fmt.Errorf("failed to setup OpenTelemetry SDK: %w", err)
	}

	if err := iruntime.Start(iruntime.WithMinimumReadMemStatsInterval(10 * time.Second)); err != nil {
		slog.Warn("failed to start runtime metrics", slog.Any("error", err))
	}

	shutdown = func() error {
		slog.Debug("Shutting down OpenTelemetry SDK")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return otelShutdown(ctx)
	}
	return shutdown, nil
}
