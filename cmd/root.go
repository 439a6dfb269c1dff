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
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/target-s3-json/config"
	"github.com/cardinalhq/target-s3-json/internal/awsclient"
	"github.com/cardinalhq/target-s3-json/internal/orchestrator"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Singer target that writes JSON batches to S3",
	Long: `Read Singer SCHEMA, RECORD and STATE messages from stdin, batch the records
per stream and upload the batches to S3. A STATE message is echoed to stdout
once every upload that precedes it has completed.`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), configPath, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file")
	_ = rootCmd.MarkFlagRequired("config")
}

func run(ctx context.Context, path string, in io.Reader, out, logOut io.Writer) error {
	ctx, cancel := handleSignals(ctx)
	defer cancel()

	shutdown, err := setupTelemetry(ctx, serviceName, logOut)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(); err != nil {
			slog.Warn("Error shutting down telemetry", slog.Any("error", err))
		}
	}()

	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("Failed to load config", slog.String("path", path), slog.Any("error", err))
		return err
	}

	mgr := awsclient.NewManager()
	o := orchestrator.New(cfg, in, out, orchestrator.S3Clients(mgr))
	if err := o.Run(ctx); err != nil {
		slog.Error("Target failed", slog.String("phase", o.Phase().String()), slog.Any("error", err))
		return err
	}
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
