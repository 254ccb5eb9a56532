// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command enginectl is a minimal ambient CLI wiring Settings to a
// running engine: "serve" starts the dispatcher and reconciler and
// blocks until terminated, "submit" fires a single WorkSpec at a
// running configuration for smoke-testing a backend or executor, and
// "version" reports the build. It is not a parallel public API surface
// (that remains an explicit non-goal); it is the same process wiring
// every teacher binary carries in cmd/.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracklane/engine/internal/config"
	"github.com/tracklane/engine/internal/daemon"
	"github.com/tracklane/engine/internal/ledger"
	internallog "github.com/tracklane/engine/internal/log"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "enginectl",
		Short:         "Run and drive the execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML settings profile")

	cmd.AddCommand(newServeCommand(&configPath))
	cmd.AddCommand(newSubmitCommand(&configPath))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("enginectl %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

func newServeCommand(configPath *string) *cobra.Command {
	var backendURL string
	var executorKind string
	var instanceID string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatcher and reconciler and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if backendURL != "" {
				cfg.Backend.URL = backendURL
			}
			if executorKind != "" {
				cfg.Executor.Kind = executorKind
			}

			logger := internallog.New(internallog.FromEnv())
			slog.SetDefault(logger)

			d, err := daemon.New(cfg, daemon.Options{
				Version:    version,
				Commit:     commit,
				BuildDate:  buildDate,
				InstanceID: instanceID,
			})
			if err != nil {
				return fmt.Errorf("creating daemon: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := d.Start(ctx); err != nil {
				return fmt.Errorf("starting daemon: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := d.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutting down daemon: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&backendURL, "backend", "", "override backend.url (e.g. sqlite:///path/to/engine.db, postgres://..., memory://)")
	cmd.Flags().StringVar(&executorKind, "executor", "", "override executor.kind (memory, thread-pool, async-pool, process-pool, stub)")
	cmd.Flags().StringVar(&instanceID, "instance-id", "", "reconciler lease identity for this process (default: random)")
	return cmd
}

func newSubmitCommand(configPath *string) *cobra.Command {
	var kind string
	var name string
	var paramsJSON string
	var wait bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a single WorkSpec against a freshly-opened backend and print the resulting run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			params := map[string]any{}
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("parsing --params as JSON: %w", err)
				}
			}

			d, err := daemon.New(cfg, daemon.Options{Version: version, Commit: commit, BuildDate: buildDate})
			if err != nil {
				return fmt.Errorf("creating daemon: %w", err)
			}

			ctx := context.Background()
			if err := d.Start(ctx); err != nil {
				return fmt.Errorf("starting daemon: %w", err)
			}
			defer d.Shutdown(ctx)

			spec := ledger.WorkSpec{Kind: ledger.Kind(kind), Name: name, Params: params}

			if !wait {
				run, err := d.Dispatcher().Submit(ctx, spec)
				if err != nil {
					return fmt.Errorf("submitting: %w", err)
				}
				return printRun(run)
			}

			out, err := d.Dispatcher().SubmitOperationSync(ctx, name, params)
			if err != nil {
				return fmt.Errorf("submitting: %w", err)
			}
			enc, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(enc))
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(ledger.KindTask), "WorkSpec kind (task, operation, workflow, step, container)")
	cmd.Flags().StringVar(&name, "name", "", "handler name registered for this kind")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "JSON object of handler params")
	cmd.Flags().BoolVar(&wait, "wait", false, "block for completion via SubmitOperationSync instead of returning immediately (requires --kind operation)")
	cmd.MarkFlagRequired("name")
	return cmd
}

func printRun(run *ledger.Run) error {
	enc, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(enc))
	return nil
}
