/*
 * Copyright 2024 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command deltaflow runs the flow engine, its HTTP API and the built-in actions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/condition"
	"github.com/rulego/deltaflow/config"
	"github.com/rulego/deltaflow/dsl"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
	appName = "deltaflow"
)

// BuildTime is set with -ldflags.
var BuildTime = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// flags override the matching configuration file values when set.
type flags struct {
	configPath string
	flows      string
	addr       string
	logLevel   string
}

func (f *flags) load(cmd *cobra.Command) (config.Server, error) {
	c, err := config.Load(f.configPath)
	if err != nil {
		return c, err
	}
	if cmd.Flags().Changed("flows") {
		c.Flows = f.flows
	}
	if cmd.Flags().Changed("addr") {
		c.Rest.Server = f.addr
	}
	if cmd.Flags().Changed("log-level") {
		c.LogLevel = f.logLevel
	}
	return c, c.Validate()
}

func rootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   appName,
		Short: "DeltaFile flow engine",
		Long: `deltaflow moves DeltaFiles through data source, transform and data sink flows.

Flows publish to and subscribe from topics. Actions run on worker queues and report
back to the engine, which advances each DeltaFile until it completes, errors or is
cancelled.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&f.flows, "flows", config.DefaultConfig.Flows, "Flow and topic definitions directory")
	cmd.PersistentFlags().StringVar(&f.addr, "addr", config.DefaultConfig.Rest.Server, "HTTP listen address")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", config.DefaultConfig.LogLevel, "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(f), workerCmd(f), validateCmd(f), &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, the HTTP API and the configured worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			app, err := newApp(ctx, c, c.Logger())
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Run(ctx)
		},
	}
}

func workerCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the configured actions against a shared queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			app, err := newWorkerApp(ctx, c, c.Logger())
			if err != nil {
				return err
			}
			defer app.Close()
			return app.RunWorker(ctx)
		},
	}
}

func validateCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir]",
		Short: "Check the flow and topic definitions without starting anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.load(cmd)
			if err != nil {
				return err
			}
			dir := c.Flows
			if len(args) == 1 {
				dir = args[0]
			}
			return validateDir(cmd, dir)
		},
	}
}

func validateDir(cmd *cobra.Command, dir string) error {
	defs, err := dsl.LoadDir(dir)
	if err != nil {
		return err
	}
	evaluator := condition.NewEvaluator(types.NewConfig(types.WithLogger(types.DiscardLogger())))
	defer evaluator.Close()

	out := cmd.OutOrStdout()
	if err := dsl.NewValidator(evaluator).Validate(defs); err != nil {
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				fmt.Fprintln(out, e)
			}
		} else {
			fmt.Fprintln(out, err)
		}
		return fmt.Errorf("%s has invalid definitions", dir)
	}
	fmt.Fprintf(out, "%s: %d topics, %d flows ok\n", dir, len(defs.Topics), len(defs.Flows))
	return nil
}
