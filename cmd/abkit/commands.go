// ABOUTME: Subcommands of the abkit CLI
// ABOUTME: serve runs the HTTP API; the others operate on the local profile

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/abkit/internal/analytics"
	"github.com/2389/abkit/internal/config"
	"github.com/2389/abkit/internal/export"
	"github.com/2389/abkit/internal/kv"
	"github.com/2389/abkit/internal/results"
	"github.com/2389/abkit/internal/server"
	"github.com/2389/abkit/internal/sink"
	"github.com/2389/abkit/internal/visitor"
)

func newServeCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath())
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	printBanner()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required to serve (run abkit init)")
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:      %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:        %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Storage:     %s\n", cfg.Storage.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Sink:        %s\n", cfg.Analytics.Sink.Type)
	green.Print("    ▶ ")
	fmt.Printf("Experiments: %d\n", len(cfg.Experiments))
	fmt.Println()

	registry, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("building experiment registry: %w", err)
	}

	backend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer backend.Close()

	s, err := sink.New(ctx, cfg.Analytics.Sink, logger)
	if err != nil {
		return fmt.Errorf("creating sink: %w", err)
	}
	if s != nil {
		defer s.Close()
	}

	srv := server.New(server.Options{
		Store:            kv.New(backend, kv.WithNamespace(cfg.Storage.Namespace), kv.WithLogger(logger)),
		Registry:         registry,
		Tokens:           visitor.NewTokens([]byte(cfg.Auth.JWTSecret)),
		TokenTTL:         cfg.Auth.TokenTTL,
		Engine:           engineOptions(cfg, s, logger),
		VisitorCacheTTL:  cfg.Server.VisitorCacheTTL,
		VisitorCacheSize: cfg.Server.VisitorCacheSize,
		Logger:           logger,
	})

	go func() {
		err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
			if err := srv.ReplaceExperiments(next.Experiments); err != nil {
				logger.Warn("ignoring reloaded experiments", "error", err)
			}
		})
		if err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		}
	}()

	logger.Info("starting abkit",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"storage", cfg.Storage.Backend,
	)
	return srv.Run(ctx, cfg.Server.HTTPAddr)
}

func newInitCmd(configPath func() string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config with a fresh token secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(configPath(), force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	return cmd
}

func runInit(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	content := starterConfig(
		filepath.Join(getDataPath(), "abkit.db"),
		base64.StdEncoding.EncodeToString(secretBytes),
	)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", path)
	fmt.Println()
	fmt.Println("  To start the server:")
	fmt.Println("    abkit serve")
	return nil
}

func starterConfig(dbPath, secret string) string {
	return fmt.Sprintf(`# abkit configuration
# Generated by abkit init

server:
  http_addr: "127.0.0.1:8080"
  visitor_cache_ttl: "30m"

storage:
  backend: "sqlite"
  path: "%s"
  namespace: "abkit_"

auth:
  jwt_secret: "%s"
  token_ttl: "720h"

analytics:
  event_limit: 1000
  event_expiry: "168h"
  conversion_limit: 100
  sink:
    type: "none"

results:
  threshold: 5

logging:
  level: "info"
  format: "text"

experiments:
  - id: "hero-cta"
    variants: ["control", "urgency", "value"]
    weights: [0.34, 0.33, 0.33]
  - id: "pricing-display"
    variants: ["control", "value-focused"]
    weights: [0.5, 0.5]
`, dbPath, secret)
}

func newAssignCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "assign EXPERIMENT",
		Short: "Print the local profile's variant for an experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openProfile(ctx, configPath())
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			part := p.engine.Experiment(ctx, args[0])
			if !part.Known {
				color.New(color.FgYellow).Fprintf(os.Stderr, "unknown experiment %q, using %s\n", args[0], part.Variant)
			}
			fmt.Fprintln(cmd.OutOrStdout(), part.Variant)
			return nil
		},
	}
}

func newTrackCmd(configPath func() string) *cobra.Command {
	var page string
	cmd := &cobra.Command{
		Use:   "track EVENT [key=value...]",
		Short: "Record an analytics event on the local profile",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := parseProperties(args[1:])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			p, err := openProfile(ctx, configPath())
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			p.engine.Tracker().TrackOn(ctx, analytics.PageContext{URL: page}, args[0], props)
			return nil
		},
	}
	cmd.Flags().StringVar(&page, "url", "", "page URL the event happened on")
	return cmd
}

func newConvertCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "convert EXPERIMENT [key=value...]",
		Short: "Record a conversion for the local profile's assigned variant",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseProperties(args[1:])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			p, err := openProfile(ctx, configPath())
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			a, ok := p.engine.Assignment(ctx, args[0])
			if !ok {
				return fmt.Errorf("no variant assigned for %s (run abkit assign %s first)", args[0], args[0])
			}
			if !p.engine.Convert(ctx, args[0], data) {
				return fmt.Errorf("conversion for %s was not recorded", args[0])
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "  ✓ Converted %s (%s)\n", a.ExperimentID, a.Variant)
			return nil
		},
	}
}

func newResultsCmd(configPath func() string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Show per-variant conversion results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := openProfile(ctx, configPath())
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			summaries := p.engine.Results(ctx)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}
			printResults(cmd.OutOrStdout(), summaries)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

// printResults renders summaries as an aligned table, highlighting winners.
func printResults(w io.Writer, summaries []results.Summary) {
	cyan := color.New(color.FgCyan, color.Bold)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	if len(summaries) == 0 {
		gray.Fprintln(w, "  no experiments")
		return
	}

	for _, s := range summaries {
		cyan.Fprintf(w, "  %s\n", s.ExperimentID)
		gray.Fprintf(w, "    %-20s %12s %12s %8s\n", "variant", "participants", "conversions", "rate")
		for _, v := range s.Variants {
			fmt.Fprintf(w, "    %-20s %12d %12d %7.1f%%", v.Variant, v.Participants, v.Conversions, v.ConversionRate)
			if v.Variant == s.Winner {
				green.Fprint(w, "  ★")
			}
			fmt.Fprintln(w)
		}
		if s.Winner != "" {
			note := "not significant"
			if s.Significant {
				note = "significant"
			}
			gray.Fprintf(w, "    improvement %.1f pts (%s)\n", s.Improvement, note)
		}
		fmt.Fprintln(w)
	}
}

func newExportCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "export FILE",
		Short: "Write the local event log to a Parquet file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openProfile(ctx, configPath())
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			n, err := export.WriteFile(args[0], p.engine.Events(ctx))
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "  ✓ Exported %d events to %s\n", n, args[0])
			return nil
		},
	}
}

func newResetCmd(configPath func() string) *cobra.Command {
	var experimentID string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget assignments, conversions and events of the local profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := openProfile(ctx, configPath())
			if err != nil {
				return err
			}
			defer p.Close(ctx)

			if experimentID != "" {
				p.engine.ResetExperiment(ctx, experimentID)
				return nil
			}
			p.engine.Reset(ctx)
			return nil
		},
	}
	cmd.Flags().StringVar(&experimentID, "experiment", "", "only forget the assignment of this experiment")
	return cmd
}

func newHealthCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the health of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runHealth(cmd.Context(), cmd.OutOrStdout(), cfg.Server.HTTPAddr)
		},
	}
}

func runHealth(ctx context.Context, w io.Writer, addr string) error {
	url := fmt.Sprintf("http://%s/health", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Fprintln(w, "healthy")
	return nil
}

// parseProperties turns key=value arguments into a property bag. Numbers and
// booleans are decoded, everything else is kept as a string.
func parseProperties(args []string) (analytics.Properties, error) {
	if len(args) == 0 {
		return nil, nil
	}
	props := make(analytics.Properties, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("property %q is not key=value", arg)
		}
		switch {
		case raw == "true" || raw == "false":
			props[key] = raw == "true"
		default:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				props[key] = f
			} else {
				props[key] = raw
			}
		}
	}
	return props, nil
}
