// Command cachectl inspects and maintains the API response cache directly
// against the configured store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/briangreenhill/propertydata/cache"
	"github.com/briangreenhill/propertydata/internal/auth"
	"github.com/briangreenhill/propertydata/internal/config"
	"github.com/briangreenhill/propertydata/internal/store"
)

var version = "dev"

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries state shared by every subcommand. Tests set mgr and cfg
// up front so nothing is loaded from the environment.
type app struct {
	cfg   *config.Config
	mgr   *cache.Manager
	owned bool
}

func (a *app) load(ctx context.Context) error {
	if a.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	if a.mgr != nil {
		return nil
	}
	st, err := store.Open(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", a.cfg.Store, err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)
	a.mgr = cache.NewManager(st, cache.WithOptions(a.cfg.CacheOptions()), cache.WithLogger(logger))
	a.owned = true
	return nil
}

func (a *app) close() {
	if a.owned {
		_ = a.mgr.Close()
	}
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cachectl",
		Short:         "Inspect and maintain the property data API cache",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(
		newStatsCmd(a),
		newCleanupCmd(a),
		newGetCmd(a),
		newInfoCmd(a),
		newInvalidateCmd(a),
		newStaleCmd(a),
		newClearCmd(a),
		newTokenCmd(a),
	)
	return cmd
}

// withCache loads the manager before running fn and closes it after.
func withCache(a *app, fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := a.load(cmd.Context()); err != nil {
			return err
		}
		defer a.close()
		return fn(cmd, args)
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show entry counts and sizes per provider",
		Args:  cobra.NoArgs,
		RunE: withCache(a, func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd.OutOrStdout(), a.mgr.Stats(cmd.Context()))
		}),
	}
}

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete entries whose TTL has elapsed",
		Args:  cobra.NoArgs,
		RunE: withCache(a, func(cmd *cobra.Command, _ []string) error {
			n := a.mgr.Cleanup(cmd.Context())
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired entries\n", n)
			return err
		}),
	}
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <provider> <key>",
		Short: "Print a cached payload if it is still valid",
		Args:  cobra.ExactArgs(2),
		RunE: withCache(a, func(cmd *cobra.Command, args []string) error {
			p, err := parseProvider(args[0])
			if err != nil {
				return err
			}
			body, ok := a.mgr.Get(cmd.Context(), p, args[1])
			if !ok {
				return fmt.Errorf("%s/%s: not cached", p, args[1])
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return err
		}),
	}
}

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info <provider> <key>",
		Short: "Show entry metadata without the payload",
		Args:  cobra.ExactArgs(2),
		RunE: withCache(a, func(cmd *cobra.Command, args []string) error {
			p, err := parseProvider(args[0])
			if err != nil {
				return err
			}
			info, ok := a.mgr.GetInfo(cmd.Context(), p, args[1])
			if !ok {
				return fmt.Errorf("%s/%s: not cached", p, args[1])
			}
			return printJSON(cmd.OutOrStdout(), info)
		}),
	}
}

func newInvalidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "invalidate <provider> <key>",
		Aliases: []string{"rm"},
		Short:   "Delete one entry",
		Args:    cobra.ExactArgs(2),
		RunE: withCache(a, func(cmd *cobra.Command, args []string) error {
			p, err := parseProvider(args[0])
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), a.mgr.Invalidate(cmd.Context(), p, args[1]), "invalidated %s/%s", p, args[1])
		}),
	}
}

func newStaleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stale <provider> <key>",
		Short: "Mark one entry stale so the next lookup refetches it",
		Args:  cobra.ExactArgs(2),
		RunE: withCache(a, func(cmd *cobra.Command, args []string) error {
			p, err := parseProvider(args[0])
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), a.mgr.MarkStale(cmd.Context(), p, args[1]), "marked %s/%s stale", p, args[1])
		}),
	}
}

func newClearCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clear [provider]",
		Short: "Delete every entry for a provider, or everything with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: withCache(a, func(cmd *cobra.Command, args []string) error {
			switch {
			case len(args) == 1 && all:
				return fmt.Errorf("pass a provider or --all, not both")
			case len(args) == 1:
				p, err := parseProvider(args[0])
				if err != nil {
					return err
				}
				return report(cmd.OutOrStdout(), a.mgr.ClearProvider(cmd.Context(), p), "cleared %s", p)
			case all:
				return report(cmd.OutOrStdout(), a.mgr.ClearAll(cmd.Context()), "cleared all providers")
			default:
				return fmt.Errorf("pass a provider or --all")
			}
		}),
	}

	cmd.Flags().BoolVar(&all, "all", false, "Clear every provider")
	return cmd
}

func newTokenCmd(a *app) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue an admin bearer token signed with ADMIN_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg == nil {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				a.cfg = cfg
			}
			if !a.cfg.HasAdmin() {
				return fmt.Errorf("ADMIN_SECRET is not set")
			}
			tok := auth.AdminToken{Secret: []byte(a.cfg.AdminSecret)}.Issue(args[0], ttl)
			_, err := fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func parseProvider(s string) (cache.Provider, error) {
	p := cache.Provider(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown provider %q (want one of %v)", s, cache.Providers)
	}
	return p, nil
}

// report prints msg on success; false means the store was unavailable.
func report(w io.Writer, ok bool, format string, args ...any) error {
	if !ok {
		return fmt.Errorf("cache store unavailable")
	}
	_, err := fmt.Fprintf(w, format+"\n", args...)
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
