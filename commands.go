package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aposazhennikov/lancast/catalog"
	"github.com/aposazhennikov/lancast/config"
	api "github.com/aposazhennikov/lancast/http"
	"github.com/aposazhennikov/lancast/queue"
)

var errNothingPlayable = errors.New("none of the given tracks can be played")

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func parseQualityFlag(value string) (catalog.Quality, error) {
	if strings.TrimSpace(value) == "" {
		return "", nil
	}
	return catalog.ParseQuality(value)
}

func newPlayCommand(ctx *commandContext) *cobra.Command {
	var (
		qualityFlag string
		shuffle     bool
	)

	cmd := &cobra.Command{
		Use:   "play ID...",
		Short: "Cast the given tracks in order, then exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			quality, err := parseQualityFlag(qualityFlag)
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			p, err := newPipeline(cfg)
			if err != nil {
				return err
			}
			defer p.close()

			runCtx, stop := signalContext(cmd.Context())
			defer stop()

			added, err := p.player.Enqueue(runCtx, quality, args...)
			if len(added) == 0 {
				return errors.Join(errNothingPlayable, err)
			}
			if shuffle {
				p.queue.Shuffle()
			}

			if err := p.player.Play(runCtx); err != nil && runCtx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&qualityFlag, "quality", "q", "", "Stream quality (MP3_128, MP3_320, FLAC)")
	cmd.Flags().BoolVar(&shuffle, "shuffle", false, "Shuffle the tracks before casting")
	return cmd
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [ID...]",
		Short: "Run the player with the HTTP control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			p, err := newPipeline(cfg)
			if err != nil {
				return err
			}
			defer p.close()

			runCtx, stop := signalContext(cmd.Context())
			defer stop()

			if len(args) > 0 {
				if _, err := p.player.Enqueue(runCtx, "", args...); err != nil {
					p.logger.Warn("Some tracks were not queued", slog.String("error", err.Error()))
				}
			}

			var wg sync.WaitGroup
			if cfg.Server.QueueFile != "" {
				inbox, err := queue.NewInbox(cfg.Server.QueueFile, p.queue, p.player.Resolve, p.logger, p.sentry)
				if err != nil {
					return err
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := inbox.Run(runCtx); err != nil {
						p.logger.Error("Queue inbox stopped", slog.String("error", err.Error()))
					}
				}()
			}

			p.player.Start()
			srv := api.NewServer(p.player, p.queue,
				api.WithGatherer(p.registry),
				api.WithSearcher(p.catalog),
				api.WithToken(cfg.Server.Token),
				api.WithLogger(p.logger))
			err = srv.Serve(runCtx, cfg.Server.Addr)

			stop()
			p.player.Stop()
			wg.Wait()
			return err
		},
	}
}

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var (
		query   catalog.SearchQuery
		idsOnly bool
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the catalog for artists, albums or tracks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if query.Artist == "" && query.Album == "" && query.Track == "" {
				return fmt.Errorf("%w: set --artist, --album or --track", catalog.ErrEmptyQuery)
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cat, err := newCatalog(cfg, newLogger(cfg))
			if err != nil {
				return err
			}

			results, err := cat.Search(cmd.Context(), query)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case idsOnly:
				for _, r := range results {
					fmt.Fprintln(out, resultID(r))
				}
			case asJSON:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			default:
				fmt.Fprintln(out, renderResults(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&query.Artist, "artist", "", "Artist name")
	cmd.Flags().StringVar(&query.Album, "album", "", "Album title")
	cmd.Flags().StringVar(&query.Track, "track", "", "Track title")
	cmd.Flags().BoolVar(&query.Strict, "strict", false, "Disable fuzzy matching")
	cmd.Flags().BoolVar(&idsOnly, "ids", false, "Print only ids, one per line")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	cmd.MarkFlagsMutuallyExclusive("ids", "json")
	return cmd
}

func newConfigCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the settings file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := ctx.ensureConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ctx.configPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration without secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			data, err := config.Sample(*cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skipConfig": "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lancast %s\n", version)
		},
	}
}
