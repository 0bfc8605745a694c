package main

import (
	"context"
	"fmt"

	"github.com/Sternrassler/github-ingest/pkg/config"
	"github.com/Sternrassler/github-ingest/pkg/record"
	"github.com/Sternrassler/github-ingest/pkg/watermark"
	"github.com/spf13/cobra"
)

func newWatermarkCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Inspect or change stored watermarks",
	}
	cmd.AddCommand(
		newWatermarkShowCmd(opts),
		newWatermarkSetCmd(opts),
		newWatermarkResetCmd(opts),
	)
	return cmd
}

// withStore opens the configured watermark store for the duration of fn.
func withStore(ctx context.Context, opts *rootOptions, fn func(watermark.Store) error) error {
	b, err := openBackends(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer b.Close()

	store, err := b.watermarkStore(ctx, opts.cfg)
	if err != nil {
		return err
	}
	return fn(store)
}

func newWatermarkShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [resource...]",
		Short: "Print the stored watermark of each resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			resources, err := opts.cfg.Select(args...)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), opts, func(store watermark.Store) error {
				out := cmd.OutOrStdout()
				for _, r := range resources {
					wm, ok, err := store.Load(cmd.Context(), r.Name)
					if err != nil {
						return fmt.Errorf("%s: %w", r.Name, err)
					}
					if !ok {
						fmt.Fprintf(out, "%s\t-\n", r.Name)
						continue
					}
					fmt.Fprintf(out, "%s\t%s\n", r.Name, wm)
				}
				return nil
			})
		},
	}
}

func newWatermarkSetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <resource> <value>",
		Short: "Store a watermark, e.g. to backfill from an earlier point",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := lookupResource(opts.cfg, args[0])
			if err != nil {
				return err
			}
			kind, err := record.ParseKind(rc.WatermarkKind)
			if err != nil {
				return err
			}
			wm, err := record.ParseWatermarkString(kind, args[1])
			if err != nil {
				return fmt.Errorf("%s: %w", rc.Name, err)
			}

			return withStore(cmd.Context(), opts, func(store watermark.Store) error {
				if err := store.Save(cmd.Context(), rc.Name, wm); err != nil {
					return err
				}
				opts.logger.Info().Str("resource", rc.Name).Str("watermark", wm.String()).Msg("Watermark set")
				return nil
			})
		},
	}
}

func newWatermarkResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <resource>",
		Short: "Delete a watermark so the next run fetches everything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := lookupResource(opts.cfg, args[0])
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), opts, func(store watermark.Store) error {
				if err := store.Delete(cmd.Context(), rc.Name); err != nil {
					return err
				}
				opts.logger.Info().Str("resource", rc.Name).Msg("Watermark reset")
				return nil
			})
		},
	}
}

func lookupResource(cfg *config.Config, name string) (config.ResourceConfig, error) {
	for _, rc := range cfg.Resources {
		if rc.Name == name {
			return rc, nil
		}
	}
	return config.ResourceConfig{}, fmt.Errorf("unknown resource %q", name)
}
