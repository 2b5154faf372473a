package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dns-firewall/pkg/feeds"
	"dns-firewall/pkg/forwarder"
	"dns-firewall/pkg/resolver"

	"github.com/spf13/cobra"
)

func newUpdateFeedsCmd(load loaderFunc) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "update-feeds",
		Short: "Download threat feeds and publish the blocklist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fwd := forwarder.NewForwarder(&cfg.Upstream, logger.WithComponent("forwarder"))
			client := resolver.New(fwd, logger).NewHTTPClient(cfg.Feeds.FetchTimeout)
			agg := feeds.New(&cfg.Feeds, client, logger, nil)

			if !once {
				if err := agg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}

			res, err := agg.UpdateOnce(ctx)
			if res != nil {
				out := cmd.OutOrStdout()
				for _, s := range res.Sources {
					if s.Err != nil {
						fmt.Fprintf(out, "  %-12s failed: %v\n", s.Name, s.Err)
						continue
					}
					fmt.Fprintf(out, "  %-12s %d domains in %s\n", s.Name, s.Domains, s.Duration.Round(time.Millisecond))
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d domains to %s\n", res.Domains, res.Output)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single update and exit")
	return cmd
}
