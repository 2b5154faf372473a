package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"dns-firewall/pkg/storage"

	"github.com/spf13/cobra"
)

type statsReport struct {
	Statistics *storage.Statistics       `json:"statistics"`
	TopDomains []*storage.DomainStats    `json:"top_domains"`
	TopBlocked []*storage.DomainStats    `json:"top_blocked"`
	QueryTypes []*storage.QueryTypeStats `json:"query_types"`
	Recent     []*storage.QueryLog       `json:"recent,omitempty"`
}

func newStatsCmd(load loaderFunc) *cobra.Command {
	var (
		since  time.Duration
		top    int
		recent int
		domain string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the query log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Close() }()

			if !cfg.Storage.Enabled {
				return errors.New("query log storage is disabled in the configuration")
			}
			stor, err := storage.New(&cfg.Storage, nil, logger)
			if err != nil {
				return err
			}
			defer func() { _ = stor.Close() }()

			ctx := cmd.Context()
			report := statsReport{}
			if report.Statistics, err = stor.GetStatistics(ctx, time.Now().Add(-since)); err != nil {
				return err
			}
			if report.TopDomains, err = stor.GetTopDomains(ctx, top, false); err != nil {
				return err
			}
			if report.TopBlocked, err = stor.GetTopDomains(ctx, top, true); err != nil {
				return err
			}
			if report.QueryTypes, err = stor.GetQueryTypeStats(ctx, top, time.Now().Add(-since)); err != nil {
				return err
			}
			switch {
			case domain != "":
				n := recent
				if n <= 0 {
					n = 20
				}
				report.Recent, err = stor.GetQueriesByDomain(ctx, domain, n)
			case recent > 0:
				report.Recent, err = stor.GetRecentQueries(ctx, recent, 0)
			}
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return printReport(cmd.OutOrStdout(), &report)
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Statistics window")
	cmd.Flags().IntVar(&top, "top", 10, "Number of entries in top lists")
	cmd.Flags().IntVar(&recent, "recent", 0, "Also list this many recent queries")
	cmd.Flags().StringVar(&domain, "domain", "", "List recent queries for this domain only")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printReport(out io.Writer, r *statsReport) error {
	s := r.Statistics
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Window\t%s .. %s\n", s.Since.Format(time.RFC3339), s.Until.Format(time.RFC3339))
	fmt.Fprintf(tw, "Queries\t%d\n", s.TotalQueries)
	fmt.Fprintf(tw, "Blocked\t%d (%.1f%%)\n", s.BlockedQueries, s.BlockRate)
	fmt.Fprintf(tw, "Cached\t%d (%.1f%%)\n", s.CachedQueries, s.CacheHitRate)
	fmt.Fprintf(tw, "Failed\t%d\n", s.FailedQueries)
	fmt.Fprintf(tw, "Domains / clients\t%d / %d\n", s.UniqueDomains, s.UniqueClients)
	fmt.Fprintf(tw, "Avg response\t%.2f ms\n", s.AvgResponseTimeMs)

	section := func(title string, rows []*storage.DomainStats) {
		if len(rows) == 0 {
			return
		}
		fmt.Fprintf(tw, "\n%s\t\n", title)
		for _, d := range rows {
			fmt.Fprintf(tw, "  %s\t%d\n", d.Domain, d.QueryCount)
		}
	}
	section("Top domains", r.TopDomains)
	section("Top blocked", r.TopBlocked)

	if len(r.QueryTypes) > 0 {
		fmt.Fprintf(tw, "\nType\tTotal\tBlocked\tCached\n")
		for _, q := range r.QueryTypes {
			fmt.Fprintf(tw, "  %s\t%d\t%d\t%d\n", q.QueryType, q.Total, q.Blocked, q.Cached)
		}
	}

	if len(r.Recent) > 0 {
		fmt.Fprintf(tw, "\nTime\tClient\tDomain\tType\tOutcome\tms\n")
		for _, q := range r.Recent {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%.1f\n",
				q.Timestamp.Local().Format(time.DateTime), q.ClientIP, q.Domain, q.QueryType, q.Outcome, q.ResponseTimeMs)
		}
	}
	return tw.Flush()
}
