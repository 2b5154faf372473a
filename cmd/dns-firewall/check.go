package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"dns-firewall/pkg/blocklist"

	"github.com/spf13/cobra"
)

func newCheckCmd(load loaderFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "check [domain...]",
		Short: "Report which blocklist rule, if any, matches each domain",
		Long:  "Loads the configured blocklist and prints a verdict per domain. With no arguments domains are read from stdin, one per line.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Close() }()

			m, warnings, err := blocklist.LoadFile(cfg.Blocklist.Path)
			if err != nil {
				return err
			}
			for _, w := range warnings {
				logger.Warn("Skipped blocklist rule", "line", w.Line, "error", w.Err)
			}
			stats := m.Stats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d rules (%d exact, %d wildcard, %d regex)\n",
				cfg.Blocklist.Path, stats.Total, stats.Exact, stats.Wildcard, stats.Regex)

			domains := args
			if len(domains) == 0 {
				domains, err = readDomains(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			for _, d := range domains {
				if rule, ok := m.Match(d); ok {
					fmt.Fprintf(out, "BLOCKED  %s  %s\n", d, rule)
				} else {
					fmt.Fprintf(out, "allowed  %s\n", d)
				}
			}
			return nil
		},
	}
}

func readDomains(r io.Reader) ([]string, error) {
	var domains []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if d := strings.TrimSpace(scanner.Text()); d != "" {
			domains = append(domains, d)
		}
	}
	return domains, scanner.Err()
}
