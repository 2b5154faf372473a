package feeds

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	"dns-firewall/pkg/config"

	"golang.org/x/net/publicsuffix"
)

// Parse reads a feed body in the given format and returns the registrable
// domains it names. Lines that yield no domain are skipped silently.
func Parse(format string, r io.Reader) (map[string]struct{}, error) {
	switch format {
	case config.FeedFormatHosts:
		return parseLines(r, hostsCandidate)
	case config.FeedFormatPlain, "":
		return parseLines(r, plainCandidate)
	case config.FeedFormatAdblock:
		return parseLines(r, adblockCandidate)
	case config.FeedFormatURLHaus:
		return parseURLHaus(r)
	default:
		return nil, fmt.Errorf("unknown feed format %q", format)
	}
}

func parseLines(r io.Reader, candidate func(line string) string) (map[string]struct{}, error) {
	domains := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if d := ExtractDomain(candidate(line)); d != "" {
			domains[d] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading feed: %w", err)
	}
	return domains, nil
}

// hostsCandidate takes the name column of "0.0.0.0 ads.example.com" lines,
// or the only field of a bare line
func hostsCandidate(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	switch len(fields) {
	case 0:
		return ""
	case 1:
		return fields[0]
	default:
		return fields[1]
	}
}

func plainCandidate(line string) string {
	return strings.Fields(line)[0]
}

// adblockCandidate accepts only "||domain^" network rules
func adblockCandidate(line string) string {
	if !strings.HasPrefix(line, "||") {
		return ""
	}
	rest := line[2:]
	end := strings.IndexAny(rest, "^/$")
	if end < 0 {
		return ""
	}
	return rest[:end]
}

// parseURLHaus takes the first URL-like column of each CSV record
func parseURLHaus(r io.Reader) (map[string]struct{}, error) {
	domains := make(map[string]struct{})
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return nil, fmt.Errorf("error reading feed: %w", err)
		}
		if len(record) > 0 && record[0] == "id" {
			continue
		}
		for _, field := range record {
			field = strings.TrimSpace(field)
			if strings.HasPrefix(field, "http") || (strings.Contains(field, ".") && len(field) < 200) {
				if d := ExtractDomain(field); d != "" {
					domains[d] = struct{}{}
				}
				break
			}
		}
	}
	return domains, nil
}

// ExtractDomain reduces a host or URL to its registrable domain, lowercased.
// IP literals, single-label names and names under an unlisted TLD give "".
func ExtractDomain(hostOrURL string) string {
	host := strings.TrimSpace(hostOrURL)
	if host == "" {
		return ""
	}
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return ""
		}
		host = u.Hostname()
	} else if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}

	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}

	// Names the list does not know fall under the implicit "*" rule
	suffix, icann := publicsuffix.PublicSuffix(host)
	if !icann && !strings.Contains(suffix, ".") {
		return ""
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return etld1
}
