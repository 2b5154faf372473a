package feeds

import (
	"strings"
	"testing"

	"dns-firewall/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.com", "example.com"},
		{"ADS.Tracker.Example.COM.", "example.com"},
		{"https://login.phish.example.org/path?q=1", "example.org"},
		{"http://evil.co.uk:8080/x", "evil.co.uk"},
		{"cdn.evil.co.uk", "evil.co.uk"},
		{"foo.example.net:443", "example.net"},
		{"example.com/download.exe", "example.com"},
		{"192.0.2.1", ""},
		{"http://192.0.2.1/payload", ""},
		{"localhost", ""},
		{"com", ""},
		{"printer.lan", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractDomain(tt.in))
		})
	}
}

func TestParse_Hosts(t *testing.T) {
	body := `# StevenBlack style
127.0.0.1 localhost
0.0.0.0 0.0.0.0
0.0.0.0 ads.example.com
0.0.0.0 tracker.example.com # inline comment
0.0.0.0 metrics.example.org

bare.example.net
`
	got, err := Parse(config.FeedFormatHosts, strings.NewReader(body))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"example.com", "example.org", "example.net"}, keys(got))
}

func TestParse_Plain(t *testing.T) {
	body := `https://secure-login.example.com/verify
http://phish.example.org/a/b
example.net
# comment
`
	got, err := Parse(config.FeedFormatPlain, strings.NewReader(body))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"example.com", "example.org", "example.net"}, keys(got))
}

func TestParse_URLHaus(t *testing.T) {
	body := `################################################################
# abuse.ch URLhaus Database Dump (CSV)
################################################################
# id,dateadded,url,url_status,last_online,threat,tags,urlhaus_link,reporter
"1","2024-01-01 00:00:00","http://malware.example.com/bin.sh","online","2024-01-01 00:00:00","malware_download","elf","https://urlhaus.abuse.ch/url/1/","someone"
"2","2024-01-01 00:00:01","http://192.0.2.7/i","online","","malware_download","","https://urlhaus.abuse.ch/url/2/","someone"
"3","2024-01-01 00:00:02","https://drop.example.org/x.exe","offline","","malware_download","exe","https://urlhaus.abuse.ch/url/3/","someone"
`
	got, err := Parse(config.FeedFormatURLHaus, strings.NewReader(body))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"example.com", "example.org"}, keys(got))
}

func TestParse_Adblock(t *testing.T) {
	body := `! comment
[Adblock Plus 2.0]
||ads.example.com^
||tracker.example.org^$third-party
@@||allowed.example.net^
example.net
`
	got, err := Parse(config.FeedFormatAdblock, strings.NewReader(body))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"example.com", "example.org"}, keys(got))
}

func TestParse_UnknownFormat(t *testing.T) {
	_, err := Parse("rss", strings.NewReader(""))
	assert.Error(t, err)
}
