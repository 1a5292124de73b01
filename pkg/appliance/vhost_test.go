package appliance

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRenderVHost tests the two-block proxy configuration
func TestRenderVHost(t *testing.T) {
	conf := renderVHost("blog", "10.20.0.105", 80, 30000, 40000)

	assert.True(t, strings.HasPrefix(conf, "# blog\n"))
	assert.Equal(t, 2, strings.Count(conf, "server {"))
	assert.Contains(t, conf, "listen 30000;")
	assert.Contains(t, conf, "listen 40000;")
	assert.Equal(t, 2, strings.Count(conf, "proxy_pass http://10.20.0.105:80;"))

	// Websocket upgrade headers appear in both blocks.
	assert.Equal(t, 2, strings.Count(conf, "proxy_set_header Upgrade $http_upgrade;"))
}

// TestRenderVHostInternalStripsFrameHeaders tests that only the internal
// block allows embedding
func TestRenderVHostInternalStripsFrameHeaders(t *testing.T) {
	conf := renderVHost("wiki", "10.20.0.110", 3000, 30001, 40001)

	blocks := strings.Split(conf, "server {")
	require.Len(t, blocks, 3) // preamble + two blocks

	public := blocks[1]
	internal := blocks[2]

	assert.Contains(t, public, "listen 30001;")
	assert.NotContains(t, public, "proxy_hide_header")

	assert.Contains(t, internal, "listen 40001;")
	assert.Contains(t, internal, "proxy_hide_header X-Frame-Options;")
	assert.Contains(t, internal, "proxy_hide_header Content-Security-Policy;")
}

// TestVHostPath tests the per-application file naming
func TestVHostPath(t *testing.T) {
	assert.Equal(t, "/etc/nginx/sites-enabled/roost-blog.conf", vhostPath("blog"))
}

// TestSingleQuote tests embedded quote escaping for the remote write
func TestSingleQuote(t *testing.T) {
	assert.Equal(t, "'plain'", singleQuote("plain"))
	assert.Equal(t, `'it'\''s'`, singleQuote("it's"))
}

// TestParseIPv4Addr tests address extraction from ip -4 addr output
func TestParseIPv4Addr(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		expected string
	}{
		{
			name: "standard eth0 output",
			output: `2: eth0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc pfifo_fast state UP group default qlen 1000
    inet 10.20.0.105/24 brd 10.20.0.255 scope global dynamic eth0
       valid_lft 42653sec preferred_lft 42653sec
`,
			expected: "10.20.0.105",
		},
		{
			name: "skips loopback",
			output: `1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536 qdisc noqueue state UNKNOWN group default qlen 1000
    inet 127.0.0.1/8 scope host lo
2: eth0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 state UP group default qlen 1000
    inet 192.168.1.50/24 scope global eth0
`,
			expected: "192.168.1.50",
		},
		{
			name:     "no address",
			output:   "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseIPv4Addr(tt.output))
		})
	}
}
