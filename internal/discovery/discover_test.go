package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProcNetTCPContent(t *testing.T) {
	fixture := `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 00000000:2710 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 12345 1 0000000000000000 100 0 0 10 0
   1: 0100007F:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 12346 1 0000000000000000 100 0 0 10 0
   2: 0100007F:0050 0100007F:C000 01 00000000:00000000 00:00000000 00000000  1000        0 12347 1 0000000000000000 100 0 0 10 0
`
	entries := ParseProcNetTCPContent(fixture)
	require.Len(t, entries, 3)

	assert.Equal(t, 10000, entries[0].Port)
	assert.Equal(t, uint64(12345), entries[0].Inode)
	assert.Equal(t, 0x0A, entries[0].State)

	assert.Equal(t, 8080, entries[1].Port)
	assert.Equal(t, uint64(12346), entries[1].Inode)

	assert.Equal(t, 80, entries[2].Port)
	assert.Equal(t, 0x01, entries[2].State)
}

func TestParseProcNetTCPContentEmpty(t *testing.T) {
	fixture := `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
`
	entries := ParseProcNetTCPContent(fixture)
	assert.Empty(t, entries)
}

func TestParseProcNetTCPContentIPv6(t *testing.T) {
	fixture := `  sl  local_address                         remote_address                        st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 00000000000000000000000000000000:2710 00000000000000000000000000000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 54321 1 0000000000000000 100 0 0 10 0
`
	entries := ParseProcNetTCPContent(fixture)
	require.Len(t, entries, 1)
	assert.Equal(t, 10000, entries[0].Port)
	assert.Equal(t, uint64(54321), entries[0].Inode)
}

func TestParseLsofOutput(t *testing.T) {
	fixture := "p1234\ncfuzztarget\nn*:10000\np5678\ncpython3\nn127.0.0.1:8080\n"
	servers := ParseLsofOutput(fixture)
	require.Len(t, servers, 2)

	assert.Equal(t, 10000, servers[0].Port)
	assert.Equal(t, 1234, servers[0].PID)
	assert.Equal(t, "fuzztarget", servers[0].Source)
	assert.Equal(t, "fuzztarget", servers[0].Script)

	assert.Equal(t, 8080, servers[1].Port)
	assert.Equal(t, "python3", servers[1].Source)
}

func TestParseLsofOutputEmpty(t *testing.T) {
	servers := ParseLsofOutput("")
	assert.Empty(t, servers)
}

func TestClassifyCmdline(t *testing.T) {
	tests := []struct {
		name     string
		cmdline  string
		expected string
	}{
		{"plain binary", "/usr/local/bin/fuzztarget --port 9000", "fuzztarget"},
		{"relative path", "./target -x", "target"},
		{"bare command", "targetd", "targetd"},
		{"empty cmdline", "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifyCmdlineForTest(tt.cmdline)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestDedupeByPort(t *testing.T) {
	servers := []Server{
		{Port: 10000, PID: 1234, Source: "fuzztarget"},
		{Port: 8080, PID: 5678, Source: "targetd"},
		{Port: 10000, PID: 9999, Source: "other"},
	}

	result := DedupeByPortForTest(servers)
	require.Len(t, result, 2)

	// First entry for a port wins.
	assert.Equal(t, 10000, result[0].Port)
	assert.Equal(t, 1234, result[0].PID)
	assert.Equal(t, 8080, result[1].Port)
}
