//go:build linux

package childvm

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSocketPath(t *testing.T) {
	cfg := Config{VsockUDSPath: "/run/ssfuzz/vsock.sock"}
	got := socketPath(cfg)

	assert.Equal(t, "/run/ssfuzz", filepath.Dir(got))
	assert.Equal(t, "firecracker-"+strconv.Itoa(os.Getpid())+".sock", filepath.Base(got))
}
