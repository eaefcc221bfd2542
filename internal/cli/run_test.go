package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommandChildTransportFlags(t *testing.T) {
	root := NewRootCmd()

	var found bool
	for _, c := range root.Commands() {
		if c.Name() == "run" {
			found = true
			flags := c.Flags()

			transport := flags.Lookup("child-transport")
			require.NotNil(t, transport)
			assert.Equal(t, "pipe", transport.DefValue)

			for _, name := range []string{
				"vm-kernel-image", "vm-rootfs", "vm-vcpu-count",
				"vm-mem-mb", "vm-vsock-uds", "vm-guest-cid", "vm-guest-port",
			} {
				assert.NotNilf(t, flags.Lookup(name), "expected --%s to be registered", name)
			}
		}
	}
	require.True(t, found, "'run' subcommand not registered")
}
