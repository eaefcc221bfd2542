package cli

import (
	"testing"

	"github.com/dsmmcken/ssfuzz/internal/config"
	"github.com/dsmmcken/ssfuzz/internal/ipsm"
	"github.com/stretchr/testify/assert"
)

func TestSelectionMode(t *testing.T) {
	assert.Equal(t, ipsm.ModeRoundRobin, selectionMode(config.SelectRoundRobin))
	assert.Equal(t, ipsm.ModeFavored, selectionMode(config.SelectFavored))
	assert.Equal(t, ipsm.ModeRandom, selectionMode(config.SelectRandom))
}
