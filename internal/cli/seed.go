package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dsmmcken/ssfuzz/internal/calibrate"
	"github.com/dsmmcken/ssfuzz/internal/flog"
	"github.com/dsmmcken/ssfuzz/internal/protocolapi"
	"github.com/dsmmcken/ssfuzz/internal/queue"
)

// LoadCorpus reads every file under cfg.InputDir, decomposes it into
// regions via the protocol plugin, calibrates it (spec §4.10), and appends
// it to the queue as an initial entry (spec §4.5 "Append").
func (c *Campaign) LoadCorpus(ctx context.Context) error {
	ents, err := os.ReadDir(c.Cfg.InputDir)
	if err != nil {
		return fmt.Errorf("reading input dir: %w", err)
	}

	run := c.asCalibrateRunFunc(ctx)
	for _, de := range ents {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(c.Cfg.InputDir, de.Name())
		buf, err := os.ReadFile(path)
		if err != nil {
			flog.Warnf("skipping unreadable seed %s: %v", path, err)
			continue
		}

		cal, err := calibrate.Run(buf, run, c.Cfg.SkipCrashes)
		if err != nil {
			flog.Warnf("skipping seed %s: %v", path, err)
			continue
		}

		entry := queue.NewEntry(0, path, len(buf), -1, protocolapi.InitialState, c.deriveRegions(buf))
		entry.IsInitial = true
		entry.Favored = true
		entry.ExecCksum = cal.ExecCksum
		entry.ExecUS = cal.ExecUSAvg
		entry.BitmapSize = cal.BitmapSize
		entry.VarBehavior = cal.VarBehavior

		id := c.Queue.Append(entry)
		c.IPSM.RecordDiscovery(protocolapi.InitialState, id)
	}
	return nil
}

// deriveRegions decomposes buf's protocol messages (via the plugin) and the
// grammar store's mutable/immutable spans into queue.Region values; state
// sequences are filled in as the entry is actually executed, since regions
// need a live response to know their FinalState (spec §3 "Regions").
func (c *Campaign) deriveRegions(buf []byte) []queue.Region {
	msgs := c.Plugin.ExtractRequests(buf)
	regions := make([]queue.Region, 0, len(msgs))
	for _, m := range msgs {
		regions = append(regions, queue.Region{Start: m.Start, End: m.End})
	}
	if len(regions) == 0 && len(buf) > 0 {
		regions = append(regions, queue.Region{Start: 0, End: len(buf)})
	}
	return regions
}
