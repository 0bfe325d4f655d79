package torrent

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
)

func (c *Client) statsRoutine() {
	ticker := time.NewTicker(c.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.logStats()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) logStats() {
	var (
		peers, seeding   int
		down, up         int64
		downRate, upRate float64
	)
	torrents := c.Torrents()
	for _, t := range torrents {
		ctx, cancel := context.WithTimeout(c.ctx, statsTimeout)
		st, err := t.Stats(ctx)
		cancel()
		if err != nil {
			continue
		}
		peers += st.NumPeers
		down += st.Downloaded
		up += st.Uploaded
		downRate += st.DownloadRate
		upRate += st.UploadRate
		if st.Seeding {
			seeding++
		}
	}

	c.Logger.Info().
		Int("active_torrents", len(torrents)).
		Int("seeding", seeding).
		Int("peers", peers).
		Str("total_download", humanize.Bytes(uint64(down))).
		Str("total_upload", humanize.Bytes(uint64(up))).
		Str("download_speed", humanize.Bytes(uint64(downRate))+"/s").
		Str("upload_speed", humanize.Bytes(uint64(upRate))+"/s").
		Msg("Client stats")
}
