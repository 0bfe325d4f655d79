package torrent

import "swarmd/internal/ratelimit"

// ThrottleDownload sets the process-wide download rate in bytes per
// second. 0 removes the limit.
func (c *Client) ThrottleDownload(bytesPerSec int64) {
	c.limiter.SetRate(ratelimit.Download, bytesPerSec)
	c.Logger.Info().Int64("rate", bytesPerSec).Msg("Download rate changed")
}

// ThrottleUpload sets the process-wide upload rate in bytes per second.
// 0 removes the limit.
func (c *Client) ThrottleUpload(bytesPerSec int64) {
	c.limiter.SetRate(ratelimit.Upload, bytesPerSec)
	c.Logger.Info().Int64("rate", bytesPerSec).Msg("Upload rate changed")
}

func (c *Client) DownloadLimit() int64 {
	return c.limiter.Rate(ratelimit.Download)
}

func (c *Client) UploadLimit() int64 {
	return c.limiter.Rate(ratelimit.Upload)
}
