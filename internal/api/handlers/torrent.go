package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"swarmd/internal/torrent"
)

type cachedTorrentInfo struct {
	Info      torrent.TorrentInfo
	CacheTime time.Time
}

// TorrentInfoCache keeps recent torrent summaries so polling players do
// not query every swarm loop on each request.
type TorrentInfoCache struct {
	ttl   time.Duration
	cache *lru.Cache
}

func NewTorrentInfoCache(ttl time.Duration, size int) (*TorrentInfoCache, error) {
	if size <= 0 {
		size = 1
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &TorrentInfoCache{ttl: ttl, cache: c}, nil
}

func (c *TorrentInfoCache) Get(infoHash string) (torrent.TorrentInfo, bool) {
	v, ok := c.cache.Get(infoHash)
	if !ok {
		return torrent.TorrentInfo{}, false
	}
	entry := v.(cachedTorrentInfo)
	if time.Since(entry.CacheTime) > c.ttl {
		c.cache.Remove(infoHash)
		return torrent.TorrentInfo{}, false
	}
	return entry.Info, true
}

func (c *TorrentInfoCache) Add(info torrent.TorrentInfo) {
	if c.ttl <= 0 {
		return
	}
	c.cache.Add(info.InfoHash, cachedTorrentInfo{Info: info, CacheTime: time.Now()})
}

func (c *TorrentInfoCache) Remove(infoHash string) {
	c.cache.Remove(infoHash)
}

// ListTorrents renders a summary of every registered torrent.
func ListTorrents(client *torrent.Client, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		torrents := client.Torrents()
		out := make([]torrent.TorrentInfo, 0, len(torrents))
		for _, t := range torrents {
			info, err := t.Summary(r.Context())
			if err != nil {
				log.Debug().Err(err).Str("infoHash", t.InfoHash()).Msg("Torrent summary unavailable")
			}
			out = append(out, info)
		}
		render.JSON(w, r, out)
	}
}

func GetTorrentInfo(client *torrent.Client, cache *TorrentInfoCache, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infoHash := chi.URLParam(r, "infoHash")

		if info, ok := cache.Get(infoHash); ok {
			render.JSON(w, r, info)
			return
		}

		t, err := client.GetTorrent(infoHash)
		if err != nil {
			renderError(w, r, err)
			return
		}

		info, err := t.Summary(r.Context())
		if err != nil {
			log.Error().Err(err).Str("infoHash", infoHash).Msg("Failed to summarize torrent")
			renderError(w, r, err)
			return
		}
		cache.Add(info)
		render.JSON(w, r, info)
	}
}

// RemoveTorrent stops a torrent. ?deleteData=true also deletes data the
// client downloaded.
func RemoveTorrent(client *torrent.Client, cache *TorrentInfoCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infoHash := chi.URLParam(r, "infoHash")
		deleteData, _ := strconv.ParseBool(r.URL.Query().Get("deleteData"))

		t, err := client.GetTorrent(infoHash)
		if err != nil {
			renderError(w, r, err)
			return
		}
		if err := client.Remove(t.InfoHash(), torrent.RemoveOptions{DeleteData: deleteData}); err != nil {
			renderError(w, r, err)
			return
		}
		cache.Remove(t.InfoHash())
		render.NoContent(w, r)
	}
}
