package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opentracing/opentracing-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"swarmd/internal/config"
	"swarmd/internal/torrent"
)

func content(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func setup(t *testing.T) (*httptest.Server, *torrent.Torrent, []byte) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ListenPort = 0
	cfg.EnableDHT = false
	cfg.StatsInterval = 0

	client, err := torrent.NewClient(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Destroy() })

	data := content(300_000)
	tor, err := client.Seed(context.Background(), data, torrent.Options{Name: "clip.mp4"})
	require.NoError(t, err)

	router, err := NewRouter(cfg, zerolog.Nop(), client, opentracing.NoopTracer{})
	require.NoError(t, err)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, tor, data
}

func get(t *testing.T, url string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestTorrentInfo(t *testing.T) {
	srv, tor, data := setup(t)

	resp, body := get(t, srv.URL+"/torrent/"+tor.InfoHash(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info torrent.TorrentInfo
	require.NoError(t, json.Unmarshal(body, &info))
	require.Equal(t, "clip.mp4", info.Name)
	require.Equal(t, int64(len(data)), info.Length)
	require.True(t, info.Seeding)
	require.Len(t, info.Files, 1)

	resp, body = get(t, srv.URL+"/torrents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []torrent.TorrentInfo
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	require.Equal(t, tor.InfoHash(), list[0].InfoHash)

	resp, body = get(t, srv.URL+"/torrent/0123456789abcdef0123456789abcdef01234567", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, string(body), "error")
}

func TestStream(t *testing.T) {
	srv, tor, data := setup(t)
	base := srv.URL + "/stream/" + tor.InfoHash()

	resp, body := get(t, base+"/0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	require.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	require.Equal(t, data, body)

	resp, body = get(t, base+"/0", map[string]string{"Range": "bytes=100000-100099"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Equal(t, "bytes 100000-100099/300000", resp.Header.Get("Content-Range"))
	require.Equal(t, data[100000:100100], body)

	resp, _ = get(t, base+"/0", map[string]string{"Range": "bytes=400000-"})
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)

	resp, _ = get(t, base+"/3", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, base+"/abc", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRemoveTorrent(t *testing.T) {
	srv, tor, _ := setup(t)

	resp, _ := get(t, srv.URL+"/torrent/"+tor.InfoHash(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/torrent/"+tor.InfoHash(), nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	require.Equal(t, http.StatusNoContent, del.StatusCode)

	resp, _ = get(t, srv.URL+"/torrent/"+tor.InfoHash(), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	srv, tor, _ := setup(t)
	get(t, srv.URL+"/torrent/"+tor.InfoHash(), nil)

	resp, body := get(t, srv.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "swarmd_swarm_connected_peers")
	require.Contains(t, string(body), "swarmd_http_panics_total")
}
