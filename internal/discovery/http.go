package discovery

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jackpal/bencode-go"
)

// HTTPTracker announces over HTTP and accepts both compact and dictionary
// peer lists.
type HTTPTracker struct {
	URL    string
	Client *http.Client
}

func NewHTTPTracker(u string) *HTTPTracker {
	return &HTTPTracker{URL: u, Client: &http.Client{}}
}

func (t *HTTPTracker) Name() string { return t.URL }

func (t *HTTPTracker) Peers(ctx context.Context, req Announce) ([]string, error) {
	base, err := url.Parse(t.URL)
	if err != nil {
		return nil, err
	}
	params := base.Query()
	params.Set("info_hash", string(req.InfoHash[:]))
	params.Set("peer_id", string(req.PeerID[:]))
	params.Set("port", strconv.Itoa(req.Port))
	params.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	params.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	params.Set("left", strconv.FormatInt(req.Left, 10))
	params.Set("compact", "1")
	if req.Event != "" {
		params.Set("event", req.Event)
	}
	base.RawQuery = params.Encode()

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.Client.Do(r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned status %d", resp.StatusCode)
	}

	raw, err := bencode.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tracker response: %w", err)
	}
	dict, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tracker response is not a dictionary")
	}
	if reason, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker failure: %s", reason)
	}

	var peers []string
	switch p := dict["peers"].(type) {
	case string:
		peers = parseCompact([]byte(p), 6)
	case []interface{}:
		for _, e := range p {
			m, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := m["ip"].(string)
			port, _ := m["port"].(int64)
			if ip == "" || port <= 0 || port > 65535 {
				continue
			}
			peers = append(peers, net.JoinHostPort(ip, strconv.FormatInt(port, 10)))
		}
	}
	if p6, ok := dict["peers6"].(string); ok {
		peers = append(peers, parseCompact([]byte(p6), 18)...)
	}
	return peers, nil
}
