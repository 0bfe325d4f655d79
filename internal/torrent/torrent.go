package torrent

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/rs/zerolog"

	"swarmd/internal/descriptor"
	"swarmd/internal/discovery"
	"swarmd/internal/storage"
	"swarmd/internal/swarm"
)

// Torrent is the handle of one registered swarm.
type Torrent struct {
	client  *Client
	hash    metainfo.Hash
	log     zerolog.Logger
	swarm   *swarm.Swarm
	finder  *discovery.Finder
	cancel  context.CancelFunc
	dataDir string
	// ownsData is false for seeds of existing files, which are never
	// deleted on removal.
	ownsData bool

	removed   atomic.Bool
	announced atomic.Bool
	completed atomic.Bool
	reported  atomic.Bool

	mu      sync.RWMutex
	name    string
	desc    *descriptor.Descriptor
	store   *storage.Store
	gotInfo chan struct{}
}

func (t *Torrent) InfoHash() string {
	return t.hash.HexString()
}

func (t *Torrent) Name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.name
}

// GotInfo is closed once the descriptor is known.
func (t *Torrent) GotInfo() <-chan struct{} {
	return t.gotInfo
}

// Info returns the descriptor, nil while metadata is still being fetched.
func (t *Torrent) Info() *descriptor.Descriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.desc
}

func (t *Torrent) Store() *storage.Store {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.store
}

// Stats asks the swarm loop for a snapshot.
func (t *Torrent) Stats(ctx context.Context) (swarm.Stats, error) {
	return t.swarm.Stats(ctx)
}

// Done is closed when the swarm has stopped.
func (t *Torrent) Done() <-chan struct{} {
	return t.swarm.Done()
}

// Prioritize forwards streaming hints to the picker.
func (t *Torrent) Prioritize(first, last int) {
	t.swarm.Prioritize(first, last)
}

func (t *Torrent) setInfo(desc *descriptor.Descriptor, store *storage.Store) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.desc != nil {
		return
	}
	t.desc = desc
	t.store = store
	t.name = desc.Name
	close(t.gotInfo)
}

func (t *Torrent) stop() {
	t.cancel()
}

func (t *Torrent) closeStore(deleteData bool) error {
	st := t.Store()
	if st == nil {
		return nil
	}
	if deleteData && t.ownsData {
		t.log.Info().Str("dir", t.dataDir).Msg("Deleting torrent data")
		return st.Delete()
	}
	return st.Close()
}

// onMetadata opens on-disk storage for a torrent added by info-hash and
// picks up any data already present from an earlier run.
func (t *Torrent) onMetadata(ctx context.Context, desc *descriptor.Descriptor) (*storage.Store, error) {
	st, err := t.client.openStore(ctx, desc, t.dataDir)
	if err != nil {
		return nil, err
	}
	t.setInfo(desc, st)
	return st, nil
}

func (t *Torrent) onEvent(e swarm.Event) {
	if t.removed.Load() {
		return
	}
	switch e.Kind {
	case swarm.Completed:
		if t.completed.CompareAndSwap(false, true) {
			t.log.Info().Str("name", t.Name()).Msg("Torrent complete")
			t.finder.Trigger()
		}
	}
	t.client.publish(t, Event{InfoHash: t.InfoHash(), Event: e})
}

// announce describes this torrent to trackers and the DHT.
func (t *Torrent) announce() discovery.Announce {
	a := discovery.Announce{
		InfoHash: t.hash,
		PeerID:   t.client.peerID,
		Port:     t.client.Port(),
	}

	ctx, cancel := context.WithTimeout(t.client.ctx, statsTimeout)
	defer cancel()
	if st, err := t.swarm.Stats(ctx); err == nil {
		a.Downloaded = st.Downloaded
		a.Uploaded = st.Uploaded
		if st.HasMetadata {
			a.Left = st.Length - st.BytesCompleted
		} else {
			// Size unknown; anything non-zero keeps us a leecher.
			a.Left = 1
		}
	}

	switch {
	case t.announced.CompareAndSwap(false, true):
		a.Event = "started"
	case t.completed.Load() && a.Left == 0 && t.reported.CompareAndSwap(false, true):
		a.Event = "completed"
	}
	return a
}
