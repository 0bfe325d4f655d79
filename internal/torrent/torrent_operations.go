package torrent

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/anacrolix/torrent/metainfo"

	"swarmd/internal/descriptor"
	"swarmd/internal/discovery"
	"swarmd/internal/storage"
	"swarmd/internal/swarm"
)

const dhtWait = 5 * time.Second

// Seed hashes input and serves it. input is a path to a file or directory,
// a list of file paths, a byte slice or an io.Reader. Seeding an info-hash
// that is already registered returns the existing torrent.
func (c *Client) Seed(ctx context.Context, input interface{}, opts Options) (*Torrent, error) {
	name, sources, data, err := seedSources(input, opts)
	if err != nil {
		return nil, err
	}

	desc, err := descriptor.Build(name, sources, 0, mergeLists(opts.Announce, c.config.Trackers))
	if err != nil {
		return nil, fmt.Errorf("failed to build descriptor: %w", err)
	}

	var backend storage.Backend
	if data != nil {
		backend = storage.NewMemoryStoreFrom(data)
	} else {
		specs := make([]storage.FileSpec, len(desc.Files))
		for i, f := range desc.Files {
			specs[i] = storage.FileSpec{Path: sources[i].OSPath, Offset: f.Offset, Length: f.Length}
		}
		backend = storage.NewFileStoreAt(specs)
	}

	st, err := storage.New(desc, backend, c.config.CacheSize, c.Logger)
	if err != nil {
		return nil, err
	}
	if data != nil {
		st.MarkAllVerified()
	} else {
		n, err := st.Recheck(ctx)
		if err != nil {
			st.Close()
			return nil, err
		}
		if n != desc.NumPieces() {
			st.Close()
			return nil, fmt.Errorf("%w: %d of %d pieces verified", ErrFilesChanged, n, desc.NumPieces())
		}
	}

	t, existing, err := c.register(desc.InfoHash, desc, st, nil, opts, false)
	if err != nil {
		st.Close()
		return nil, err
	}
	if existing {
		st.Close()
	}
	t.log.Info().Str("name", desc.Name).Int64("length", desc.Length).Int("pieces", desc.NumPieces()).Msg("Seeding")
	return t, nil
}

// seedSources turns seed input into descriptor sources. data is non-nil
// when the content is held in memory.
func seedSources(input interface{}, opts Options) (name string, sources []descriptor.Source, data []byte, err error) {
	name = opts.Name
	switch {
	case IsFileList(input):
		sources, err = descriptor.SourcesFromList(input.([]string))
		return name, sources, nil, err
	case isBytes(input):
		data = input.([]byte)
	case IsReadable(input):
		data, err = io.ReadAll(input.(io.Reader))
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to read seed input: %w", err)
		}
	default:
		path, ok := input.(string)
		if !ok || path == "" {
			return "", nil, nil, fmt.Errorf("%w: %T", ErrUnsupportedInput, input)
		}
		base, srcs, err := descriptor.SourcesFromPath(path)
		if err != nil {
			return "", nil, nil, err
		}
		if name == "" {
			name = base
		}
		return name, srcs, nil, nil
	}
	return name, []descriptor.Source{descriptor.SourceFromBytes(nil, data)}, data, nil
}

func isBytes(v interface{}) bool {
	_, ok := v.([]byte)
	return ok
}

// Add joins the swarm of a magnet URI or info-hash and returns once the
// descriptor is known.
func (c *Client) Add(ctx context.Context, id string, opts Options) (*Torrent, error) {
	return c.AddBytes(ctx, []byte(id), opts)
}

// AddBytes is Add for raw .torrent bytes or an identifier.
func (c *Client) AddBytes(ctx context.Context, raw []byte, opts Options) (*Torrent, error) {
	desc, id, err := descriptor.Resolve(raw)
	if err != nil {
		return nil, err
	}

	dir := c.dataDir(opts)
	var st *storage.Store
	if desc != nil {
		if st, err = c.openStore(ctx, desc, dir); err != nil {
			return nil, err
		}
	}
	opts.Announce = mergeLists(opts.Announce, id.Trackers)
	opts.Peers = mergeLists(opts.Peers, id.Peers)

	t, existing, err := c.register(id.InfoHash, desc, st, &id, opts, true)
	if err != nil {
		if st != nil {
			st.Close()
		}
		return nil, err
	}
	if existing && st != nil {
		st.Close()
	}

	select {
	case <-t.GotInfo():
		return t, nil
	case <-t.Done():
		return nil, ErrRemoved
	case <-ctx.Done():
		if !existing {
			_ = c.remove(t, false)
		}
		return nil, ctx.Err()
	}
}

func (c *Client) dataDir(opts Options) string {
	if opts.Path != "" {
		return opts.Path
	}
	return c.config.DataDir
}

// openStore lays desc out under dir and verifies whatever is already there.
func (c *Client) openStore(ctx context.Context, desc *descriptor.Descriptor, dir string) (*storage.Store, error) {
	fs := storage.NewFileStore(dir, desc)
	if err := fs.CreateEmpty(); err != nil {
		return nil, err
	}
	st, err := storage.New(desc, fs, c.config.CacheSize, c.Logger)
	if err != nil {
		return nil, err
	}
	n, err := st.Recheck(ctx)
	if err != nil {
		st.Close()
		return nil, err
	}
	if n > 0 {
		c.Logger.Info().Str("infoHash", desc.HexHash()).Int("verified", n).Int("pieces", desc.NumPieces()).Msg("Resuming from existing data")
	}
	return st, nil
}

// register creates and starts the swarm for hash unless one exists, in
// which case the existing torrent is returned with existing set.
func (c *Client) register(hash metainfo.Hash, desc *descriptor.Descriptor, st *storage.Store, id *descriptor.Identifier, opts Options, ownsData bool) (*Torrent, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false, ErrClientClosed
	}
	if t, ok := c.torrents[hash]; ok {
		return t, true, nil
	}

	ctx, cancel := context.WithCancel(c.ctx)
	t := &Torrent{
		client:   c,
		hash:     hash,
		log:      c.Logger.With().Str("infoHash", hash.HexString()).Logger(),
		cancel:   cancel,
		dataDir:  c.dataDir(opts),
		ownsData: ownsData,
		gotInfo:  make(chan struct{}),
	}

	announce := mergeLists(opts.Announce, c.config.Trackers)
	if desc != nil {
		announce = mergeLists(desc.Announce, announce)
	} else if id != nil {
		t.name = id.Name
	}

	sources := discovery.TrackerSources(announce, t.log)
	if c.net.dht != nil && (desc == nil || !desc.Private) {
		sources = append(sources, c.net.dht.Source(dhtWait))
	}
	if len(opts.Peers) > 0 {
		sources = append(sources, discovery.Static{Addrs: opts.Peers})
	}
	t.finder = discovery.NewFinder(sources, t.announce, discovery.Options{
		Interval:   c.config.AnnounceInterval,
		MinBackoff: c.config.MinBackoff,
		MaxBackoff: c.config.MaxBackoff,
		Timeout:    c.config.TrackerTimeout,
		Breaker: discovery.BreakerSettings{
			MaxRequests:    c.config.CircuitBreakerMaxRequests,
			Interval:       c.config.CircuitBreakerInterval,
			Timeout:        c.config.CircuitBreakerTimeout,
			MinRequests:    c.config.CircuitBreakerMinRequests,
			ErrorThreshold: c.config.CircuitBreakerErrorThreshold,
		},
	}, t.log)

	maxPeers := c.config.MaxPeers
	if opts.MaxPeers > 0 {
		maxPeers = opts.MaxPeers
	}
	t.swarm = swarm.New(swarm.Config{
		InfoHash:           hash,
		PeerID:             c.peerID,
		Announce:           announce,
		MaxPeers:           maxPeers,
		PipelineDepth:      c.config.PipelineDepth,
		RequestTimeout:     c.config.RequestTimeout,
		MaxMissedDeadlines: c.config.MaxMissedDeadlines,
		ChokeInterval:      c.config.ChokeInterval,
		MaxUnchoked:        c.config.MaxUnchoked,
		OptimisticEvery:    c.config.OptimisticEvery,
		EndgameThreshold:   c.config.EndgameThreshold,
		MaxBadPieces:       c.config.MaxBadPieces,
		DialTimeout:        c.config.DialTimeout,
		HandshakeTimeout:   c.config.HandshakeTimeout,
		IdleTimeout:        c.config.IdleTimeout,
	}, desc, st, swarm.Deps{
		Dialer:      c.net.dialer,
		Limiter:     c.limiter,
		Log:         c.Logger,
		OnMetadata:  t.onMetadata,
		OnEvent:     t.onEvent,
		OnConnected: t.finder.ResetBackoff,
	})

	if desc != nil {
		t.setInfo(desc, st)
		if st.Complete() {
			t.completed.Store(true)
			t.reported.Store(true)
		}
	}

	c.torrents[hash] = t
	discovered := make(chan []string)
	go t.swarm.Run(ctx, discovered)
	go func() {
		if err := t.finder.Run(ctx, discovered); err != nil && ctx.Err() == nil {
			t.log.Error().Err(err).Msg("Discovery stopped")
		}
	}()
	t.log.Debug().Int("sources", len(sources)).Bool("metadata", desc != nil).Msg("Torrent added")
	return t, false, nil
}

// GetTorrent looks a torrent up by magnet URI or info-hash.
func (c *Client) GetTorrent(id string) (*Torrent, error) {
	hash, err := parseHash(id)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.torrents[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// Remove stops a torrent without waiting for it. No events are published
// for it afterwards. Data is deleted only if the client downloaded it.
func (c *Client) Remove(id string, opts RemoveOptions) error {
	t, err := c.GetTorrent(id)
	if err != nil {
		return err
	}
	return c.remove(t, opts.DeleteData)
}

func (c *Client) remove(t *Torrent, deleteData bool) error {
	c.mu.Lock()
	if c.torrents[t.hash] != t {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, t.InfoHash())
	}
	delete(c.torrents, t.hash)
	c.cleanup.Add(1)
	c.mu.Unlock()

	c.subMu.Lock()
	t.removed.Store(true)
	c.subMu.Unlock()
	t.stop()
	t.log.Info().Bool("deleteData", deleteData).Msg("Removing torrent")

	go func() {
		defer c.cleanup.Done()
		<-t.swarm.Done()
		if err := t.closeStore(deleteData); err != nil {
			t.log.Error().Err(err).Msg("Failed to release torrent data")
		}
	}()
	return nil
}

func parseHash(id string) (metainfo.Hash, error) {
	parsed, err := descriptor.ParseIdentifier(id)
	if err != nil {
		return metainfo.Hash{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return parsed.InfoHash, nil
}

func mergeLists(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lists {
		for _, s := range l {
			if s != "" && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
