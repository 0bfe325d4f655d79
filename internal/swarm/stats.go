package swarm

// PeerStats describes one connection.
type PeerStats struct {
	Addr           string  `json:"addr"`
	Outbound       bool    `json:"outbound"`
	Downloaded     int64   `json:"downloaded"`
	Uploaded       int64   `json:"uploaded"`
	DownloadRate   float64 `json:"downloadRate"`
	UploadRate     float64 `json:"uploadRate"`
	AmChoking      bool    `json:"amChoking"`
	AmInterested   bool    `json:"amInterested"`
	PeerChoking    bool    `json:"peerChoking"`
	PeerInterested bool    `json:"peerInterested"`
	Pieces         int     `json:"pieces"`
}

// Stats is a point in time view of a swarm.
type Stats struct {
	Peers    []PeerStats `json:"peers"`
	NumPeers int         `json:"numPeers"`
	// KnownPeers counts every address ever offered to the swarm.
	KnownPeers int `json:"knownPeers"`
	Banned     int `json:"banned"`

	Downloaded   int64   `json:"downloaded"`
	Uploaded     int64   `json:"uploaded"`
	DownloadRate float64 `json:"downloadRate"`
	UploadRate   float64 `json:"uploadRate"`

	HasMetadata    bool  `json:"hasMetadata"`
	Pieces         int   `json:"pieces"`
	Verified       int   `json:"verified"`
	Length         int64 `json:"length"`
	BytesCompleted int64 `json:"bytesCompleted"`
	Seeding        bool  `json:"seeding"`
	Endgame        bool  `json:"endgame"`
}

// Progress is the verified fraction of the torrent, 0 before metadata.
func (st Stats) Progress() float64 {
	if st.Length == 0 {
		if st.HasMetadata {
			return 1
		}
		return 0
	}
	return float64(st.BytesCompleted) / float64(st.Length)
}

func (s *Swarm) stats() Stats {
	st := Stats{
		NumPeers:    len(s.conns),
		KnownPeers:  len(s.candidates),
		Banned:      len(s.bannedIDs),
		Downloaded:  s.downloaded,
		Uploaded:    s.uploaded,
		HasMetadata: s.desc != nil,
		Seeding:     s.seeding,
		Endgame:     s.endgame,
	}
	for c := range s.conns {
		ps := PeerStats{
			Addr:           c.Addr,
			Outbound:       c.Outbound,
			Downloaded:     c.Downloaded(),
			Uploaded:       c.Uploaded(),
			DownloadRate:   c.DownloadRate,
			UploadRate:     c.UploadRate,
			AmChoking:      c.AmChoking,
			AmInterested:   c.AmInterested,
			PeerChoking:    c.PeerChoking,
			PeerInterested: c.PeerInterested,
			Pieces:         int(c.Have.GetCardinality()),
		}
		st.Peers = append(st.Peers, ps)
		st.Downloaded += ps.Downloaded
		st.Uploaded += ps.Uploaded
		st.DownloadRate += ps.DownloadRate
		st.UploadRate += ps.UploadRate
	}
	if s.desc != nil {
		st.Pieces = s.desc.NumPieces()
		st.Length = s.desc.Length
		st.Verified = s.store.NumVerified()
		st.BytesCompleted = s.store.BytesCompleted()
	}
	return st
}
