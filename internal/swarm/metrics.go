package swarm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmd_swarm_connected_peers",
		Help: "Established peer connections across all swarms.",
	})
	bannedPeers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmd_swarm_banned_peers_total",
		Help: "Peers banned for sending corrupt data.",
	})
	blocksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmd_swarm_blocks_received_total",
		Help: "Requested blocks received from peers.",
	})
	endgameRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmd_swarm_endgame_requests_total",
		Help: "Duplicate block requests issued in endgame.",
	})
	piecesVerified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmd_swarm_pieces_verified_total",
		Help: "Pieces downloaded and verified.",
	})
	pieceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmd_swarm_piece_failures_total",
		Help: "Pieces discarded after a hash mismatch.",
	})
	requestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmd_swarm_request_timeouts_total",
		Help: "Block requests abandoned after missing their deadline.",
	})
)
