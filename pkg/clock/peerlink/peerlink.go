// Package peerlink implements clock.PeerSession over mDNS service discovery
// and a small UDP gossip exchange, grounded on the teacher's discovery
// manager (internal/discovery/mdns.go in harperreed-resonate-go, which
// advertises a service via mdns.NewMDNSService/mdns.NewServer and browses
// peers with mdns.Query against a channel of *mdns.ServiceEntry). That
// manager discovers playback servers; Session repurposes the same
// advertise/browse shape to discover sibling loom processes and gossip
// tempo/quantum/beat-origin instead of a stream URL.
package peerlink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
)

const serviceType = "_loom-link._udp"

// gossip is the datagram peers exchange: enough to reconstruct a shared
// (tempo, quantum, beat) mapping. Epoch is a logical clock, not wall time —
// higher epoch wins ties, so a peer that has just changed tempo locally
// always displaces a stale broadcast that happens to arrive later.
type gossip struct {
	Tempo      float64 `json:"tempo"`
	Quantum    float64 `json:"quantum"`
	BeatOrigin float64 `json:"beat_origin"`
	Epoch      uint64  `json:"epoch"`
	PeerID     string  `json:"peer_id"`
}

// Session discovers sibling processes via mDNS and gossips tempo/quantum
// over UDP. It satisfies clock.PeerSession: Peek never blocks, returning
// whatever the last-received gossip said.
type Session struct {
	peerID string
	port   int
	log    *slog.Logger

	mu        sync.RWMutex
	peers     map[string]gossip // keyed by PeerID, last message seen
	localSeen gossip
	epoch     uint64

	conn   *net.UDPConn
	server *mdns.Server
	stopCh chan struct{}
}

// New creates a Session. peerID should be unique per process (e.g. a random
// hex string); port is the UDP port both advertise and gossip use.
func New(peerID string, port int, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		peerID: peerID,
		port:   port,
		log:    log,
		peers:  make(map[string]gossip),
		stopCh: make(chan struct{}),
	}
}

// Start advertises this process over mDNS, opens the gossip socket, and
// begins browsing for peers. It returns once listening has started;
// discovery and gossip continue on background goroutines until Close.
func (s *Session) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.port})
	if err != nil {
		return fmt.Errorf("peerlink: listen udp: %w", err)
	}
	s.conn = conn

	host, _ := os.Hostname()
	svc, err := mdns.NewMDNSService(s.peerID, serviceType, "", host, s.port, nil, []string{"loom-link"})
	if err != nil {
		conn.Close()
		return fmt.Errorf("peerlink: build mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		conn.Close()
		return fmt.Errorf("peerlink: start mdns server: %w", err)
	}
	s.server = server

	go s.receiveLoop()
	go s.browseLoop()
	return nil
}

// Close stops advertisement, discovery, and gossip.
func (s *Session) Close() error {
	close(s.stopCh)
	if s.server != nil {
		s.server.Shutdown()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Peek implements clock.PeerSession. ok is false until at least one gossip
// datagram (local or remote) has been recorded.
func (s *Session) Peek() (tempo, quantum float64, peerCount int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	best, found := s.bestLocked()
	if !found {
		return 0, 0, 0, false
	}
	return best.Tempo, best.Quantum, len(s.peers), true
}

// bestLocked returns the gossip with the highest epoch among everything
// seen so far (including our own last broadcast), for tie-break on
// simultaneous tempo changes across the group. Caller must hold s.mu.
func (s *Session) bestLocked() (gossip, bool) {
	best := s.localSeen
	found := s.localSeen.Epoch > 0 || s.localSeen.PeerID != ""
	for _, p := range s.peers {
		if !found || p.Epoch > best.Epoch {
			best = p
			found = true
		}
	}
	return best, found
}

// Publish broadcasts this process's own tempo/quantum to the group,
// incrementing the local epoch so other peers treat it as authoritative
// over any older gossip in flight.
func (s *Session) Publish(tempo, quantum, beatOrigin float64, peers []string) {
	s.mu.Lock()
	s.epoch++
	msg := gossip{Tempo: tempo, Quantum: quantum, BeatOrigin: beatOrigin, Epoch: s.epoch, PeerID: s.peerID}
	s.localSeen = msg
	s.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("peerlink: encode gossip", "error", err)
		return
	}
	for _, addr := range peers {
		udpAddr, err := net.ResolveUDPAddr("udp4", addr)
		if err != nil {
			continue
		}
		if _, err := s.conn.WriteToUDP(payload, udpAddr); err != nil {
			s.log.Debug("peerlink: send gossip failed", "peer", addr, "error", err)
		}
	}
}

func (s *Session) receiveLoop() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		var msg gossip
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			continue
		}
		if msg.PeerID == s.peerID {
			continue
		}
		s.mu.Lock()
		if existing, ok := s.peers[msg.PeerID]; !ok || msg.Epoch >= existing.Epoch {
			s.peers[msg.PeerID] = msg
		}
		s.mu.Unlock()
	}
}

func (s *Session) browseLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			entries := make(chan *mdns.ServiceEntry, 8)
			go func() {
				for range entries {
					// Presence alone establishes peerCount via gossip
					// receipt on the UDP socket; mDNS here is purely for
					// discovering that a peer exists on the network at
					// all, matching the teacher's advertise/browse split.
				}
			}()
			mdns.Query(&mdns.QueryParam{
				Service: serviceType,
				Domain:  "local",
				Timeout: 2 * time.Second,
				Entries: entries,
			})
			close(entries)
		}
	}
}
