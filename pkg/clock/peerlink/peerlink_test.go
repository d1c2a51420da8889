package peerlink

import (
	"encoding/json"
	"net"
	"testing"
	"time"
)

func TestPeekEmptyBeforeAnyGossip(t *testing.T) {
	s := New("peer-a", 0, nil)
	_, _, _, ok := s.Peek()
	if ok {
		t.Fatal("Peek reported ok before any gossip was recorded")
	}
}

func TestPeekReflectsLocalPublish(t *testing.T) {
	s := New("peer-a", 0, nil)
	s.mu.Lock()
	s.epoch = 1
	s.localSeen = gossip{Tempo: 128, Quantum: 4, Epoch: 1, PeerID: "peer-a"}
	s.mu.Unlock()

	tempo, quantum, peers, ok := s.Peek()
	if !ok || tempo != 128 || quantum != 4 || peers != 0 {
		t.Fatalf("Peek = (%v, %v, %v, %v), want (128, 4, 0, true)", tempo, quantum, peers, ok)
	}
}

func TestPeekPrefersHigherEpochRemotePeer(t *testing.T) {
	s := New("peer-a", 0, nil)
	s.mu.Lock()
	s.localSeen = gossip{Tempo: 120, Quantum: 4, Epoch: 1, PeerID: "peer-a"}
	s.peers["peer-b"] = gossip{Tempo: 140, Quantum: 3, Epoch: 5, PeerID: "peer-b"}
	s.mu.Unlock()

	tempo, quantum, peers, ok := s.Peek()
	if !ok || tempo != 140 || quantum != 3 || peers != 1 {
		t.Fatalf("Peek = (%v, %v, %v, %v), want (140, 3, 1, true)", tempo, quantum, peers, ok)
	}
}

func TestReceiveLoopIgnoresOwnPeerID(t *testing.T) {
	s := New("peer-a", 0, nil)
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	s.conn = conn
	go s.receiveLoop()
	defer s.Close()

	sender, err := net.DialUDP("udp4", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer sender.Close()
	// Gossip carrying our own id is sent first; gossip from peer-b follows
	// on the same socket, so once peer-b is recorded the first datagram has
	// already been handled.
	for _, id := range []string{"peer-a", "peer-b"} {
		payload, _ := json.Marshal(gossip{Tempo: 120, Quantum: 4, Epoch: 1, PeerID: id})
		if _, err := sender.Write(payload); err != nil {
			t.Fatalf("send gossip: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.RLock()
		_, gotOwn := s.peers["peer-a"]
		_, gotOther := s.peers["peer-b"]
		s.mu.RUnlock()
		if gotOther {
			if gotOwn {
				t.Fatal("own peer ID should never be inserted into peers map")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("gossip from peer-b was never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
