package main

import (
	"fmt"
	"math/rand"
	"time"

	"sosmesh/relay-node/internal/packet"
)

type simPeer struct {
	name   string
	packet packet.Packet
	sent   int
}

// simulation rotates through a fixed crowd of originators. Each peer re-sends
// its current packet and moves to a new sequence every updateEvery frames.
type simulation struct {
	peers       []*simPeer
	cursor      int
	updateEvery int
	rng         *rand.Rand
	spread      float64
}

func newSimulation(rng *rand.Rand, count int, status packet.Status, lat, lon, spread float64, updateEvery int) *simulation {
	if count < 1 {
		count = 1
	}
	s := &simulation{updateEvery: updateEvery, rng: rng, spread: spread}
	for i := 0; i < count; i++ {
		id := rng.Uint32()
		if id == 0 {
			id = 1
		}
		s.peers = append(s.peers, &simPeer{
			name: fmt.Sprintf("sim-%02d", i+1),
			packet: packet.Packet{
				OriginatorID: id,
				Sequence:     1,
				Latitude:     lat + s.offset(),
				Longitude:    lon + s.offset(),
				Status:       status,
			},
		})
	}
	return s
}

func (s *simulation) offset() float64 {
	if s.spread <= 0 {
		return 0
	}
	return (s.rng.Float64()*2 - 1) * s.spread
}

// next returns the peer name and encoded frame for the following transmission.
func (s *simulation) next(now time.Time) (string, []byte) {
	p := s.peers[s.cursor]
	s.cursor = (s.cursor + 1) % len(s.peers)

	if p.sent == 0 {
		p.packet.Timestamp = uint32(now.Unix())
	} else if s.updateEvery > 0 && p.sent%s.updateEvery == 0 {
		p.packet.Sequence++
		p.packet.Timestamp = uint32(now.Unix())
		p.packet.Latitude += s.offset() / 10
		p.packet.Longitude += s.offset() / 10
	}
	p.sent++
	return p.name, packet.Encode(p.packet)
}
