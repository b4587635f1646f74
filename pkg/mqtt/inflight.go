package mqtt

import (
	"sort"

	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/transport"
)

type recordState int

const (
	recordSent recordState = iota
	// recordReleased means PUBREC arrived and PUBREL was sent.
	recordReleased
	recordComplete
)

// inflightRecord tracks one outbound QoS 1 or 2 publish until its handshake
// completes. waiter, when set, receives the outcome exactly once.
type inflightRecord struct {
	seq    uint64
	packet transport.Publish
	state  recordState
	waiter chan error
}

func (r *inflightRecord) qos() QualityOfService { return QualityOfService(r.packet.QoS) }

func (r *inflightRecord) notify(err error) {
	if r.waiter != nil {
		r.waiter <- err
		r.waiter = nil
	}
}

// packetIDs hands out non-zero packet identifiers, shared by publishes,
// subscribes and unsubscribes.
type packetIDs struct {
	next uint16
	used map[uint16]struct{}
}

func newPacketIDs() *packetIDs {
	return &packetIDs{used: make(map[uint16]struct{})}
}

func (p *packetIDs) acquire() (uint16, bool) {
	if len(p.used) >= 65535 {
		return 0, false
	}
	for {
		p.next++
		if p.next == 0 {
			p.next = 1
		}
		if _, taken := p.used[p.next]; !taken {
			p.used[p.next] = struct{}{}
			return p.next, true
		}
	}
}

func (p *packetIDs) release(id uint16) { delete(p.used, id) }

func (p *packetIDs) reset() {
	p.used = make(map[uint16]struct{})
}

// inflightStore is owned by the connection loop.
type inflightStore struct {
	seq     uint64
	records map[uint16]*inflightRecord
}

func newInflightStore() *inflightStore {
	return &inflightStore{records: make(map[uint16]*inflightRecord)}
}

func (s *inflightStore) add(pkt transport.Publish, waiter chan error) *inflightRecord {
	s.seq++
	r := &inflightRecord{seq: s.seq, packet: pkt, waiter: waiter}
	s.records[pkt.PacketID] = r
	return r
}

func (s *inflightStore) get(id uint16) (*inflightRecord, bool) {
	r, ok := s.records[id]
	return r, ok
}

func (s *inflightStore) remove(id uint16) {
	delete(s.records, id)
}

func (s *inflightStore) len() int { return len(s.records) }

// ordered returns the records in the order they were first sent.
func (s *inflightStore) ordered() []*inflightRecord {
	out := make([]*inflightRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// interrupt fails every waiting caller but keeps the records for redelivery.
func (s *inflightStore) interrupt(err error) {
	for _, r := range s.records {
		r.notify(err)
	}
}
