package sink

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/snapetech/tsengine/internal/tspacket"
)

// defaultPacketsPerDatagram mirrors the common 7-packets-per-1316-byte
// UDP/RTP payload convention used by dvbstreamer's UDP delivery method
// (original_source/src/deliverymethod_udp.c's PACKETS_PER_DATAGRAM).
const defaultPacketsPerDatagram = 7

// UDPSink delivers a rewritten packet stream over UDP, with multicast
// join/TTL control via golang.org/x/net/ipv4 when the destination
// address is a multicast group.
//
// Grounded on original_source/include/deliverymethod.h's
// UDPOutputDeliveryMethodInstance_t (mrl, tos, packetsPerDatagram,
// socketFD, buffer) — the tos knob becomes an explicit TTL parameter
// here since Go's ipv4.PacketConn exposes multicast TTL directly rather
// than through a raw IP_TOS sockopt.
type UDPSink struct {
	log *slog.Logger

	conn *net.UDPConn
	pc   *ipv4.PacketConn

	packetsPerDatagram int

	mu     sync.Mutex
	buf    []byte
	header [][]byte
	closed bool
}

// NewUDP dials address (host:port) and returns a Sink that writes
// batches of packetsPerDatagram TS packets per UDP datagram. If
// address's IP is a multicast group, ttl sets the multicast TTL and
// loopback delivery is disabled; for unicast destinations ttl is
// applied as the ordinary socket TTL when positive.
func NewUDP(address string, ttl int, packetsPerDatagram int, log *slog.Logger) (*UDPSink, error) {
	if log == nil {
		log = slog.Default()
	}
	if packetsPerDatagram <= 0 {
		packetsPerDatagram = defaultPacketsPerDatagram
	}

	raddr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("sink: resolve %s: %w", address, err)
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("sink: dial %s: %w", address, err)
	}

	pc := ipv4.NewPacketConn(conn)
	if raddr.IP.IsMulticast() {
		if err := pc.SetMulticastTTL(ttl); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sink: set multicast ttl: %w", err)
		}
		if err := pc.SetMulticastLoopback(false); err != nil {
			log.Debug("sink: disable multicast loopback", "error", err)
		}
	} else if ttl > 0 {
		if err := pc.SetTTL(ttl); err != nil {
			log.Debug("sink: set unicast ttl", "error", err)
		}
	}

	return &UDPSink{log: log, conn: conn, pc: pc, packetsPerDatagram: packetsPerDatagram}, nil
}

// OutputPacket buffers pkt, flushing a full datagram's worth of packets
// to the wire whenever the buffer reaches packetsPerDatagram packets.
func (s *UDPSink) OutputPacket(pkt tspacket.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink: udp sink closed")
	}
	s.buf = append(s.buf, pkt.Bytes()...)
	return s.flushFullLocked()
}

// OutputBlock buffers a pre-assembled block of whole packets.
func (s *UDPSink) OutputBlock(block []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink: udp sink closed")
	}
	s.buf = append(s.buf, block...)
	return s.flushFullLocked()
}

func (s *UDPSink) flushFullLocked() error {
	datagramBytes := s.packetsPerDatagram * tspacket.Size
	for len(s.buf) >= datagramBytes {
		if _, err := s.conn.Write(s.buf[:datagramBytes]); err != nil {
			return fmt.Errorf("sink: udp write: %w", err)
		}
		s.buf = s.buf[datagramBytes:]
	}
	return nil
}

// ReserveHeaderSpace reserves n stuffing packets at the start of the
// stream for a later SetHeader call. Must be called before any
// OutputPacket/OutputBlock call.
func (s *UDPSink) ReserveHeaderSpace(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) != 0 {
		return errors.New("sink: ReserveHeaderSpace called after data already written")
	}
	s.header = make([][]byte, n)
	for i := range s.header {
		s.header[i] = stuffingPacket()
		s.buf = append(s.buf, s.header[i]...)
	}
	return nil
}

// SetHeader installs packets into the space reserved by
// ReserveHeaderSpace, replacing the stuffing placeholders, then sends
// any full datagram the buffer now holds.
func (s *UDPSink) SetHeader(packets [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(packets) != len(s.header) {
		return fmt.Errorf("sink: SetHeader: reserved %d packets, got %d", len(s.header), len(packets))
	}
	offset := 0
	for i, p := range packets {
		if len(p) != tspacket.Size {
			return fmt.Errorf("sink: SetHeader: packet %d is %d bytes, want %d", i, len(p), tspacket.Size)
		}
		s.header[i] = p
		copy(s.buf[offset:offset+tspacket.Size], p)
		offset += tspacket.Size
	}
	return s.flushFullLocked()
}

// Close flushes any partial batch and releases the socket.
func (s *UDPSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var flushErr error
	if len(s.buf) > 0 {
		_, flushErr = s.conn.Write(s.buf)
		s.buf = nil
	}
	s.mu.Unlock()
	closeErr := s.conn.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func stuffingPacket() []byte {
	b := make([]byte, tspacket.Size)
	b[0] = tspacket.SyncByte
	b[1] = 0x1F
	b[2] = 0xFF
	b[3] = 0x10
	for i := 4; i < tspacket.Size; i++ {
		b[i] = 0xFF
	}
	return b
}
