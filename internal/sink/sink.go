// Package sink defines the delivery-sink trait every output consumer
// (UDP multicast, SI-capture debug sink, future delivery methods)
// implements, and the header-reservation contract a service filter
// uses to install PAT/PMT ahead of the stream.
//
// Grounded on original_source/include/deliverymethod.h's
// DeliveryMethodInstanceOps_t function-pointer table, expressed as a Go
// interface per §REDESIGN FLAGS's "function-pointer ops tables... become
// a capability trait".
package sink

import "github.com/snapetech/tsengine/internal/tspacket"

// Sink is one delivery-method instance: a destination for a single
// service's rewritten packet stream.
type Sink interface {
	// OutputPacket sends one 188-byte packet.
	OutputPacket(pkt tspacket.Packet) error
	// OutputBlock sends a pre-assembled block of whole packets.
	OutputBlock(block []byte) error
	// ReserveHeaderSpace reserves n packet slots at the start of the
	// stream for PAT/PMT. Must be called before any OutputPacket/
	// OutputBlock call. Reserved slots carry stuffing until SetHeader.
	ReserveHeaderSpace(n int) error
	// SetHeader installs the header packets into the space reserved by
	// ReserveHeaderSpace. May be called any time afterward.
	SetHeader(packets [][]byte) error
	// Close releases the sink's resources.
	Close() error
}
