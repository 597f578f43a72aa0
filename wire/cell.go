/*
Package wire implements the fixed-size cell framing and the onion-relay
inner format, plus the canonical service-descriptor encoding.

Grounded on PeernetOfficial-core's protocol/Packet Encoding.go and
Message Encoding.go for the manual binary.LittleEndian field-by-field
encoding style, generalized from Peernet's variable-length P2P packet to
anonnet's fixed-size, padded circuit cell.
*/
package wire

import (
	"encoding/binary"
	"errors"
)

// CellSize is the fixed length of every cell on every link. Kept small and constant: implementers must not
// "optimize" by shrinking idle cells.
const CellSize = 512

// cell header: 8 (circuit id) + 1 (command) + 2 (reserved/version) = 11
const cellHeaderSize = 8 + 1 + 2
const CellBodySize = CellSize - cellHeaderSize

// Command identifies the purpose of a Cell.
type Command uint8

const (
	CmdCreate Command = iota
	CmdCreated
	CmdExtend
	CmdExtended
	CmdRelay
	CmdDestroy
)

func (c Command) String() string {
	switch c {
	case CmdCreate:
		return "CREATE"
	case CmdCreated:
		return "CREATED"
	case CmdExtend:
		return "EXTEND"
	case CmdExtended:
		return "EXTENDED"
	case CmdRelay:
		return "RELAY"
	case CmdDestroy:
		return "DESTROY"
	default:
		return "UNKNOWN"
	}
}

// Cell is the fixed-size framed unit of traffic on a circuit link.
type Cell struct {
	CircuitID uint64
	Command   Command
	Version   uint16
	Body      [CellBodySize]byte
}

// Encode serializes the cell to exactly CellSize bytes.
func (c *Cell) Encode() []byte {
	buf := make([]byte, CellSize)
	binary.LittleEndian.PutUint64(buf[0:8], c.CircuitID)
	buf[8] = byte(c.Command)
	binary.LittleEndian.PutUint16(buf[9:11], c.Version)
	copy(buf[cellHeaderSize:], c.Body[:])
	return buf
}

// DecodeCell parses exactly CellSize bytes into a Cell.
func DecodeCell(raw []byte) (*Cell, error) {
	if len(raw) != CellSize {
		return nil, errors.New("wire: invalid cell length")
	}
	c := &Cell{
		CircuitID: binary.LittleEndian.Uint64(raw[0:8]),
		Command:   Command(raw[8]),
		Version:   binary.LittleEndian.Uint16(raw[9:11]),
	}
	copy(c.Body[:], raw[cellHeaderSize:])
	return c, nil
}

// RecognisedMarker is the known-plaintext value placed at a known offset
// in the innermost plaintext of a RELAY cell to signal "this cell is for
// me" after a successful peel.
const RecognisedMarker = uint16(0x0000)

const (
	relayHeaderSize = 1 + 2 + 2 + 4 + 2 // relay_cmd, recognised, stream_id, digest, length
	RelayPayloadMax = CellBodySize - relayHeaderSize
)

// RelayCommand identifies the inner meaning of a RELAY cell once
// recognised.
type RelayCommand uint8

const (
	RelayBegin RelayCommand = iota
	RelayData
	RelayEnd
	RelayConnected
	RelaySendme
	RelayExtendInner // EXTEND relay command carrying the next hop's address
	RelayEstablishIntro
	RelayEstablishRendezvous
	RelayIntroduce1
	RelayIntroduce2
	RelayIntroduceAck
	RelayRendezvous1
	RelayRendezvous2
	RelayRendezvousNack
	RelayExtended // carries the newly-added hop's ephemeral public key back to the originator
)

// RelayCell is the onion-encrypted inner payload carried by a RELAY cell.
type RelayCell struct {
	RelayCmd   RelayCommand
	Recognised uint16
	StreamID   uint16
	Digest     uint32
	Payload    []byte
}

// Encode serializes the relay cell into a CellBodySize-length buffer,
// padded with zero bytes. Digest must already be computed by the caller
// over the canonical plaintext bytes.
func (r *RelayCell) Encode() ([]byte, error) {
	if len(r.Payload) > RelayPayloadMax {
		return nil, errors.New("wire: relay payload exceeds max_relay_payload")
	}
	buf := make([]byte, CellBodySize)
	buf[0] = byte(r.RelayCmd)
	binary.LittleEndian.PutUint16(buf[1:3], r.Recognised)
	binary.LittleEndian.PutUint16(buf[3:5], r.StreamID)
	binary.LittleEndian.PutUint32(buf[5:9], r.Digest)
	binary.LittleEndian.PutUint16(buf[9:11], uint16(len(r.Payload)))
	copy(buf[relayHeaderSize:], r.Payload)
	return buf, nil
}

// DecodeRelayCell parses a CellBodySize-length plaintext buffer.
func DecodeRelayCell(buf []byte) (*RelayCell, error) {
	if len(buf) != CellBodySize {
		return nil, errors.New("wire: invalid relay cell plaintext length")
	}
	length := binary.LittleEndian.Uint16(buf[9:11])
	if int(length) > RelayPayloadMax {
		return nil, errors.New("wire: invalid relay length field")
	}
	r := &RelayCell{
		RelayCmd:   RelayCommand(buf[0]),
		Recognised: binary.LittleEndian.Uint16(buf[1:3]),
		StreamID:   binary.LittleEndian.Uint16(buf[3:5]),
		Digest:     binary.LittleEndian.Uint32(buf[5:9]),
	}
	r.Payload = make([]byte, length)
	copy(r.Payload, buf[relayHeaderSize:relayHeaderSize+int(length)])
	return r, nil
}

// IsRecognised reports whether the peeled plaintext carries the
// recognised marker at its known offset, i.e. this hop is the intended
// endpoint of the cell.
func IsRecognised(buf []byte) bool {
	if len(buf) < 3 {
		return false
	}
	return binary.LittleEndian.Uint16(buf[1:3]) == RecognisedMarker
}
