package protocol

import "errors"

// Voice packets carry one leading type byte followed by the payload.
// Join payloads name the channel; audio and talk payloads are opaque and
// forwarded verbatim.
const (
	VoiceJoin  byte = 'J'
	VoiceLeave byte = 'L'
	VoiceAudio byte = 'A'
	VoiceTalk  byte = 'T'
)

// MaxVoicePayload is the maximum voice packet payload size.
const MaxVoicePayload = 1400

var ErrVoicePacketEmpty = errors.New("protocol: empty voice packet")
var ErrVoiceUnknownType = errors.New("protocol: unknown voice packet type")

// VoicePacket is a decoded UDP voice frame.
type VoicePacket struct {
	Type    byte
	Payload []byte
}

// Marshal serializes the packet to wire bytes.
func (p *VoicePacket) Marshal() []byte {
	buf := make([]byte, 1+len(p.Payload))
	buf[0] = p.Type
	copy(buf[1:], p.Payload)
	return buf
}

// UnmarshalVoicePacket parses a voice packet from raw bytes. The payload
// is copied so the caller may reuse its buffer.
func UnmarshalVoicePacket(data []byte) (*VoicePacket, error) {
	if len(data) < 1 {
		return nil, ErrVoicePacketEmpty
	}
	switch data[0] {
	case VoiceJoin, VoiceLeave, VoiceAudio, VoiceTalk:
	default:
		return nil, ErrVoiceUnknownType
	}
	pkt := &VoicePacket{
		Type:    data[0],
		Payload: make([]byte, len(data)-1),
	}
	copy(pkt.Payload, data[1:])
	return pkt, nil
}
