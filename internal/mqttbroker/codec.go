package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
)

const (
	typeConnect     = 1
	typeConnAck     = 2
	typePublish     = 3
	typePubAck      = 4
	typeSubscribe   = 8
	typeSubAck      = 9
	typeUnsubscribe = 10
	typeUnsubAck    = 11
	typePingReq     = 12
	typePingResp    = 13
	typeDisconnect  = 14

	subAckFailure = 0x80

	flagUsername = 1 << 7
	flagPassword = 1 << 6
	flagWill     = 1 << 2
)

type connectRequest struct {
	clientID  string
	keepAlive uint16
	username  string
	password  string
}

func readPacket(r *bufio.Reader, max int) (byte, []byte, error) {
	header, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	remaining, err := readVarInt(r)
	if err != nil {
		return 0, nil, fmt.Errorf("read remaining length: %w", err)
	}
	if max > 0 && remaining > max {
		return 0, nil, fmt.Errorf("packet of %d bytes exceeds limit %d", remaining, max)
	}
	body := make([]byte, remaining)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("read packet body: %w", err)
	}
	return header, body, nil
}

func parseConnect(body []byte) (connectRequest, error) {
	rd := bytesReader(body)

	protoName, err := rd.readString()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return connectRequest{}, fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 { // MQTT 3.1.1
		return connectRequest{}, fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&flagWill != 0 {
		return connectRequest{}, fmt.Errorf("will messages are not supported")
	}

	var req connectRequest
	if req.keepAlive, err = rd.readUint16(); err != nil {
		return connectRequest{}, fmt.Errorf("read keepalive: %w", err)
	}
	if req.clientID, err = rd.readString(); err != nil {
		return connectRequest{}, fmt.Errorf("read client id: %w", err)
	}
	if flags&flagUsername != 0 {
		if req.username, err = rd.readString(); err != nil {
			return connectRequest{}, fmt.Errorf("read username: %w", err)
		}
	}
	if flags&flagPassword != 0 {
		if req.password, err = rd.readString(); err != nil {
			return connectRequest{}, fmt.Errorf("read password: %w", err)
		}
	}
	return req, nil
}

// parsePublish returns the message and, for QoS 1, the packet id to acknowledge.
func parsePublish(header byte, body []byte) (PublishMessage, uint16, error) {
	qos := (header >> 1) & 0x03
	if qos > 1 {
		return PublishMessage{}, 0, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(body)
	topic, err := rd.readString()
	if err != nil {
		return PublishMessage{}, 0, fmt.Errorf("read topic: %w", err)
	}
	if err := validateTopicName(topic); err != nil {
		return PublishMessage{}, 0, err
	}

	var packetID uint16
	if qos == 1 {
		if packetID, err = rd.readUint16(); err != nil {
			return PublishMessage{}, 0, fmt.Errorf("read packet id: %w", err)
		}
	}

	return PublishMessage{Topic: topic, Payload: rd.readBytes(rd.remaining())}, packetID, nil
}

func buildPublishPacket(topic string, payload []byte) ([]byte, error) {
	topicLen := len(topic)
	if topicLen > 65535 {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + topicLen + len(payload)
	remainingBytes := encodeRemainingLength(remaining)

	pkt := make([]byte, 0, 1+len(remainingBytes)+remaining)
	pkt = append(pkt, typePublish<<4)
	pkt = append(pkt, remainingBytes...)
	pkt = append(pkt, byte(topicLen>>8), byte(topicLen&0xFF))
	pkt = append(pkt, topic...)
	pkt = append(pkt, payload...)
	return pkt, nil
}

func buildSubAck(packetID uint16, codes []byte) []byte {
	remaining := 2 + len(codes)
	remainingBytes := encodeRemainingLength(remaining)
	pkt := make([]byte, 0, 1+len(remainingBytes)+remaining)
	pkt = append(pkt, typeSubAck<<4)
	pkt = append(pkt, remainingBytes...)
	pkt = append(pkt, byte(packetID>>8), byte(packetID&0xFF))
	return append(pkt, codes...)
}

func buildAck(packetType byte, packetID uint16) []byte {
	return []byte{packetType << 4, 0x02, byte(packetID >> 8), byte(packetID & 0xFF)}
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readVarInt(r io.ByteReader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			break
		}
	}
	return encoded
}
