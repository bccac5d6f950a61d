package protocol

import (
	"encoding/binary"
	"strings"
)

// EncodeNack serializes missing fragment indices.
func EncodeNack(missing []uint16) []byte {
	buf := make([]byte, 2*len(missing))
	for i, idx := range missing {
		binary.BigEndian.PutUint16(buf[2*i:], idx)
	}
	return buf
}

// DecodeNack parses a NACK payload.
func DecodeNack(payload []byte) ([]uint16, error) {
	if len(payload)%2 != 0 {
		return nil, protoErrf("nack payload has odd length %d", len(payload))
	}
	missing := make([]uint16, len(payload)/2)
	for i := range missing {
		missing[i] = binary.BigEndian.Uint16(payload[2*i:])
	}
	return missing, nil
}

// ParseCommand splits a COMMAND payload into its name and argument text.
func ParseCommand(payload []byte) (name string, args string, err error) {
	line := strings.TrimSpace(string(payload))
	if line == "" {
		return "", "", protoErrf("empty command")
	}
	name, args, _ = strings.Cut(line, " ")
	return name, strings.TrimSpace(args), nil
}

// EncodeByteCommand builds a CMD_BYTE_DATA payload.
func EncodeByteCommand(name string, args []byte) ([]byte, error) {
	if name == "" || len(name) > 0xff {
		return nil, protoErrf("invalid command name length %d", len(name))
	}
	buf := make([]byte, 0, 1+len(name)+len(args))
	buf = append(buf, uint8(len(name)))
	buf = append(buf, name...)
	return append(buf, args...), nil
}

// DecodeByteCommand parses a CMD_BYTE_DATA payload.
func DecodeByteCommand(payload []byte) (name string, args []byte, err error) {
	if len(payload) < 1 {
		return "", nil, protoErrf("empty byte command")
	}
	n := int(payload[0])
	if n == 0 || len(payload) < 1+n {
		return "", nil, protoErrf("byte command name truncated")
	}
	return string(payload[1 : 1+n]), payload[1+n:], nil
}

// DATA payload kinds.
const (
	DataApp      uint8 = 0
	DataResponse uint8 = 1
)

// Response status codes.
const (
	StatusOK    uint8 = 0
	StatusError uint8 = 1
)

// Response is a command result carried in a DATA packet.
type Response struct {
	RequestID int32
	Status    uint8
	Body      []byte
}

// responseHdrSize is kind(1) + RequestID(4) + Status(1).
const responseHdrSize = 6

// EncodeResponse builds a DATA payload carrying r.
func EncodeResponse(r Response) []byte {
	buf := make([]byte, responseHdrSize+len(r.Body))
	buf[0] = DataResponse
	binary.BigEndian.PutUint32(buf[1:5], uint32(r.RequestID))
	buf[5] = r.Status
	copy(buf[responseHdrSize:], r.Body)
	return buf
}

// EncodeAppData builds a DATA payload carrying application bytes.
func EncodeAppData(data []byte) []byte {
	return append([]byte{DataApp}, data...)
}

// DecodeData parses a DATA payload. Exactly one of app and resp is set.
func DecodeData(payload []byte) (app []byte, resp *Response, err error) {
	if len(payload) < 1 {
		return nil, nil, protoErrf("empty data payload")
	}
	switch payload[0] {
	case DataApp:
		return payload[1:], nil, nil
	case DataResponse:
		if len(payload) < responseHdrSize {
			return nil, nil, protoErrf("response truncated")
		}
		return nil, &Response{
			RequestID: int32(binary.BigEndian.Uint32(payload[1:5])),
			Status:    payload[5],
			Body:      payload[responseHdrSize:],
		}, nil
	default:
		return nil, nil, protoErrf("unknown data kind %d", payload[0])
	}
}
