// Package wire encodes and decodes the TFTP datagrams defined by RFC 1350
// (RRQ, WRQ, DATA, ACK, ERROR) and the RFC 2347 OACK extension.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Opcode is the two-byte value that leads every TFTP datagram.
type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
	OpOACK  Opcode = 6 // RFC 2347
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	case OpOACK:
		return "OACK"
	default:
		return fmt.Sprintf("Opcode(%d)", uint16(o))
	}
}

// ErrorCode is one of the eight TFTP error codes from RFC 1350.
type ErrorCode uint16

const (
	ErrNotDefined        ErrorCode = 0
	ErrFileNotFound      ErrorCode = 1
	ErrAccessViolation   ErrorCode = 2
	ErrDiskFull          ErrorCode = 3
	ErrIllegalOp         ErrorCode = 4
	ErrUnknownTID        ErrorCode = 5
	ErrFileAlreadyExists ErrorCode = 6
	ErrNoSuchUser        ErrorCode = 7
)

// defaultMessage is the canonical message substituted when an ERROR
// datagram is constructed (or decoded) with an empty message.
var defaultMessage = map[ErrorCode]string{
	ErrNotDefined:        "",
	ErrFileNotFound:      "File not found",
	ErrAccessViolation:   "Access violation",
	ErrDiskFull:          "Disk full or allocation exceeded",
	ErrIllegalOp:         "Illegal TFTP operation",
	ErrUnknownTID:        "Unknown transfer ID",
	ErrFileAlreadyExists: "File already exists",
	ErrNoSuchUser:        "No such user",
}

// Sentinel decode errors. These are returned by Decode and never put on
// the wire directly; the dispatcher that calls Decode is responsible for
// deciding whether a malformed datagram is dropped or answered.
var (
	ErrInvalidOpcode    = errors.New("wire: invalid opcode")
	ErrPayloadDecode    = errors.New("wire: malformed payload")
	ErrInvalidErrorCode = errors.New("wire: invalid error code")
)

// Option is a single name/value pair from an option list. Options are
// kept as an ordered slice, not a map, because RFC 2347 negotiation must
// preserve the requester's insertion order in the OACK reply.
type Option struct {
	Name  string
	Value string
}

// Datagram is implemented by every concrete datagram type in this
// package. Encode renders the datagram to its wire representation.
type Datagram interface {
	Opcode() Opcode
	Encode() []byte
}

// Request is an RRQ or WRQ datagram.
type Request struct {
	Op       Opcode // OpRRQ or OpWRQ
	Filename string
	Mode     string
	Options  []Option
}

func (r *Request) Opcode() Opcode { return r.Op }

func (r *Request) Encode() []byte {
	var buf bytes.Buffer
	writeUint16(&buf, uint16(r.Op))
	buf.WriteString(r.Filename)
	buf.WriteByte(0)
	buf.WriteString(r.Mode)
	buf.WriteByte(0)
	writeOptions(&buf, r.Options)
	return buf.Bytes()
}

// Data is a DATA datagram. Payload length may be zero; a payload shorter
// than the negotiated block size signals the final block of a transfer.
type Data struct {
	Block   uint16
	Payload []byte
}

func (d *Data) Opcode() Opcode { return OpDATA }

func (d *Data) Encode() []byte {
	buf := make([]byte, 4+len(d.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpDATA))
	binary.BigEndian.PutUint16(buf[2:4], d.Block)
	copy(buf[4:], d.Payload)
	return buf
}

// Ack is an ACK datagram.
type Ack struct {
	Block uint16
}

func (a *Ack) Opcode() Opcode { return OpACK }

func (a *Ack) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpACK))
	binary.BigEndian.PutUint16(buf[2:4], a.Block)
	return buf
}

// Error is an ERROR datagram.
type Error struct {
	Code    ErrorCode
	Message string
}

// NewError builds an Error datagram, substituting the canonical message
// for Code when message is empty.
func NewError(code ErrorCode, message string) *Error {
	if message == "" {
		message = defaultMessage[code]
	}
	return &Error{Code: code, Message: message}
}

func (e *Error) Opcode() Opcode { return OpERROR }

func (e *Error) Encode() []byte {
	var buf bytes.Buffer
	writeUint16(&buf, uint16(OpERROR))
	writeUint16(&buf, uint16(e.Code))
	buf.WriteString(e.Message)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Oack is an OACK datagram (RFC 2347).
type Oack struct {
	Options []Option
}

func (o *Oack) Opcode() Opcode { return OpOACK }

func (o *Oack) Encode() []byte {
	var buf bytes.Buffer
	writeUint16(&buf, uint16(OpOACK))
	writeOptions(&buf, o.Options)
	return buf.Bytes()
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	buf.Write(tmp[:])
}

func writeOptions(buf *bytes.Buffer, options []Option) {
	for _, opt := range options {
		buf.WriteString(opt.Name)
		buf.WriteByte(0)
		buf.WriteString(opt.Value)
		buf.WriteByte(0)
	}
}

// Decode parses a raw UDP payload into a Datagram. Decode never returns
// a partially populated datagram alongside an error.
func Decode(raw []byte) (Datagram, error) {
	if len(raw) < 2 {
		return nil, ErrPayloadDecode
	}
	op := Opcode(binary.BigEndian.Uint16(raw[0:2]))
	body := raw[2:]
	switch op {
	case OpRRQ, OpWRQ:
		return decodeRequest(op, body)
	case OpDATA:
		return decodeData(body)
	case OpACK:
		return decodeAck(body)
	case OpERROR:
		return decodeErrorDatagram(body)
	case OpOACK:
		return decodeOack(body)
	default:
		return nil, ErrInvalidOpcode
	}
}

func decodeRequest(op Opcode, body []byte) (*Request, error) {
	parts := splitNulTerminated(body)
	if len(parts) < 2 {
		return nil, ErrPayloadDecode
	}
	req := &Request{
		Op:       op,
		Filename: parts[0],
		Mode:     parts[1],
	}
	optParts := parts[2:]
	for len(optParts) >= 2 {
		req.Options = append(req.Options, Option{Name: optParts[0], Value: optParts[1]})
		optParts = optParts[2:]
	}
	return req, nil
}

func decodeData(body []byte) (*Data, error) {
	if len(body) < 2 {
		return nil, ErrPayloadDecode
	}
	return &Data{
		Block:   binary.BigEndian.Uint16(body[0:2]),
		Payload: append([]byte(nil), body[2:]...),
	}, nil
}

func decodeAck(body []byte) (*Ack, error) {
	if len(body) != 2 {
		return nil, ErrPayloadDecode
	}
	return &Ack{Block: binary.BigEndian.Uint16(body[0:2])}, nil
}

func decodeErrorDatagram(body []byte) (*Error, error) {
	if len(body) < 2 {
		return nil, ErrPayloadDecode
	}
	code := ErrorCode(binary.BigEndian.Uint16(body[0:2]))
	if _, ok := defaultMessage[code]; !ok {
		return nil, ErrInvalidErrorCode
	}
	msg := string(body[2:])
	if i := bytes.IndexByte(body[2:], 0); i >= 0 {
		msg = string(body[2 : 2+i])
	}
	if msg == "" {
		msg = defaultMessage[code]
	}
	return &Error{Code: code, Message: msg}, nil
}

func decodeOack(body []byte) (*Oack, error) {
	parts := splitNulTerminated(body)
	oack := &Oack{}
	for len(parts) >= 2 {
		oack.Options = append(oack.Options, Option{Name: parts[0], Value: parts[1]})
		parts = parts[2:]
	}
	return oack, nil
}

// splitNulTerminated splits a NUL-delimited byte sequence into strings,
// dropping a single trailing empty element left by a terminating NUL.
func splitNulTerminated(body []byte) []string {
	raw := bytes.Split(body, []byte{0})
	if len(raw) > 0 && len(raw[len(raw)-1]) == 0 {
		raw = raw[:len(raw)-1]
	}
	parts := make([]string, len(raw))
	for i, p := range raw {
		parts[i] = string(p)
	}
	return parts
}

// NormalizeMode lower-cases mode for comparison; "netascii" and "octet"
// are the only two modes this endpoint accepts.
func NormalizeMode(mode string) string {
	return strings.ToLower(mode)
}

// FindOption looks up an option by case-insensitive name, returning the
// original (non-lower-cased) value and whether it was present.
func FindOption(options []Option, name string) (string, bool) {
	name = strings.ToLower(name)
	for _, opt := range options {
		if strings.ToLower(opt.Name) == name {
			return opt.Value, true
		}
	}
	return "", false
}
