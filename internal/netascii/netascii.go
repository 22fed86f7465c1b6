// Package netascii implements the NETASCII line-ending transcoder used
// when a TFTP transfer's mode is "netascii": on the wire, every local
// newline becomes CR LF and every literal CR becomes CR NUL.
//
// Grounded directly in tftp/netascii.py's NetasciiSenderProxy (encode on
// read, for RRQ) and NetasciiReceiverProxy (decode on write, for WRQ),
// including carrying a pending CR across chunk boundaries.
package netascii

import "github.com/wjholden/tftpd/internal/backend"

const (
	cr  = 0x0d
	lf  = 0x0a
	nul = 0x00
)

// NL is the local newline byte this package treats as "a line ending"
// when encoding, and produces when decoding. RFC 1350 leaves this to
// the host's convention; the original source used os.linesep, which is
// not wire-portable. This fixes it to a package constant defaulting to
// LF, configurable via NewEncoderWithNL/NewDecoderWithNL for callers
// that need a different local line-ending byte.
const NL byte = lf

// Encoder wraps a backend.Reader, translating local bytes to NETASCII
// as they are read — used on the RRQ (send) path.
type Encoder struct {
	r      backend.Reader
	nl     byte
	buffer []byte
}

// NewEncoder wraps r, encoding with the default newline convention (LF).
func NewEncoder(r backend.Reader) *Encoder { return NewEncoderWithNL(r, NL) }

// NewEncoderWithNL wraps r, treating nl as the local line-ending byte.
func NewEncoderWithNL(r backend.Reader, nl byte) *Encoder {
	return &Encoder{r: r, nl: nl}
}

// Read returns up to n bytes of NETASCII-encoded data. A returned slice
// shorter than n signals EOF, consistent with the Reader contract.
func (e *Encoder) Read(n int) ([]byte, error) {
	for len(e.buffer) < n {
		need := n - len(e.buffer)
		raw, err := e.r.Read(need)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			break // underlying EOF; flush whatever remains buffered
		}
		e.buffer = append(e.buffer, toNetascii(raw, e.nl)...)
	}
	if len(e.buffer) == 0 {
		return nil, nil
	}
	if len(e.buffer) <= n {
		out := e.buffer
		e.buffer = nil
		return out, nil
	}
	out := e.buffer[:n]
	e.buffer = e.buffer[n:]
	return out, nil
}

// Finish releases the underlying reader.
func (e *Encoder) Finish() { e.r.Finish() }

// Decoder wraps a backend.Writer, translating NETASCII-on-the-wire bytes
// back to local form as they are written — used on the WRQ (receive)
// path.
type Decoder struct {
	w       backend.Writer
	nl      byte
	carryCR bool
}

// NewDecoder wraps w, decoding with the default newline convention (LF).
func NewDecoder(w backend.Writer) *Decoder { return NewDecoderWithNL(w, NL) }

// NewDecoderWithNL wraps w, producing nl for a decoded CR LF pair.
func NewDecoderWithNL(w backend.Writer, nl byte) *Decoder {
	return &Decoder{w: w, nl: nl}
}

// Write decodes p and forwards the result to the underlying writer. A
// trailing CR with no following byte in this chunk is held back and
// prefixed onto the next call, so a CR LF or CR NUL pair split across
// two DATA blocks is still recognized correctly.
func (d *Decoder) Write(p []byte) error {
	if d.carryCR {
		p = append([]byte{cr}, p...)
		d.carryCR = false
	}
	if len(p) > 0 && p[len(p)-1] == cr {
		d.carryCR = true
		p = p[:len(p)-1]
	}
	out := fromNetascii(p, d.nl)
	return d.w.Write(out)
}

// Finish commits the underlying writer.
func (d *Decoder) Finish() error { return d.w.Finish() }

// Cancel discards the underlying writer's staged data.
func (d *Decoder) Cancel() { d.w.Cancel() }

func toNetascii(data []byte, nl byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch b {
		case nl:
			out = append(out, cr, lf)
		case cr:
			out = append(out, cr, nul)
		default:
			out = append(out, b)
		}
	}
	return out
}

func fromNetascii(data []byte, nl byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b == cr && i+1 < len(data) {
			switch data[i+1] {
			case lf:
				out = append(out, nl)
				i++
				continue
			case nul:
				out = append(out, cr)
				i++
				continue
			}
		}
		out = append(out, b)
	}
	return out
}
