// Package ogg reads and writes Ogg Opus streams (RFC 7845).
//
// [Writer] muxes on top of pion's oggwriter. Every page it writes carries
// exactly one Opus packet, and every call it makes to its underlying
// io.Writer is one complete page. The capture pipeline relies on that: each
// write is forwarded as one chunk.
//
// [Reader] demuxes any conforming stream, including the multi-packet pages
// produced by opusenc, ffmpeg and libopusenc.
package ogg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// MediaType is the media type of streams produced by [Writer].
const MediaType = "audio/ogg; codecs=opus"

// clockRate is the Opus granule clock; Ogg Opus always counts 48 kHz samples.
const clockRate = 48000

// opusPayloadType is a dynamic RTP payload type; oggwriter ignores it but the
// packet header is kept well-formed.
const opusPayloadType = 111

var (
	capturePattern = []byte("OggS")
	headMagic      = []byte("OpusHead")
	commentMagic   = []byte("OpusTags")
)

// IsOgg reports whether data starts with an Ogg capture pattern.
func IsOgg(data []byte) bool {
	return bytes.HasPrefix(data, capturePattern)
}

// Writer muxes Opus packets into an Ogg Opus stream. The identification and
// comment header pages are written by [NewWriter].
// Not safe for concurrent use.
type Writer struct {
	ow  *oggwriter.OggWriter
	seq uint16
	ts  uint32
}

// NewWriter starts an Ogg Opus stream on w with the given channel count.
func NewWriter(w io.Writer, channels int) (*Writer, error) {
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("ogg: unsupported channel count %d", channels)
	}
	ow, err := oggwriter.NewWith(w, clockRate, uint16(channels))
	if err != nil {
		return nil, fmt.Errorf("ogg: write headers: %w", err)
	}
	return &Writer{ow: ow}, nil
}

// WritePacket writes one Opus packet spanning samples 48 kHz samples per
// channel as its own page. Empty packets are ignored.
func (w *Writer) WritePacket(packet []byte, samples int) error {
	if len(packet) == 0 {
		return nil
	}
	p := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: w.seq,
			Timestamp:      w.ts,
		},
		Payload: packet,
	}
	if err := w.ow.WriteRTP(p); err != nil {
		return fmt.Errorf("ogg: write page: %w", err)
	}
	w.seq++
	w.ts += uint32(samples)
	return nil
}

// Close ends the stream and closes the underlying writer when it is an
// io.Closer.
func (w *Writer) Close() error {
	if err := w.ow.Close(); err != nil {
		return fmt.Errorf("ogg: close: %w", err)
	}
	return nil
}

// Header is the subset of the Opus identification header a decoder needs.
type Header struct {
	Channels   int
	SampleRate int // original input rate; informational only
	PreSkip    int // samples per channel to discard at the start
}

// Reader demuxes the Opus packets of an Ogg Opus stream. Packets are
// reassembled from the page segment tables, so pages carrying several
// packets and packets continued across pages both come out whole.
// Pages of other logical streams are ignored.
type Reader struct {
	r      io.Reader
	serial uint32
	header Header

	queue   [][]byte // complete packets not yet returned
	partial []byte   // packet continued on the next page
	inPart  bool
	eof     bool
}

// NewReader parses the identification header from r.
func NewReader(r io.Reader) (*Reader, error) {
	rd := &Reader{r: r}
	pg, err := readPage(r)
	if err != nil {
		return nil, fmt.Errorf("ogg: read id header: %w", err)
	}
	if pg.flags&flagFirst == 0 {
		return nil, errors.New("ogg: read id header: first page is not a stream start")
	}
	rd.serial = pg.serial
	rd.split(pg)
	if len(rd.queue) == 0 {
		return nil, errors.New("ogg: read id header: empty first page")
	}
	head := rd.queue[0]
	rd.queue = rd.queue[1:]
	if len(head) < 19 || !bytes.HasPrefix(head, headMagic) {
		return nil, errors.New("ogg: read id header: not an Opus stream")
	}
	rd.header = Header{
		Channels:   int(head[9]),
		PreSkip:    int(binary.LittleEndian.Uint16(head[10:12])),
		SampleRate: int(binary.LittleEndian.Uint32(head[12:16])),
	}
	return rd, nil
}

// Header returns the parsed identification header.
func (r *Reader) Header() Header { return r.header }

// NextPacket returns the next audio packet, skipping the comment header and
// empty packets. It returns io.EOF after the last packet; a stream that ends
// inside a packet returns io.ErrUnexpectedEOF.
func (r *Reader) NextPacket() ([]byte, error) {
	for {
		for len(r.queue) > 0 {
			p := r.queue[0]
			r.queue = r.queue[1:]
			if len(p) == 0 || bytes.HasPrefix(p, commentMagic) {
				continue
			}
			return p, nil
		}
		if r.eof {
			if r.inPart {
				return nil, fmt.Errorf("ogg: read packet: %w", io.ErrUnexpectedEOF)
			}
			return nil, io.EOF
		}

		pg, err := readPage(r.r)
		if errors.Is(err, io.EOF) {
			r.eof = true
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ogg: read page: %w", err)
		}
		if pg.serial != r.serial {
			continue
		}
		r.split(pg)
		if pg.flags&flagLast != 0 {
			r.eof = true
		}
	}
}

// split cuts pg into packets by its lacing values. A lacing value below 255
// ends a packet; a trailing run of 255s continues it on the next page.
func (r *Reader) split(pg page) {
	if pg.flags&flagContinued == 0 && r.inPart {
		// The previous page promised a continuation that never came.
		r.partial, r.inPart = nil, false
	}
	skip := pg.flags&flagContinued != 0 && !r.inPart

	off := 0
	for _, lace := range pg.lacing {
		seg := pg.body[off : off+int(lace)]
		off += int(lace)
		if !skip {
			r.partial = append(r.partial, seg...)
		}
		if lace < 255 {
			if !skip {
				r.queue = append(r.queue, r.partial)
			}
			r.partial, skip = nil, false
		}
	}
	if len(pg.lacing) > 0 {
		r.inPart = pg.lacing[len(pg.lacing)-1] == 255 && !skip
	}
}

// ── Pages ────────────────────────────────────────────────────────────────────

const (
	pageHeaderLen = 27

	flagContinued = 0x01
	flagFirst     = 0x02
	flagLast      = 0x04
)

// page is one parsed Ogg page.
type page struct {
	flags   byte
	granule uint64
	serial  uint32
	seq     uint32
	lacing  []byte
	body    []byte
}

// readPage reads and checksums one page. A clean end of input before the
// first header byte returns io.EOF.
func readPage(r io.Reader) (page, error) {
	hdr := make([]byte, pageHeaderLen, pageHeaderLen+255)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return page{}, fmt.Errorf("truncated page header: %w", err)
		}
		return page{}, err
	}
	if !bytes.Equal(hdr[:4], capturePattern) {
		return page{}, errors.New("missing capture pattern")
	}
	if hdr[4] != 0 {
		return page{}, fmt.Errorf("unsupported stream structure version %d", hdr[4])
	}

	lacing := make([]byte, hdr[26])
	if _, err := io.ReadFull(r, lacing); err != nil {
		return page{}, fmt.Errorf("truncated segment table: %w", noEOF(err))
	}
	size := 0
	for _, l := range lacing {
		size += int(l)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return page{}, fmt.Errorf("truncated page body: %w", noEOF(err))
	}

	want := binary.LittleEndian.Uint32(hdr[22:26])
	clear(hdr[22:26])
	if got := Checksum(hdr, lacing, body); got != want {
		return page{}, fmt.Errorf("page checksum mismatch: got %08x, want %08x", got, want)
	}

	return page{
		flags:   hdr[5],
		granule: binary.LittleEndian.Uint64(hdr[6:14]),
		serial:  binary.LittleEndian.Uint32(hdr[14:18]),
		seq:     binary.LittleEndian.Uint32(hdr[18:22]),
		lacing:  lacing,
		body:    body,
	}, nil
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// crcTable is the lookup table for the Ogg CRC-32 (polynomial 0x04c11db7,
// MSB first, zero initial value, no final xor).
var crcTable = func() (t [256]uint32) {
	for i := range t {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

// Checksum computes the Ogg page CRC over the concatenation of parts. The
// checksum field inside the header must be zero while computing it.
func Checksum(parts ...[]byte) uint32 {
	var crc uint32
	for _, p := range parts {
		for _, b := range p {
			crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
		}
	}
	return crc
}
