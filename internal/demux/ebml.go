package demux

import (
	"bufio"
	"io"
	"math/bits"

	"github.com/pkg/errors"
)

// Element IDs are kept with their length marker bits, as written.
const (
	idEBML        uint32 = 0x1A45DFA3
	idSegment     uint32 = 0x18538067
	idSeekHead    uint32 = 0x114D9B74
	idInfo        uint32 = 0x1549A966
	idTracks      uint32 = 0x1654AE6B
	idCues        uint32 = 0x1C53BB6B
	idCluster     uint32 = 0x1F43B675
	idChapters    uint32 = 0x1043A770
	idTags        uint32 = 0x1254C367
	idAttachments uint32 = 0x1941A469
	idTimecode    uint32 = 0xE7
	idSimpleBlock uint32 = 0xA3
	idBlockGroup  uint32 = 0xA0
	idVoid        uint32 = 0xEC
	idCRC32       uint32 = 0xBF

	sizeUnknown = -1

	maxElementSize = 256 << 20
)

var errInvalidVint = errors.New("invalid EBML variable length integer")

// segmentChild reports whether id may only appear directly under Segment.
// Meeting one inside an unknown-size Cluster ends that cluster.
func segmentChild(id uint32) bool {
	switch id {
	case idSeekHead, idInfo, idTracks, idCues, idCluster, idChapters, idTags, idAttachments, idEBML:
		return true
	}
	return false
}

type elementHeader struct {
	id   uint32
	size int64
	off  int64
	raw  []byte
}

// posReader is a buffered reader that tracks the absolute byte offset. The
// Matroska and MP4 readers both walk their containers through one.
type posReader struct {
	src      io.ReadSeeker
	seekable bool
	br       *bufio.Reader
	pos      int64
	// eof is set once the source reported io.EOF, until the next seek.
	eof bool
}

func newPosReader(src io.ReadSeeker, seekable bool) *posReader {
	return &posReader{src: src, seekable: seekable, br: bufio.NewReaderSize(src, 64<<10)}
}

func (r *posReader) Read(p []byte) (int, error) {
	n, err := r.br.Read(p)
	r.pos += int64(n)
	if errors.Is(err, io.EOF) {
		r.eof = true
	}
	return n, err
}

func (r *posReader) ReadByte() (byte, error) {
	b, err := r.br.ReadByte()
	if err == nil {
		r.pos++
	}
	return b, err
}

func (r *posReader) seek(off int64) error {
	if off == r.pos {
		return nil
	}
	if !r.seekable {
		if off > r.pos {
			return r.skip(off - r.pos)
		}
		return errors.Errorf("cannot rewind to %d", off)
	}
	if _, err := r.src.Seek(off, io.SeekStart); err != nil {
		return err
	}
	r.br.Reset(r.src)
	r.pos = off
	r.eof = false
	return nil
}

func (r *posReader) skip(n int64) error {
	if n <= int64(r.br.Buffered()) || !r.seekable {
		m, err := io.CopyN(io.Discard, r, n)
		if err == nil && m < n {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	return r.seek(r.pos + n)
}

// vint reads a variable length integer. With keepMarker the length marker
// stays in the value, which is how IDs are compared.
func (r *posReader) vint(maxLen int, keepMarker bool, raw *[]byte) (int64, bool, error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, false, err
	}
	*raw = append(*raw, b0)
	if b0 == 0 {
		return 0, false, errInvalidVint
	}
	l := bits.LeadingZeros8(b0) + 1
	if l > maxLen {
		return 0, false, errInvalidVint
	}

	mask := byte(0xff >> l)
	allOnes := b0&mask == mask
	v := int64(b0)
	if !keepMarker {
		v = int64(b0 & mask)
	}
	for i := 1; i < l; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, false, unexpected(err)
		}
		*raw = append(*raw, b)
		v = v<<8 | int64(b)
		allOnes = allOnes && b == 0xff
	}
	return v, allOnes, nil
}

func (r *posReader) header() (elementHeader, error) {
	h := elementHeader{off: r.pos, raw: make([]byte, 0, 12)}
	id, _, err := r.vint(4, true, &h.raw)
	if err != nil {
		return h, err
	}
	size, unknown, err := r.vint(8, false, &h.raw)
	if err != nil {
		return h, unexpected(err)
	}
	h.id = uint32(id)
	h.size = size
	if unknown {
		h.size = sizeUnknown
	}
	return h, nil
}

// body reads the payload of h.
func (r *posReader) body(h elementHeader) ([]byte, error) {
	if h.size < 0 || h.size > maxElementSize {
		return nil, errors.Errorf("element %#x has unusable size %d", h.id, h.size)
	}
	b := make([]byte, h.size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, unexpected(err)
	}
	return b, nil
}

// element reads the payload of h and returns header and payload together,
// the form the ebml decoder expects.
func (r *posReader) element(h elementHeader) ([]byte, error) {
	b, err := r.body(h)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(h.raw)+len(b))
	return append(append(out, h.raw...), b...), nil
}

// resync scans forward to the next Cluster ID and returns the position
// just after it.
func (r *posReader) resync() error {
	var window uint32
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		window = window<<8 | uint32(b)
		if window == idCluster {
			return nil
		}
	}
}

func readUint(b []byte) int64 {
	var v int64
	for _, x := range b {
		v = v<<8 | int64(x)
	}
	return v
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
