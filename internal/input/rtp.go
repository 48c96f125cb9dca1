package input

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/metrics"
)

// reorderWindow is how many out-of-order RTP packets are held before the
// receiver gives up on a gap.
const reorderWindow = 16

// rtpStream receives a datagram stream. With the rtp scheme each datagram is
// an RTP packet (RTCP multiplexed on the same port; BYE ends the stream) and
// payloads are delivered in sequence order. With the udp scheme datagrams
// are delivered as-is.
type rtpStream struct {
	forwardOnly
	conn        net.PacketConn
	raw         bool
	readTimeout time.Duration
	buf         []byte
	pending     []byte

	started  bool
	expected uint16
	held     map[uint16][]byte
	lost     int
	ended    bool
}

func (o *Opener) openRTP(ctx context.Context, loc *url.URL) (Stream, error) {
	addr := strings.TrimPrefix(loc.Host, "@")
	if addr == "" {
		return nil, apperrors.NewOpenError(loc.String(), errors.New("rtp locator needs [host]:port"))
	}
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, apperrors.NewOpenError(loc.String(), err)
	}
	size := o.cfg.RTPBufferSize
	if uc, ok := conn.(*net.UDPConn); ok && size > 0 {
		_ = uc.SetReadBuffer(size)
	}
	return &rtpStream{
		forwardOnly: forwardOnly{locator: loc.String()},
		conn:        conn,
		raw:         loc.Scheme == "udp",
		readTimeout: o.cfg.ReadTimeout,
		buf:         make([]byte, 65536),
		held:        make(map[uint16][]byte),
	}, nil
}

// Addr is the bound local address.
func (s *rtpStream) Addr() net.Addr { return s.conn.LocalAddr() }

// Lost counts sequence numbers skipped after the reorder window overflowed.
func (s *rtpStream) Lost() int { return s.lost }

func (s *rtpStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		if s.ended && len(s.held) == 0 {
			return 0, io.EOF
		}
		if s.ended {
			s.drainHeld(true)
			continue
		}
		if err := s.receive(); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	s.pos.Add(int64(n))
	return n, nil
}

func (s *rtpStream) receive() error {
	if s.closed.Load() {
		return apperrors.NewIOError(fs.ErrClosed, false)
	}
	if s.readTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	n, _, err := s.conn.ReadFrom(s.buf)
	if err != nil {
		if s.closed.Load() {
			return io.EOF
		}
		wrapped := ioError(err)
		metrics.IncInputError("rtp", apperrors.IsTransient(wrapped))
		return wrapped
	}
	metrics.AddInputBytes("rtp", n)
	data := s.buf[:n]

	if s.raw {
		s.pending = append(s.pending[:0], data...)
		return nil
	}

	if len(data) < 2 || data[0]>>6 != 2 {
		// not RTP; ignore
		return nil
	}
	if pt := data[1]; pt >= 200 && pt <= 204 {
		return s.handleRTCP(data)
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		metrics.IncInputError("rtp", false)
		return nil
	}
	s.push(pkt.SequenceNumber, append([]byte(nil), pkt.Payload...))
	return nil
}

func (s *rtpStream) handleRTCP(data []byte) error {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		return nil
	}
	for _, p := range pkts {
		if _, ok := p.(*rtcp.Goodbye); ok {
			s.ended = true
		}
	}
	return nil
}

// seqLess compares 16-bit sequence numbers across wraparound.
func seqLess(a, b uint16) bool { return int16(a-b) < 0 }

func (s *rtpStream) push(seq uint16, payload []byte) {
	if !s.started {
		s.started = true
		s.expected = seq
	}
	if seqLess(seq, s.expected) {
		return // late or duplicate
	}
	s.held[seq] = payload
	s.drainHeld(len(s.held) > reorderWindow)
}

// drainHeld moves in-order payloads to pending. With skip set the receiver
// jumps the oldest gap.
func (s *rtpStream) drainHeld(skip bool) {
	for {
		if b, ok := s.held[s.expected]; ok {
			delete(s.held, s.expected)
			s.pending = append(s.pending, b...)
			s.expected++
			continue
		}
		if !skip || len(s.held) == 0 {
			return
		}
		next := s.expected
		first := true
		for seq := range s.held {
			if first || seqLess(seq, next) {
				next = seq
				first = false
			}
		}
		s.lost += int(next - s.expected)
		s.expected = next
		skip = false
	}
}

func (s *rtpStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}
