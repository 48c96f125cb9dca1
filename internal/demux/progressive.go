package demux

import (
	"io"
	"sort"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/pmp4"
	"github.com/pkg/errors"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/input"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/media"
)

type progressiveSample struct {
	pkt media.Packet
	get func() ([]byte, error)
}

// progressiveReader plays a non-fragmented MP4 from its moov sample tables.
// Payloads are fetched from the mdat on demand, so the input must seek.
type progressiveReader struct {
	log     logger.Logger
	infos   []media.StreamInfo
	samples []progressiveSample
	idx     int
	dur     time.Duration
}

func newProgressiveReader(src input.Stream, log logger.Logger) (*progressiveReader, error) {
	if !src.Seekable() {
		return nil, apperrors.NewFormatError("progressive MP4 needs a seekable input", nil)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, apperrors.NewFormatError("rewinding progressive MP4", err)
	}

	var pres pmp4.Presentation
	if err := pres.Unmarshal(src); err != nil {
		return nil, apperrors.NewFormatError("unsupported progressive MP4 layout", err)
	}

	r := &progressiveReader{log: log}
	for _, t := range pres.Tracks {
		info, ok := mp4StreamInfo(&fmp4.InitTrack{ID: t.ID, TimeScale: t.TimeScale, Codec: t.Codec})
		if !ok {
			log.WithField("track", t.ID).Debug("Ignoring track")
			continue
		}
		r.infos = append(r.infos, info)

		dts := int64(t.TimeOffset)
		for _, s := range t.Samples {
			ps := progressiveSample{
				pkt: media.Packet{
					StreamID: info.ID,
					DTS:      info.TimeBase.Duration(dts),
					PTS:      info.TimeBase.Duration(dts + int64(s.PTSOffset)),
					Duration: info.TimeBase.Duration(int64(s.Duration)),
				},
				get: s.GetPayload,
			}
			if !s.IsNonSyncSample || info.Kind != media.KindVideo {
				ps.pkt.Flags |= media.FlagKeyframe
			}
			r.samples = append(r.samples, ps)
			dts += int64(s.Duration)
		}
	}
	if len(r.infos) == 0 {
		return nil, apperrors.NewFormatError("no usable tracks", nil)
	}

	// interleave by decode time and rebase on the earliest presentation
	sort.SliceStable(r.samples, func(i, j int) bool { return r.samples[i].pkt.DTS < r.samples[j].pkt.DTS })
	if len(r.samples) > 0 {
		start := r.samples[0].pkt.DTS
		for _, s := range r.samples {
			start = min(start, s.pkt.PTS)
		}
		for i := range r.samples {
			p := &r.samples[i].pkt
			p.PTS -= start
			p.DTS -= start
			r.dur = max(r.dur, p.PTS+p.Duration)
		}
	}
	for i := range r.infos {
		r.infos[i].Duration = r.dur
	}

	log.WithField("samples", len(r.samples)).Debug("Progressive MP4 indexed")
	return r, nil
}

func (r *progressiveReader) streams() []media.StreamInfo { return r.infos }

func (r *progressiveReader) duration() time.Duration { return r.dur }

func (r *progressiveReader) next() (*media.Packet, error) {
	if r.idx >= len(r.samples) {
		return nil, io.EOF
	}
	s := r.samples[r.idx]
	r.idx++

	data, err := s.get()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// truncated mdat
			r.idx = len(r.samples)
			return nil, io.EOF
		}
		if _, ok := apperrors.GetAppError(err); ok {
			return nil, err
		}
		return nil, corrupt(errors.Wrapf(err, "sample %d", r.idx-1))
	}
	pkt := s.pkt
	pkt.Data = data
	return &pkt, nil
}

func (r *progressiveReader) checkpoint() any { return r.idx }

func (r *progressiveReader) restore(cp any) error {
	i, ok := cp.(int)
	if !ok || i < 0 || i > len(r.samples) {
		return errors.Errorf("foreign checkpoint %v", cp)
	}
	r.idx = i
	return nil
}

func (r *progressiveReader) close() error {
	r.samples = nil
	return nil
}
