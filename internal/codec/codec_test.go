package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/media"
)

func TestDefaultRegistryCodecs(t *testing.T) {
	r := DefaultRegistry()
	for _, c := range []media.Codec{
		media.CodecH264, media.CodecAAC, media.CodecPCMS16LE, media.CodecPCMS16BE,
		media.CodecPCMF32LE, media.CodecRawVideo, media.CodecText, media.CodecWebVTT,
	} {
		assert.True(t, r.Supports(c), "codec %s", c)
	}
	assert.False(t, r.Supports(media.CodecHEVC))
	assert.Len(t, r.Codecs(), 8)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("pcm", []media.Codec{media.CodecPCMS16LE}, newPCMDecoder))

	err := r.Register("pcm", []media.Codec{media.CodecPCMF32LE}, newPCMDecoder)
	assert.Error(t, err, "same name")

	err = r.Register("other", []media.Codec{media.CodecPCMS16LE}, newPCMDecoder)
	assert.Error(t, err, "same codec")

	assert.Error(t, r.Register("", []media.Codec{media.CodecText}, newTextDecoder))
	assert.Error(t, r.Register("none", nil, newTextDecoder))
}

func TestRegistryUnsupportedCodec(t *testing.T) {
	r := DefaultRegistry()
	_, err := r.New(media.StreamInfo{ID: 3, Codec: media.CodecOpus}, Options{})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeUnsupportedFormat))
	assert.Equal(t, apperrors.StageDecode, apperrors.StageOf(err, ""))
}

func TestRegistryNewWrapsDecoder(t *testing.T) {
	r := DefaultRegistry()
	d, err := r.New(media.StreamInfo{ID: 1, Kind: media.KindAudio, Codec: media.CodecPCMS16LE, SampleRate: 8000, Channels: 1}, Options{})
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, "pcm", d.Name())
	_, err = d.Retrieve()
	assert.True(t, errors.Is(err, ErrNeedMorePackets))

	require.NoError(t, d.Submit(&media.Packet{StreamID: 1, Data: []byte{1, 0, 2, 0}}))
	f, err := d.Retrieve()
	require.NoError(t, err)
	assert.Equal(t, 2, f.Format.Samples)
}

func TestDecoderClosedRejectsPackets(t *testing.T) {
	r := DefaultRegistry()
	infos := []media.StreamInfo{
		{Codec: media.CodecH264},
		{Codec: media.CodecAAC},
		{Codec: media.CodecPCMS16LE, SampleRate: 8000},
		{Codec: media.CodecRawVideo, Width: 2, Height: 2},
		{Codec: media.CodecText},
	}
	for _, info := range infos {
		t.Run(string(info.Codec), func(t *testing.T) {
			d, err := r.New(info, Options{})
			require.NoError(t, err)
			require.NoError(t, d.Close())
			err = d.Submit(&media.Packet{Data: []byte{0}})
			assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDecode))
		})
	}
}
