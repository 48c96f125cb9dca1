package player

import (
	"strings"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
)

// selectStreams picks one video, one audio and one subtitle stream. Streams
// no decoder accepts are skipped. Audio and subtitles prefer the given
// languages, then the default flag, then container order.
func selectStreams(streams []media.StreamInfo, reg *codec.Registry, audioLang, subLang string) []media.StreamInfo {
	var video, audio, sub []media.StreamInfo
	for _, s := range streams {
		if !reg.Supports(s.Codec) {
			continue
		}
		switch s.Kind {
		case media.KindVideo:
			video = append(video, s)
		case media.KindAudio:
			audio = append(audio, s)
		case media.KindSubtitle:
			sub = append(sub, s)
		}
	}

	var out []media.StreamInfo
	if len(video) > 0 {
		out = append(out, pick(video, ""))
	}
	if len(audio) > 0 {
		out = append(out, pick(audio, audioLang))
	}
	if s, ok := pickSubtitle(sub, subLang); ok {
		out = append(out, s)
	}
	return out
}

// pickSubtitle only selects a track matching the preferred language or one
// flagged default.
func pickSubtitle(candidates []media.StreamInfo, lang string) (media.StreamInfo, bool) {
	if s, ok := pickLanguage(candidates, lang); ok {
		return s, true
	}
	for _, s := range candidates {
		if s.Default {
			return s, true
		}
	}
	return media.StreamInfo{}, false
}

func pick(candidates []media.StreamInfo, lang string) media.StreamInfo {
	if s, ok := pickLanguage(candidates, lang); ok {
		return s
	}
	for _, s := range candidates {
		if s.Default {
			return s
		}
	}
	return candidates[0]
}

func pickLanguage(candidates []media.StreamInfo, lang string) (media.StreamInfo, bool) {
	if lang == "" {
		return media.StreamInfo{}, false
	}
	for _, s := range candidates {
		if languageMatches(s.Language, lang) {
			return s, true
		}
	}
	return media.StreamInfo{}, false
}

// languageMatches compares ISO 639 codes loosely: "en", "eng" and "en-US"
// all match "en".
func languageMatches(have, want string) bool {
	have = strings.ToLower(strings.TrimSpace(have))
	want = strings.ToLower(strings.TrimSpace(want))
	if have == "" || want == "" {
		return false
	}
	if have == want {
		return true
	}
	if i := strings.IndexAny(have, "-_"); i > 0 {
		have = have[:i]
	}
	if i := strings.IndexAny(want, "-_"); i > 0 {
		want = want[:i]
	}
	if have == want {
		return true
	}
	if len(have) == 3 && len(want) == 2 {
		return alpha3[have] == want
	}
	if len(have) == 2 && len(want) == 3 {
		return alpha3[want] == have
	}
	return false
}

var alpha3 = map[string]string{
	"eng": "en", "fre": "fr", "fra": "fr", "ger": "de", "deu": "de", "spa": "es",
	"ita": "it", "por": "pt", "dut": "nl", "nld": "nl", "jpn": "ja", "chi": "zh",
	"zho": "zh", "kor": "ko", "rus": "ru", "swe": "sv", "nor": "no", "dan": "da",
	"fin": "fi", "pol": "pl", "tur": "tr", "ara": "ar", "heb": "he", "hin": "hi",
}
