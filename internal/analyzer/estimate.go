package analyzer

import (
	"media-optimizer/internal/transcoder"
)

// EfficientScore is the codec score at or above which a file is left alone.
const EfficientScore = 90

// codecScores rates canonical codecs by compression efficiency.
var codecScores = map[string]int{
	"av1":     95,
	"h265":    92,
	"vp9":     90,
	"h264":    60,
	"vp8":     55,
	"wmv":     35,
	"mpeg4":   30,
	"msmpeg4": 25,
	"mpeg2":   20,
	"mpeg1":   15,
}

// CodecScore returns the efficiency score for a canonical codec, 0 if unknown.
func CodecScore(codec string) int {
	return codecScores[transcoder.NormalizeCodec(codec)]
}

// DefaultHeuristicRatios are output/input size ratios used when the source
// bitrate or duration is unknown. Keyed by source codec, then quality; the
// "" codec entry is the fallback.
var DefaultHeuristicRatios = map[string]map[string]float64{
	"h264":    {"1080p": 0.85, "720p": 0.5, "480p": 0.3},
	"vp8":     {"1080p": 0.8, "720p": 0.5, "480p": 0.3},
	"wmv":     {"1080p": 0.6, "720p": 0.4, "480p": 0.25},
	"mpeg4":   {"1080p": 0.55, "720p": 0.35, "480p": 0.2},
	"msmpeg4": {"1080p": 0.55, "720p": 0.35, "480p": 0.2},
	"mpeg2":   {"1080p": 0.45, "720p": 0.3, "480p": 0.18},
	"mpeg1":   {"1080p": 0.45, "720p": 0.3, "480p": 0.18},
	"":        {"1080p": 0.7, "720p": 0.45, "480p": 0.25},
}

// estimate is a projected output size for one quality.
type estimate struct {
	bytes     int64
	heuristic bool
}

// estimateOutput projects the encoded size of info at preset p.
//
// With a known source bitrate and duration the video bitrate is scaled by
// the pixel ratio and the relative codec efficiency, then capped at the
// preset's target bitrate. Otherwise the heuristic ratio table applies.
func estimateOutput(info *transcoder.MediaInfo, size int64, p transcoder.Preset, ratios map[string]map[string]float64) estimate {
	seconds := info.Duration.Seconds()
	srcVideoBps := info.VideoBitRate
	if srcVideoBps <= 0 && seconds > 0 && size > 0 {
		srcVideoBps = int64(float64(size)*8/seconds) - info.AudioBitRate
	}

	if seconds <= 0 || srcVideoBps <= 0 {
		return estimate{bytes: int64(float64(size) * heuristicRatio(ratios, info.VideoCodec, p.Quality)), heuristic: true}
	}

	outW, outH := p.ScaledDimensions(info.Width, info.Height)
	pixelRatio := 1.0
	if info.Width > 0 && info.Height > 0 {
		pixelRatio = float64(outW*outH) / float64(info.Width*info.Height)
	}

	videoKbps := float64(srcVideoBps) / 1000 * pixelRatio * codecGain(info.VideoCodec, p.Codec)
	videoKbps = min(videoKbps, float64(p.VideoBitrate))

	audioKbps := float64(p.AudioBitrate)
	if info.AudioCodec == "" {
		audioKbps = 0
	}

	return estimate{bytes: int64((videoKbps + audioKbps) * 1000 / 8 * seconds)}
}

// codecGain is the expected size ratio when re-encoding from one codec to
// another at similar visual quality, clamped to [0.3, 1].
func codecGain(from, to string) float64 {
	src := CodecScore(from)
	dst := CodecScore(to)
	if dst == 0 {
		return 1
	}
	if src == 0 {
		return 0.6
	}
	return min(max(float64(src)/float64(dst), 0.3), 1)
}

func heuristicRatio(ratios map[string]map[string]float64, codec, quality string) float64 {
	if byQuality, ok := ratios[codec]; ok {
		if r, ok := byQuality[quality]; ok {
			return r
		}
	}
	if r, ok := ratios[""][quality]; ok {
		return r
	}
	return DefaultHeuristicRatios[""][quality]
}
