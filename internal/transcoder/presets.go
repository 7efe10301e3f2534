package transcoder

import (
	"fmt"
	"strconv"
	"strings"
)

// Preset fixes the encode parameters for one quality level.
type Preset struct {
	Quality      string `json:"quality"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	VideoBitrate int    `json:"videoBitrate"` // kbps
	AudioBitrate int    `json:"audioBitrate"` // kbps
	Codec        string `json:"codec"`        // canonical codec name
	Container    string `json:"container"`
	CRF          int    `json:"crf"`
	SpeedPreset  string `json:"speedPreset"` // x264/x265 -preset
}

var presets = map[string]Preset{
	"1080p": {Quality: "1080p", Width: 1920, Height: 1080, VideoBitrate: 4000, AudioBitrate: 128, Codec: "h264", Container: "mp4", CRF: 23, SpeedPreset: "medium"},
	"720p":  {Quality: "720p", Width: 1280, Height: 720, VideoBitrate: 2500, AudioBitrate: 128, Codec: "h264", Container: "mp4", CRF: 24, SpeedPreset: "medium"},
	"480p":  {Quality: "480p", Width: 854, Height: 480, VideoBitrate: 1000, AudioBitrate: 96, Codec: "h264", Container: "mp4", CRF: 26, SpeedPreset: "medium"},
}

// qualityOrder lists quality labels from highest to lowest.
var qualityOrder = []string{"1080p", "720p", "480p"}

// Qualities returns the known quality labels, highest first.
func Qualities() []string {
	return append([]string(nil), qualityOrder...)
}

// LookupPreset returns the preset for a quality label.
func LookupPreset(quality string) (Preset, bool) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(quality))]
	return p, ok
}

// Codecs an encode may target, mapped to their container.
var targetContainers = map[string]string{
	"h264": "mp4",
	"h265": "mp4",
	"vp9":  "webm",
}

// Setting keys understood by WithSettings.
const (
	SettingCodec        = "codec"
	SettingCRF          = "crf"
	SettingVideoBitrate = "video_bitrate"
	SettingAudioBitrate = "audio_bitrate"
	SettingSpeedPreset  = "speed_preset"
)

var speedPresets = map[string]bool{
	"ultrafast": true, "superfast": true, "veryfast": true, "faster": true, "fast": true,
	"medium": true, "slow": true, "slower": true, "veryslow": true,
}

// WithSettings applies per-job overrides. Unknown keys are ignored.
func (p Preset) WithSettings(settings map[string]string) (Preset, error) {
	if len(settings) == 0 {
		return p, nil
	}

	crfSet := false
	if v, ok := settings[SettingCRF]; ok && v != "" {
		crf, err := strconv.Atoi(v)
		if err != nil || crf < 0 || crf > 63 {
			return p, fmt.Errorf("invalid %s %q: must be an integer between 0 and 63", SettingCRF, v)
		}
		p.CRF = crf
		crfSet = true
	}

	if v, ok := settings[SettingCodec]; ok && v != "" {
		codec := NormalizeCodec(v)
		container, supported := targetContainers[codec]
		if !supported {
			return p, fmt.Errorf("unsupported target %s %q", SettingCodec, v)
		}
		if codec != p.Codec && !crfSet {
			// Equivalent visual quality sits higher on the x265 and VP9 scales.
			switch codec {
			case "h265":
				p.CRF += 5
			case "vp9":
				p.CRF += 8
			}
		}
		p.Codec = codec
		p.Container = container
	}

	for key, dst := range map[string]*int{
		SettingVideoBitrate: &p.VideoBitrate,
		SettingAudioBitrate: &p.AudioBitrate,
	} {
		v, ok := settings[key]
		if !ok || v == "" {
			continue
		}
		kbps, err := parseKbps(v)
		if err != nil {
			return p, fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = kbps
	}

	if v, ok := settings[SettingSpeedPreset]; ok && v != "" {
		if !speedPresets[v] {
			return p, fmt.Errorf("invalid %s %q", SettingSpeedPreset, v)
		}
		p.SpeedPreset = v
	}

	return p, nil
}

// parseKbps accepts "2500", "2500k" or "2.5M".
func parseKbps(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "k"):
		s = strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		s = strings.TrimSuffix(s, "m")
		mult = 1000
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("must be a positive bitrate")
	}
	return int(f * mult), nil
}

// Extension returns the output file extension including the dot.
func (p Preset) Extension() string {
	return "." + p.Container
}

// ScaledDimensions returns the output size for a source, keeping the aspect
// ratio and never upscaling. Both values are even.
func (p Preset) ScaledDimensions(srcWidth, srcHeight int) (int, int) {
	if srcWidth <= 0 || srcHeight <= 0 {
		return even(p.Width), even(p.Height)
	}
	if srcHeight <= p.Height {
		return even(srcWidth), even(srcHeight)
	}
	w := int(float64(srcWidth) * float64(p.Height) / float64(srcHeight))
	return even(w), even(p.Height)
}

func even(n int) int {
	if n%2 != 0 {
		return n - 1
	}
	return n
}
