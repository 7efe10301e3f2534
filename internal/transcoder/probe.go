package transcoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// MediaInfo is the subset of ffprobe output the engine relies on.
// VideoCodec is normalized; RawVideoCodec is what ffprobe reported.
type MediaInfo struct {
	Path          string        `json:"path"`
	Container     string        `json:"container"`
	Duration      time.Duration `json:"duration"`
	Size          int64         `json:"size"`
	BitRate       int64         `json:"bitRate"`
	HasVideo      bool          `json:"hasVideo"`
	VideoCodec    string        `json:"videoCodec"`
	RawVideoCodec string        `json:"rawVideoCodec"`
	VideoBitRate  int64         `json:"videoBitRate"`
	Width         int           `json:"width"`
	Height        int           `json:"height"`
	FrameRate     float64       `json:"frameRate"`
	AudioCodec    string        `json:"audioCodec,omitempty"`
	AudioBitRate  int64         `json:"audioBitRate,omitempty"`
}

// Prober probes a media file.
type Prober interface {
	Probe(ctx context.Context, path string) (*MediaInfo, error)
}

// Probe runs a single ffprobe JSON call against path.
func (t *Transcoder) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	cmd := exec.CommandContext(ctx, t.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProcessError{
			Tool:     "ffprobe",
			ExitCode: exitCode(err),
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}

	info, err := ParseProbe(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	info.Path = path
	return info, nil
}

// ParseProbe converts raw ffprobe JSON output into a MediaInfo.
func ParseProbe(data []byte) (*MediaInfo, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe JSON: %w", err)
	}

	info := &MediaInfo{
		Container: strings.Split(raw.Format.FormatName, ",")[0],
		Duration:  time.Duration(parseFloat(raw.Format.Duration) * float64(time.Second)),
		Size:      parseInt64(raw.Format.Size),
		BitRate:   parseInt64(raw.Format.BitRate),
	}

	for i := range raw.Streams {
		s := &raw.Streams[i]
		switch s.CodecType {
		case "video":
			if info.HasVideo || s.Disposition["attached_pic"] == 1 {
				continue
			}
			info.HasVideo = true
			info.RawVideoCodec = s.CodecName
			info.VideoCodec = NormalizeCodec(s.CodecName)
			info.VideoBitRate = parseInt64(s.BitRate)
			info.Width = s.Width
			info.Height = s.Height
			info.FrameRate = parseFrameRate(s.AvgFrameRate)
			if info.Duration == 0 {
				info.Duration = time.Duration(parseFloat(s.Duration) * float64(time.Second))
			}
		case "audio":
			if info.AudioCodec != "" {
				info.AudioBitRate += parseInt64(s.BitRate)
				continue
			}
			info.AudioCodec = s.CodecName
			info.AudioBitRate = parseInt64(s.BitRate)
		}
	}

	// Containers such as MKV often omit per-stream bitrates.
	if info.HasVideo && info.VideoBitRate == 0 && info.BitRate > 0 {
		info.VideoBitRate = info.BitRate - info.AudioBitRate
		if info.VideoBitRate < 0 {
			info.VideoBitRate = 0
		}
	}
	return info, nil
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type ffprobeStream struct {
	CodecName    string         `json:"codec_name"`
	CodecType    string         `json:"codec_type"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	BitRate      string         `json:"bit_rate"`
	Duration     string         `json:"duration"`
	AvgFrameRate string         `json:"avg_frame_rate"`
	Disposition  map[string]int `json:"disposition"`
}

var codecAliases = map[string]string{
	"avc":        "h264",
	"avc1":       "h264",
	"x264":       "h264",
	"libx264":    "h264",
	"hevc":       "h265",
	"x265":       "h265",
	"libx265":    "h265",
	"hvc1":       "h265",
	"hev1":       "h265",
	"av01":       "av1",
	"libaom-av1": "av1",
	"libdav1d":   "av1",
	"libsvtav1":  "av1",
	"vp09":       "vp9",
	"libvpx-vp9": "vp9",
	"libvpx":     "vp8",
	"vp08":       "vp8",
	"xvid":       "mpeg4",
	"divx":       "mpeg4",
	"dx50":       "mpeg4",
	"fmp4":       "mpeg4",
	"mp4v":       "mpeg4",
	"msmpeg4v2":  "msmpeg4",
	"msmpeg4v3":  "msmpeg4",
	"div3":       "msmpeg4",
	"mpeg2video": "mpeg2",
	"mpeg1video": "mpeg1",
	"wmv3":       "wmv",
	"wmv2":       "wmv",
	"wmv1":       "wmv",
	"vc1":        "wmv",
}

// NormalizeCodec maps codec aliases onto a canonical name.
func NormalizeCodec(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := codecAliases[n]; ok {
		return canonical
	}
	return n
}

func parseFrameRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return parseFloat(s)
	}
	d := parseFloat(den)
	if d == 0 {
		return 0
	}
	return parseFloat(num) / d
}

// ffprobe returns numbers as strings.
func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
