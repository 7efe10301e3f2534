package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"media-optimizer/internal/logging"
)

// GPUAccel selects the hardware encoder family.
type GPUAccel string

// Supported acceleration modes.
const (
	GPUAccelNone         GPUAccel = "none"
	GPUAccelAuto         GPUAccel = "auto"
	GPUAccelNVIDIA       GPUAccel = "nvidia"
	GPUAccelVAAPI        GPUAccel = "vaapi"
	GPUAccelVideoToolbox GPUAccel = "videotoolbox"
)

// Strategy names the encode path used for one run.
type Strategy string

// Encode strategies.
const (
	StrategyGPU Strategy = "gpu"
	StrategyVP9 Strategy = "vp9"
	StrategyCPU Strategy = "cpu"
)

const defaultVAAPIDevice = "/dev/dri/renderD128"

// Hardware encoder names per family and codec.
var gpuEncoderNames = map[GPUAccel]map[string]string{
	GPUAccelNVIDIA:       {"h264": "h264_nvenc", "h265": "hevc_nvenc"},
	GPUAccelVAAPI:        {"h264": "h264_vaapi", "h265": "hevc_vaapi"},
	GPUAccelVideoToolbox: {"h264": "h264_videotoolbox", "h265": "hevc_videotoolbox"},
}

var cpuEncoderNames = map[string]string{
	"h264": "libx264",
	"h265": "libx265",
	"vp9":  "libvpx-vp9",
}

// ParseGPUAccel maps a configuration value onto a mode. Empty means auto.
func ParseGPUAccel(s string) (GPUAccel, error) {
	switch GPUAccel(strings.ToLower(strings.TrimSpace(s))) {
	case "", GPUAccelAuto:
		return GPUAccelAuto, nil
	case GPUAccelNone:
		return GPUAccelNone, nil
	case GPUAccelNVIDIA:
		return GPUAccelNVIDIA, nil
	case GPUAccelVAAPI:
		return GPUAccelVAAPI, nil
	case GPUAccelVideoToolbox:
		return GPUAccelVideoToolbox, nil
	}
	return GPUAccelNone, fmt.Errorf("unknown GPU acceleration mode %q", s)
}

func detectionOrder(mode GPUAccel) []GPUAccel {
	if mode != GPUAccelAuto {
		return []GPUAccel{mode}
	}
	order := []GPUAccel{GPUAccelNVIDIA, GPUAccelVAAPI}
	if runtime.GOOS == "darwin" {
		order = append(order, GPUAccelVideoToolbox)
	}
	return order
}

// detectGPU resolves the requested mode to a working hardware encoder, or
// leaves the GPU disabled. The caller holds gpuMu.
func (t *Transcoder) detectGPU(ctx context.Context) {
	t.gpuDetectionDone = true
	start := time.Now()

	available, err := t.listEncoders(ctx)
	if err != nil {
		t.gpuError = err.Error()
		logging.Warn("GPU detection: cannot list ffmpeg encoders: %v", err)
		return
	}

	for _, accel := range detectionOrder(t.gpuAccel) {
		found := make(map[string]string)
		for codec, name := range gpuEncoderNames[accel] {
			if available[name] {
				found[codec] = name
			}
		}
		if len(found) == 0 {
			logging.Debug("GPU detection: no %s encoders compiled into ffmpeg", accel)
			continue
		}
		if accel == GPUAccelVAAPI {
			if _, err := os.Stat(t.vaapiDevice); err != nil {
				logging.Debug("GPU detection: VA-API device %s unavailable: %v", t.vaapiDevice, err)
				continue
			}
		}

		probe := found["h264"]
		if probe == "" {
			probe = found["h265"]
		}
		if err := t.testEncode(ctx, accel, probe); err != nil {
			logging.Debug("GPU detection: %s test encode failed: %v", probe, err)
			t.gpuError = err.Error()
			continue
		}

		t.gpuAccel = accel
		t.gpuAvailable = true
		t.gpuEncoders = found
		t.gpuEncoder = probe
		t.gpuError = ""
		if accel == GPUAccelVAAPI {
			t.gpuInitFilter = "format=nv12,hwupload"
		}
		logging.Info("GPU acceleration enabled: %s (%s) detected in %v", accel, probe, time.Since(start).Round(time.Millisecond))
		return
	}

	if t.gpuError == "" {
		t.gpuError = "no usable hardware encoder found"
	}
	logging.Info("GPU acceleration unavailable (%s), using software encoders", t.gpuError)
}

// listEncoders parses `ffmpeg -encoders` into a set of encoder names.
func (t *Transcoder) listEncoders(ctx context.Context) (map[string]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, t.ffmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, &ProcessError{Tool: "ffmpeg", ExitCode: exitCode(err), Err: err}
	}
	return parseEncoderList(out), nil
}

// parseEncoderList reads lines such as " V....D h264_nvenc  NVIDIA NVENC H.264 encoder".
func parseEncoderList(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || len(fields[0]) != 6 || strings.Trim(fields[0], "VASFXBD.") != "" {
			continue
		}
		if fields[1] == "=" {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}

// testEncode encodes one second of a synthetic source to prove the encoder
// initializes on this host.
func (t *Transcoder) testEncode(ctx context.Context, accel GPUAccel, encoder string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error"}
	if accel == GPUAccelVAAPI {
		args = append(args, "-vaapi_device", t.vaapiDevice)
	}
	args = append(args, "-f", "lavfi", "-i", "testsrc2=duration=1:size=320x240:rate=25")
	if accel == GPUAccelVAAPI {
		args = append(args, "-vf", "format=nv12,hwupload")
	}
	args = append(args, "-c:v", encoder, "-f", "null", "-")

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &ProcessError{Tool: "ffmpeg", ExitCode: exitCode(err), Stderr: stderr.String(), Err: err}
	}
	return nil
}

// selectStrategy picks the encode path and encoder for a codec.
func (t *Transcoder) selectStrategy(codec string) (Strategy, string) {
	if codec == "vp9" {
		return StrategyVP9, cpuEncoderNames["vp9"]
	}

	t.gpuMu.RLock()
	defer t.gpuMu.RUnlock()
	if t.gpuAvailable {
		if enc, ok := t.gpuEncoders[codec]; ok {
			return StrategyGPU, enc
		}
	}
	return StrategyCPU, cpuEncoder(codec)
}

func cpuEncoder(codec string) string {
	if enc, ok := cpuEncoderNames[codec]; ok {
		return enc
	}
	return cpuEncoderNames["h264"]
}

// disableGPU turns hardware encoding off after an initialization failure so
// later jobs go straight to the CPU path.
func (t *Transcoder) disableGPU(reason error) {
	t.gpuMu.Lock()
	defer t.gpuMu.Unlock()
	if !t.gpuAvailable {
		return
	}
	logging.Warn("Disabling %s hardware encoding: %v", t.gpuAccel, reason)
	t.gpuAvailable = false
	t.gpuError = UserMessage(reason)
}

// GPUStatus reports the resolved acceleration state.
func (t *Transcoder) GPUStatus() (GPUAccel, bool, string) {
	t.gpuMu.RLock()
	defer t.gpuMu.RUnlock()
	return t.gpuAccel, t.gpuAvailable, t.gpuEncoder
}

// buildArgs assembles the full ffmpeg command line for one encode.
func (t *Transcoder) buildArgs(req Request, strategy Strategy, encoder string) []string {
	p := req.Preset
	args := []string{"-hide_banner", "-nostdin", "-y"}

	t.gpuMu.RLock()
	accel := t.gpuAccel
	t.gpuMu.RUnlock()

	if strategy == StrategyGPU && accel == GPUAccelVAAPI {
		args = append(args, "-vaapi_device", t.vaapiDevice)
	}
	args = append(args, "-i", req.InputPath, "-map", "0:v:0", "-map", "0:a:0?")

	width, height := p.ScaledDimensions(req.SourceWidth, req.SourceHeight)
	scale := req.SourceHeight > p.Height || req.SourceHeight <= 0

	switch strategy {
	case StrategyGPU:
		args = t.addGPUEncoderArgs(args, accel, encoder, p, width, height, scale)
	case StrategyVP9:
		args = addVP9EncoderArgs(args, p, width, height, scale, t.threads)
	default:
		args = addCPUEncoderArgs(args, encoder, p, width, height, scale)
	}

	args = addAudioArgs(args, p)
	if p.Container == "mp4" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, "-progress", "pipe:1", "-nostats", "-f", p.Container, req.OutputPath)
}

func (t *Transcoder) addGPUEncoderArgs(args []string, accel GPUAccel, encoder string, p Preset, width, height int, scale bool) []string {
	switch accel {
	case GPUAccelNVIDIA:
		if scale {
			args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", width, height))
		}
		args = append(args,
			"-c:v", encoder,
			"-preset", "p4",
			"-rc", "vbr",
			"-cq", strconv.Itoa(p.CRF),
			"-maxrate", kbps(p.VideoBitrate),
			"-bufsize", kbps(p.VideoBitrate*2),
			"-pix_fmt", "yuv420p",
		)
	case GPUAccelVAAPI:
		filter := t.gpuInitFilter
		if filter == "" {
			filter = "format=nv12,hwupload"
		}
		if scale {
			filter += fmt.Sprintf(",scale_vaapi=w=%d:h=%d", width, height)
		}
		args = append(args,
			"-vf", filter,
			"-c:v", encoder,
			"-qp", strconv.Itoa(p.CRF),
		)
	case GPUAccelVideoToolbox:
		if scale {
			args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", width, height))
		}
		args = append(args,
			"-c:v", encoder,
			"-b:v", kbps(p.VideoBitrate),
			"-pix_fmt", "yuv420p",
		)
	}
	if p.Codec == "h265" && p.Container == "mp4" {
		args = append(args, "-tag:v", "hvc1")
	}
	return args
}

func addCPUEncoderArgs(args []string, encoder string, p Preset, width, height int, scale bool) []string {
	if scale {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", width, height))
	}
	args = append(args,
		"-c:v", encoder,
		"-preset", p.SpeedPreset,
		"-crf", strconv.Itoa(p.CRF),
		"-maxrate", kbps(p.VideoBitrate),
		"-bufsize", kbps(p.VideoBitrate*2),
		"-pix_fmt", "yuv420p",
	)
	if p.Codec == "h265" && p.Container == "mp4" {
		args = append(args, "-tag:v", "hvc1")
	}
	return args
}

// addVP9EncoderArgs uses constrained quality with row multithreading and
// tile columns sized to the output width.
func addVP9EncoderArgs(args []string, p Preset, width, height int, scale bool, threads int) []string {
	if scale {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", width, height))
	}
	args = append(args,
		"-c:v", cpuEncoderNames["vp9"],
		"-crf", strconv.Itoa(p.CRF),
		"-b:v", kbps(p.VideoBitrate),
		"-row-mt", "1",
		"-tile-columns", strconv.Itoa(vp9TileColumns(width)),
		"-deadline", "good",
		"-cpu-used", "2",
		"-pix_fmt", "yuv420p",
	)
	if threads > 0 {
		args = append(args, "-threads", strconv.Itoa(threads))
	}
	return args
}

// vp9TileColumns returns log2 of the tile count; each tile must be at least
// 256 pixels wide.
func vp9TileColumns(width int) int {
	n := 0
	for n < 4 && width/(256<<(n+1)) >= 1 {
		n++
	}
	return n
}

func addAudioArgs(args []string, p Preset) []string {
	codec := "aac"
	if p.Container == "webm" {
		codec = "libopus"
	}
	return append(args, "-c:a", codec, "-b:a", kbps(p.AudioBitrate))
}

func kbps(n int) string {
	return strconv.Itoa(n) + "k"
}
