package transcoder

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// probeJSON is what the fake ffprobe prints: a 10s 1080p h264 file.
const probeJSON = `{"streams":[{"codec_type":"video","codec_name":"h264","width":1920,"height":1080,"avg_frame_rate":"25/1"},{"codec_type":"audio","codec_name":"aac","bit_rate":"128000"}],"format":{"format_name":"mov,mp4,m4a,3gp,3g2,mj2","duration":"10.0","size":"20000000","bit_rate":"16000000"}}`

// writeScript writes an executable shell script into dir and returns its path.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("Failed to create mock %s: %v", name, err)
	}
	return path
}

// fakeFFprobe prints probeJSON, or fails when the probed path contains "corrupt".
func fakeFFprobe(t *testing.T, dir string) string {
	return writeScript(t, dir, "ffprobe", `for last; do :; done
case "$last" in
  *corrupt*) echo "Invalid data found when processing input" >&2; exit 1 ;;
esac
echo '`+probeJSON+`'
`)
}

// fakeFFmpeg emits two progress blocks and writes a 2 MiB output to the
// last argument.
func fakeFFmpeg(t *testing.T, dir string) string {
	return writeScript(t, dir, "ffmpeg", `for last; do :; done
printf 'frame=125\nfps=50.0\nout_time_us=5000000\nspeed=2.0x\nprogress=continue\n'
printf 'frame=250\nfps=50.0\nout_time_us=10000000\nspeed=2.0x\nprogress=end\n'
dd if=/dev/zero of="$last" bs=1024 count=2048 2>/dev/null
`)
}

func newTestTranscoder(t *testing.T, ffmpeg, ffprobe string) *Transcoder {
	t.Helper()
	return New(t.Context(), Config{
		FFmpegPath:            ffmpeg,
		FFprobePath:           ffprobe,
		GPUAccel:              GPUAccelNone,
		GracePeriod:           time.Second,
		PreventInflation:      true,
		MinCompressionPercent: 5,
	})
}

func writeSizedFile(t *testing.T, path string, size int64) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}
