package transcoder

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Progress is one normalized update from a running encode.
type Progress struct {
	Percent float64       `json:"percent"`
	OutTime time.Duration `json:"outTime"`
	Frame   int64         `json:"frame"`
	FPS     float64       `json:"fps"`
	Speed   float64       `json:"speed"`
	Done    bool          `json:"done"`
}

// parseProgress consumes ffmpeg's -progress key=value stream. Each block ends
// with a progress=continue|end line, at which point one update is emitted.
// Percent never decreases.
func parseProgress(r io.Reader, total time.Duration, emit func(Progress)) error {
	var cur Progress
	var last float64

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch key {
		case "frame":
			cur.Frame = parseInt64(value)
		case "fps":
			cur.FPS = parseFloat(value)
		case "out_time_us", "out_time_ms":
			// out_time_ms is also microseconds.
			if us := parseInt64(value); us > 0 {
				cur.OutTime = time.Duration(us) * time.Microsecond
			}
		case "out_time":
			if cur.OutTime == 0 {
				cur.OutTime = parseClock(value)
			}
		case "speed":
			cur.Speed = parseFloat(strings.TrimSuffix(value, "x"))
		case "progress":
			cur.Done = value == "end"
			pct := last
			if total > 0 {
				pct = float64(cur.OutTime) / float64(total) * 100
			}
			if cur.Done {
				pct = 100
			}
			pct = min(max(pct, last), 100)
			last = pct
			cur.Percent = pct
			if emit != nil {
				emit(cur)
			}
		}
	}
	return scanner.Err()
}

// parseClock parses HH:MM:SS.micro. ffmpeg reports negative times before
// the first frame; those count as zero.
func parseClock(s string) time.Duration {
	if strings.HasPrefix(s, "-") {
		return 0
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second))
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
