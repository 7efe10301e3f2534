// Package transcoder drives FFmpeg and FFprobe for the optimization engine.
//
// It provides:
//   - Quality presets (1080p, 720p, 480p) with per-job setting overrides
//   - Media probing with codec name normalization
//   - Three encode strategies: GPU (NVENC, VA-API, VideoToolbox), a tuned
//     software VP9 path, and a generic CPU fallback
//   - Automatic degrade from GPU to CPU when hardware initialization fails
//   - Parsing of FFmpeg's -progress stream into monotonic percent updates
//   - Per-job process tracking so a running encode can be cancelled
//   - Output validation (size, inflation, compression, integrity)
//
// FFmpeg and FFprobe are invoked as subprocesses; their paths are configurable.
package transcoder
