// Package analyzer decides whether a video file is worth transcoding and at
// which quality levels.
//
// Analysis runs in two steps. Admission checks (existence, minimum size,
// supported container, a successful probe with a video stream) produce a
// typed Rejection when they fail. Files that pass are scored by codec
// efficiency, then each candidate quality is estimated and accepted only if
// it is not already produced, would not inflate the file, would not upscale
// the source, and saves at least the configured percentage.
//
// Rejections and per-quality reasons are values on the returned Analysis,
// never errors. Errors are reserved for cancellation and store failures.
package analyzer
