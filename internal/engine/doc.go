// Package engine wires the transcoding subsystem together and runs the
// per-job pipeline.
//
// A dispatched job is analyzed first. Rejected files either fail (when the
// input cannot be read at all) or complete with the decision recorded as a
// note. Each accepted quality is then encoded into the job's staging
// directory and validated. Validated outputs are promoted into the output
// tree in the finalizing phase, checksummed and recorded as Results.
//
// A job that produced at least one Result completes even when other
// qualities were rejected by validation; the rejections are kept in its note.
// Process failures that may succeed on a second try abort the attempt and
// leave retrying to the job manager.
//
// Engine also exposes the operations the HTTP adapter serves: submission,
// cancellation, retry, status queries, analysis, storage analytics,
// compression stats, cleanup and accelerator checks, and a progress feed.
package engine
