// Package progress keeps live per-job progress and fans it out to
// subscribers.
//
// The tracker consumes job events and maps each pipeline phase onto one
// 0-100 scale per job:
//
//	analyzing     0-10
//	transcoding  10-90
//	finalizing   90-100
//
// Displayed progress never moves backwards within a run; a requeue starts
// the job over at zero. Every update is published on an events.Bus for SSE
// clients and, when configured, to a Redis channel through a Sink. Records
// for finished jobs are pruned after a retention window.
package progress
