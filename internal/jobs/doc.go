// Package jobs implements the transcode job queue and its dispatcher.
//
// State machine:
//
//	queued -> analyzing -> transcoding -> completed
//	                    \-> failed (requeued while attempts < max)
//	any active state    --> cancelled
//
// Every status change goes through a compare-and-set on the job row, so the
// dispatcher, Cancel and a finishing pipeline never overwrite each other.
//
// The dispatch loop wakes on three triggers: a job was enqueued, a running
// job freed its slot, or the earliest deferred retry became due. It never
// polls on a fixed interval. Admission (one active job per input path) is
// enforced by the store's unique index.
package jobs
