// Package memory keeps the Go heap inside the container budget while leaving
// room for encoder subprocesses.
//
// [ConfigureFromEnv] derives GOMEMLIMIT from MEMORY_LIMIT (usually wired from
// the Kubernetes Downward API) scaled by MEMORY_RATIO. The default ratio is
// lower than for a pure Go service because ffmpeg processes allocate outside
// the Go heap:
//
//	env:
//	- name: MEMORY_LIMIT
//	  valueFrom:
//	    resourceFieldRef:
//	      resource: limits.memory
//	- name: MEMORY_RATIO
//	  value: "0.5"
//
// A [Monitor] samples heap usage and acts as a dispatch gate: while usage is
// above the pause water mark the job dispatcher holds back new jobs, and it
// is woken through [Monitor.Resumed] once usage drops below the resume mark.
package memory
