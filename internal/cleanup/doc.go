// Package cleanup reclaims space from failed, stale and orphaned artifacts.
//
// A run executes five passes in order, each isolated from the others:
//
//	corrupted  output files below the size threshold or failing a re-probe
//	orphans    output files no result references
//	temp       staging and chunk files older than TEMP_MAX_AGE
//	database   results whose file is gone, expired terminal jobs
//	history    analytics rows older than ANALYTICS_RETENTION
//
// A failing pass is logged and counted but never stops the run or the
// service. Files younger than ORPHAN_MIN_AGE are left alone by the output
// passes, and staging directories of jobs still in flight are skipped by
// the temp pass. Lifetime totals survive restarts in the metadata table.
package cleanup
