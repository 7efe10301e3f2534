// Package storage manages where transcoded files live and how much space
// they use.
//
// Path layout:
//   - Outputs go under OUTPUT_DIR, bucketed by date (2006/01/02) or
//     mirrored from the input's path relative to MEDIA_DIR
//   - File names are "<stem>_<quality>.<ext>"; long stems are truncated and
//     suffixed with a short BLAKE2b hash, and collisions get -1, -2 suffixes
//   - Encodes are staged under TEMP_DIR/<jobID>/ and promoted after validation
//
// Storage analytics are computed by walking the output, temp and chunk
// trees and cross-checking persisted results against the filesystem. The
// snapshot is cached in memory and in the storage_analytics table with a
// freshness window, so it survives restarts. Every size is reported both as
// raw bytes and as a human-readable string.
package storage
