// Package mediatypes holds the container tables shared by the analyzer,
// storage manager and cleanup service.
//
// It has no dependencies beyond the standard library so any package can
// import it without creating cycles.
//
// # Extension Detection
//
// Extensions are compared lowercase with the leading dot:
//
//	if mediatypes.IsVideo(path) {
//	    // candidate for analysis
//	}
//
// # MIME Types
//
// GetMimeType returns the content type for a container extension:
//
//	mediatypes.GetMimeType(".mkv") // "video/x-matroska"
package mediatypes
