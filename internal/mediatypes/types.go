package mediatypes

import (
	"path/filepath"
	"strings"
)

// FileType classifies a file by its extension.
type FileType string

const (
	// FileTypeVideo is a container the analyzer accepts as input.
	FileTypeVideo FileType = "video"
	// FileTypeOutput is a container the transcoder writes.
	FileTypeOutput FileType = "output"
	// FileTypeOther is anything else.
	FileTypeOther FileType = "other"
)

// VideoExtensions maps file extensions to whether they are supported input containers.
var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
	".m4v":  true,
	".mpeg": true,
	".mpg":  true,
	".3gp":  true,
	".ts":   true,
	".m2ts": true,
	".vob":  true,
	".ogv":  true,
}

// OutputExtensions lists the containers written by the transcoder.
var OutputExtensions = map[string]bool{
	".mp4":  true,
	".webm": true,
}

// MimeTypes maps file extensions to their MIME types.
var MimeTypes = map[string]string{
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".webm": "video/webm",
	".m4v":  "video/x-m4v",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
	".3gp":  "video/3gpp",
	".ts":   "video/mp2t",
	".m2ts": "video/mp2t",
	".vob":  "video/dvd",
	".ogv":  "video/ogg",
}

// Ext returns the lowercase extension of path including the dot.
func Ext(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// GetFileType returns the FileType for a given file extension.
// Input containers win over output containers, so ".mp4" is a video.
func GetFileType(ext string) FileType {
	if VideoExtensions[ext] {
		return FileTypeVideo
	}
	if OutputExtensions[ext] {
		return FileTypeOutput
	}
	return FileTypeOther
}

// GetMimeType returns the MIME type for a given file extension.
// Returns "application/octet-stream" if the extension is not recognized.
func GetMimeType(ext string) string {
	if mime, ok := MimeTypes[ext]; ok {
		return mime
	}
	return "application/octet-stream"
}

// IsVideo reports whether path has a supported input container extension.
func IsVideo(path string) bool {
	return VideoExtensions[Ext(path)]
}

// IsOutput reports whether path has an extension the transcoder writes.
func IsOutput(path string) bool {
	return OutputExtensions[Ext(path)]
}
