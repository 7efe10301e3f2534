package mediatypes

import (
	"testing"
)

func TestGetFileType(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		want FileType
	}{
		{
			name: "MP4 video",
			ext:  ".mp4",
			want: FileTypeVideo,
		},
		{
			name: "MKV video",
			ext:  ".mkv",
			want: FileTypeVideo,
		},
		{
			name: "Transport stream",
			ext:  ".m2ts",
			want: FileTypeVideo,
		},
		{
			name: "Image is not video",
			ext:  ".jpg",
			want: FileTypeOther,
		},
		{
			name: "Unknown extension",
			ext:  ".xyz",
			want: FileTypeOther,
		},
		{
			name: "Empty extension",
			ext:  "",
			want: FileTypeOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetFileType(tt.ext)
			if got != tt.want {
				t.Errorf("GetFileType(%q) = %v, want %v", tt.ext, got, tt.want)
			}
		})
	}
}

func TestGetMimeType(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		want string
	}{
		{
			name: "MP4 mime type",
			ext:  ".mp4",
			want: "video/mp4",
		},
		{
			name: "Matroska mime type",
			ext:  ".mkv",
			want: "video/x-matroska",
		},
		{
			name: "WebM mime type",
			ext:  ".webm",
			want: "video/webm",
		},
		{
			name: "Unknown extension returns octet-stream",
			ext:  ".unknown",
			want: "application/octet-stream",
		},
		{
			name: "Empty extension returns octet-stream",
			ext:  "",
			want: "application/octet-stream",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetMimeType(tt.ext)
			if got != tt.want {
				t.Errorf("GetMimeType(%q) = %v, want %v", tt.ext, got, tt.want)
			}
		})
	}
}

func TestIsVideo(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/media/movie.MKV", true},
		{"/media/clip.mp4", true},
		{"relative/show.VoB", true},
		{"/media/poster.webp", false},
		{"/media/notes.txt", false},
		{"/media/noext", false},
	}

	for _, tt := range tests {
		if got := IsVideo(tt.path); got != tt.want {
			t.Errorf("IsVideo(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestIsOutput(t *testing.T) {
	if !IsOutput("/out/a_720p.mp4") || !IsOutput("/out/a_720p.WEBM") {
		t.Error("mp4 and webm outputs should be recognized")
	}
	if IsOutput("/out/a_720p.mkv") {
		t.Error("mkv is not an output container")
	}
}

func TestEveryVideoExtensionHasMimeType(t *testing.T) {
	for ext := range VideoExtensions {
		if _, ok := MimeTypes[ext]; !ok {
			t.Errorf("Expected %s to have a MIME type", ext)
		}
	}
}
