// Package urlx contains tests for the URL utilities.
package urlx

import "testing"

func TestNormalizeBase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://cdn.example.com/", "https://cdn.example.com"},
		{"https://cdn.example.com///", "https://cdn.example.com"},
		{"cdn.example.com", "https://cdn.example.com"},
		{"http://cdn.example.com", "http://cdn.example.com"},
		{"  https://cdn.example.com ", "https://cdn.example.com"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeBase(tt.in); got != tt.want {
			t.Errorf("NormalizeBase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJoinPublic(t *testing.T) {
	got := JoinPublic("https://cdn.example.com/", "/clip-ab12cd34.mp4")
	if got != "https://cdn.example.com/clip-ab12cd34.mp4" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestFileNameFromDisposition(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"plain", `attachment; filename="movie.mp4"`, "movie.mp4"},
		{"unquoted", `attachment; filename=movie.mp4`, "movie.mp4"},
		{"missing", `inline`, ""},
		{"empty", "", ""},
		{"traversal stripped", `attachment; filename="../../etc/passwd"`, ".._.._etc_passwd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FileNameFromDisposition(tt.header); got != tt.want {
				t.Errorf("FileNameFromDisposition(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestFileNameFromURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"basename", "https://host/videos/movie.mp4?sig=abc#t=1", "movie.mp4"},
		{"no path", "https://host/", ""},
		{"bare host", "https://host", ""},
		{"encoded", "https://host/v/My%20Movie.mp4", "My Movie.mp4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FileNameFromURL(tt.raw); got != tt.want {
				t.Errorf("FileNameFromURL(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestSanitizeFileName(t *testing.T) {
	in := "a/b\\c:d*e?f\"g<h>i|j\x00k.mp4"
	got := SanitizeFileName(in)
	if got != "a_b_c_d_e_f_g_h_i_jk.mp4" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestSplitExt(t *testing.T) {
	base, ext := SplitExt("Movie.Trailer.MP4")
	if base != "Movie.Trailer" || ext != ".mp4" {
		t.Fatalf("unexpected: %q %q", base, ext)
	}
	base, ext = SplitExt("noext")
	if base != "noext" || ext != "" {
		t.Fatalf("unexpected: %q %q", base, ext)
	}
}
