// Package urlx provides small URL and filename utilities used across the project.
package urlx

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

// NormalizeBase trims trailing slashes and forces an http(s) scheme onto
// a CDN or origin base URL.
func NormalizeBase(base string) string {
	b := strings.TrimSpace(base)
	b = strings.TrimRight(b, "/")
	if b == "" {
		return b
	}
	if !strings.HasPrefix(b, "http://") && !strings.HasPrefix(b, "https://") {
		b = "https://" + b
	}
	return b
}

// JoinPublic joins a normalized base and an object name into the public URL.
func JoinPublic(base, objectName string) string {
	return NormalizeBase(base) + "/" + strings.TrimLeft(objectName, "/")
}

// FileNameFromDisposition extracts a filename from a Content-Disposition
// header value. Returns "" when none is present.
func FileNameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	if n := params["filename"]; n != "" {
		return SanitizeFileName(n)
	}
	return ""
}

// FileNameFromURL falls back to the URL path basename; query and
// fragment are ignored. Returns "" when the path has no usable name.
func FileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return ""
	}
	return SanitizeFileName(base)
}

// SanitizeFileName strips path separators, control characters and
// characters that object storages commonly reject.
func SanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 32 || r == 127:
			continue
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// SplitExt splits a filename into base and extension (extension keeps
// the leading dot, lowercased).
func SplitExt(name string) (base, ext string) {
	ext = strings.ToLower(path.Ext(name))
	base = strings.TrimSuffix(name, path.Ext(name))
	return base, ext
}
