// Package media classifies attachments by filename and encodes them for the gateway.
package media

import (
	"encoding/base64"
	"mime"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultMimeType is used when the extension is unknown.
const DefaultMimeType = "application/octet-stream"

// builtin pins the types of the upload allow-list so results do not depend on the host's mime.types.
var builtin = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".mp4":  "video/mp4",
	".mp3":  "audio/mpeg",
	".pdf":  "application/pdf",
}

var allowed = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".mp4": {}, ".mp3": {}, ".pdf": {},
}

// Ext returns the lower-cased extension of filename including the dot ("" if none).
func Ext(filename string) string {
	return strings.ToLower(filepath.Ext(strings.TrimSpace(filename)))
}

// MimeType infers a content type from the filename extension.
func MimeType(filename string) string {
	ext := Ext(filename)
	if ext == "" {
		return DefaultMimeType
	}
	if t, ok := builtin[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		// drop parameters such as "; charset=utf-8"
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
		return t
	}
	return DefaultMimeType
}

// Allowed reports whether filename has an extension the upload form accepts.
func Allowed(filename string) bool {
	_, ok := allowed[Ext(filename)]
	return ok
}

// AllowedExtensions lists the accepted extensions, sorted, with the leading dot.
func AllowedExtensions() []string {
	out := make([]string, 0, len(allowed))
	for ext := range allowed {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// DataURI encodes data as "data:<mimeType>;base64,<payload>".
func DataURI(mimeType string, data []byte) string {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = DefaultMimeType
	}
	var b strings.Builder
	b.Grow(len("data:;base64,") + len(mimeType) + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString("data:")
	b.WriteString(mimeType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}
