package media

import (
	"strings"
	"testing"
)

func TestMimeType(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		want string
	}{
		{"photo.jpg", "image/jpeg"},
		{"PHOTO.JPEG", "image/jpeg"},
		{"clip.mp4", "video/mp4"},
		{"song.mp3", "audio/mpeg"},
		{"doc.pdf", "application/pdf"},
		{"icon.png", "image/png"},
		{"noext", DefaultMimeType},
		{"weird.zzzz", DefaultMimeType},
	}
	for _, tc := range cases {
		if got := MimeType(tc.name); got != tc.want {
			t.Fatalf("MimeType(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestAllowed(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"a.png", "a.JPG", "a.jpeg", "a.mp4", "a.mp3", "a.pdf"} {
		if !Allowed(ok) {
			t.Fatalf("Allowed(%q) = false", ok)
		}
	}
	for _, bad := range []string{"a.exe", "a", "a.jpg.sh", ".gif"} {
		if Allowed(bad) {
			t.Fatalf("Allowed(%q) = true", bad)
		}
	}
	if got := strings.Join(AllowedExtensions(), ","); got != ".jpeg,.jpg,.mp3,.mp4,.pdf,.png" {
		t.Fatalf("AllowedExtensions() = %s", got)
	}
}

func TestDataURI(t *testing.T) {
	t.Parallel()
	if got := DataURI("image/jpeg", []byte("hi")); got != "data:image/jpeg;base64,aGk=" {
		t.Fatalf("DataURI = %q", got)
	}
	if got := DataURI("", nil); got != "data:application/octet-stream;base64," {
		t.Fatalf("DataURI(empty) = %q", got)
	}
}
