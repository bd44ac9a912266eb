package web

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"groupcast/internal/dispatch"
	"groupcast/internal/media"
)

const (
	fieldMessage = "message"
	fieldFiles   = "files"
	// parts beyond this are spooled to disk by mime/multipart
	multipartMemory = 8 << 20
)

var errTooLarge = errors.New("upload exceeds the size limit")

// uploadError is a client mistake reported back on the form.
type uploadError struct{ msg string }

func (e *uploadError) Error() string { return e.msg }

// parseUpload reads the compose form into a request. Files outside the allow-list are rejected.
func parseUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) (dispatch.Request, error) {
	if r.ContentLength > maxBytes {
		return dispatch.Request{}, errTooLarge
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return dispatch.Request{}, errTooLarge
		}
		if errors.Is(err, http.ErrNotMultipart) {
			// plain urlencoded form with a message only
			if perr := r.ParseForm(); perr != nil {
				return dispatch.Request{}, &uploadError{msg: "invalid form: " + perr.Error()}
			}
			return dispatch.Request{Message: r.PostFormValue(fieldMessage)}, nil
		}
		return dispatch.Request{}, &uploadError{msg: "invalid form: " + err.Error()}
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req := dispatch.Request{Message: r.FormValue(fieldMessage)}
	for _, fh := range r.MultipartForm.File[fieldFiles] {
		name := sanitizeFilename(fh.Filename)
		if name == "" {
			continue
		}
		if !media.Allowed(name) {
			return dispatch.Request{}, &uploadError{msg: fmt.Sprintf("%s: file type not allowed (allowed: %s)", name, strings.Join(media.AllowedExtensions(), ", "))}
		}
		data, err := readPart(fh)
		if err != nil {
			return dispatch.Request{}, fmt.Errorf("read %s: %w", name, err)
		}
		req.Attachments = append(req.Attachments, dispatch.Attachment{
			Filename: name,
			Data:     data,
			MimeType: media.MimeType(name),
		})
	}
	return req, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r == 0 || r == '/' {
			return -1
		}
		return r
	}, name)
	if name == "." || name == "/" {
		return ""
	}
	if len(name) > 255 {
		ext := filepath.Ext(name)
		name = name[:255-len(ext)] + ext
	}
	return name
}
