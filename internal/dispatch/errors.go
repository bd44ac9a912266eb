package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrDirectoryUnavailable = errors.New("recipient directory unavailable")
	ErrNoRecipients         = errors.New("no group ids found")
	ErrEmptyBroadcast       = errors.New("message is empty and no files were attached")

	ErrQueueFull  = errors.New("dispatch queue full")
	ErrNotRunning = errors.New("dispatch service not running")
)

// SendError is a per-item failure. Recipient is set for text sends, Filename for attachments.
type SendError struct {
	Recipient string
	Filename  string
	Err       error
}

func (e *SendError) Error() string {
	switch {
	case e.Filename != "" && e.Recipient != "":
		return fmt.Sprintf("send %s to %s: %v", e.Filename, e.Recipient, e.Err)
	case e.Filename != "":
		return fmt.Sprintf("send %s: %v", e.Filename, e.Err)
	default:
		return fmt.Sprintf("send to %s: %v", e.Recipient, e.Err)
	}
}

func (e *SendError) Unwrap() error { return e.Err }

// ErrorKind classifies run-fatal errors for status records and the JSON API.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDirectoryUnavailable):
		return "directory_unavailable"
	case errors.Is(err, ErrNoRecipients):
		return "no_recipients"
	case errors.Is(err, ErrEmptyBroadcast):
		return "empty_broadcast"
	default:
		return "internal"
	}
}
