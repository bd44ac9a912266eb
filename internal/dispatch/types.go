package dispatch

import (
	"context"
	"fmt"

	"groupcast/internal/gateway"
)

// Attachment is one uploaded file. MimeType may be empty; it is then derived from Filename.
type Attachment struct {
	Filename string
	Data     []byte
	MimeType string
}

type Request struct {
	Message     string
	Attachments []Attachment
}

type ItemKind string

const (
	KindText  ItemKind = "text"
	KindMedia ItemKind = "media"
)

// Item records one tallied result. Count is the number of tally units it stands for:
// 1, or the whole recipient count when an attachment failed before per-recipient results.
type Item struct {
	Kind      ItemKind `json:"kind"`
	Recipient string   `json:"recipient,omitempty"`
	Filename  string   `json:"filename,omitempty"`
	OK        bool     `json:"ok"`
	Err       string   `json:"error,omitempty"`
	Count     int      `json:"count"`
}

// String renders the item as one status line.
func (it Item) String() string {
	if it.OK {
		if it.Filename != "" {
			return it.Filename + " sent to " + it.Recipient
		}
		return "sent to " + it.Recipient
	}
	switch {
	case it.Kind == KindMedia && it.Recipient != "":
		return fmt.Sprintf("%s to %s failed: %s", it.Filename, it.Recipient, it.Err)
	case it.Count > 1:
		return fmt.Sprintf("%s (%d recipients)", it.Err, it.Count)
	}
	return it.Err
}

// Outcome is the tally of one run. Items are in send order.
type Outcome struct {
	Recipients int    `json:"recipients"`
	Success    int    `json:"success"`
	Failure    int    `json:"failure"`
	Items      []Item `json:"items"`
}

func (o *Outcome) add(it Item) {
	if it.Count <= 0 {
		it.Count = 1
	}
	if it.OK {
		o.Success += it.Count
	} else {
		o.Failure += it.Count
	}
	o.Items = append(o.Items, it)
}

// Observer is told about every item as soon as it is tallied. Calls are serialized.
type Observer func(Item)

// Directory lists raw recipient ids.
type Directory interface {
	ListGroupIDs(ctx context.Context) ([]string, error)
}

// Gateway is the messaging gateway as seen by the dispatcher.
type Gateway interface {
	SendText(ctx context.Context, to, message string) error
	SendMediaMulti(ctx context.Context, req gateway.MediaRequest) (gateway.MediaResponse, error)
}
