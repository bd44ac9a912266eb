package directory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const (
	DefaultWorksheet = "GroupIDs"
	DefaultColumn    = "B"
)

type SheetsConfig struct {
	CredentialsFile string
	// Spreadsheet is a spreadsheet id or its browser URL.
	Spreadsheet string
	Worksheet   string
	Column      string
}

// Sheets reads one column of a worksheet through the Sheets API v4.
// The first row is a header and is skipped.
type Sheets struct {
	svc           *sheets.Service
	spreadsheetID string
	rng           string
}

var spreadsheetURL = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9_-]+)`)

// ParseSpreadsheetID accepts a bare id or a docs.google.com URL.
func ParseSpreadsheetID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("spreadsheet is empty")
	}
	if m := spreadsheetURL.FindStringSubmatch(s); m != nil {
		return m[1], nil
	}
	if strings.ContainsAny(s, "/:?#") {
		return "", fmt.Errorf("cannot find spreadsheet id in %q", s)
	}
	return s, nil
}

// a1Range builds a whole-column range such as "GroupIDs!B:B", quoting sheet names that need it.
func a1Range(worksheet, column string) string {
	name := worksheet
	if strings.ContainsAny(name, " '!:") {
		name = "'" + strings.ReplaceAll(name, "'", "''") + "'"
	}
	return name + "!" + column + ":" + column
}

// NewSheets builds the API client. The credentials file (service account) is used with a
// read-only scope; extra opts are appended (endpoint overrides in tests).
func NewSheets(ctx context.Context, cfg SheetsConfig, opts ...option.ClientOption) (*Sheets, error) {
	id, err := ParseSpreadsheetID(cfg.Spreadsheet)
	if err != nil {
		return nil, err
	}
	worksheet := strings.TrimSpace(cfg.Worksheet)
	if worksheet == "" {
		worksheet = DefaultWorksheet
	}
	column := strings.ToUpper(strings.TrimSpace(cfg.Column))
	if column == "" {
		column = DefaultColumn
	}

	all := []option.ClientOption{option.WithScopes(sheets.SpreadsheetsReadonlyScope)}
	if path := strings.TrimSpace(cfg.CredentialsFile); path != "" {
		all = append(all, option.WithCredentialsFile(path))
	}
	all = append(all, opts...)

	svc, err := sheets.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("sheets client: %w", err)
	}
	return &Sheets{svc: svc, spreadsheetID: id, rng: a1Range(worksheet, column)}, nil
}

func (s *Sheets) Key() string { return "sheets:" + s.spreadsheetID + "/" + s.rng }

func (s *Sheets) ListGroupIDs(ctx context.Context) ([]string, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, s.rng).
		MajorDimension("COLUMNS").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.rng, err)
	}
	if len(resp.Values) == 0 || len(resp.Values[0]) <= 1 {
		return []string{}, nil
	}
	cells := resp.Values[0][1:]
	out := make([]string, 0, len(cells))
	for _, c := range cells {
		if c == nil {
			out = append(out, "")
			continue
		}
		out = append(out, fmt.Sprint(c))
	}
	return out, nil
}
