package directory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
)

// ErrCredentialsMissing is returned at startup when the service-account file is absent.
var ErrCredentialsMissing = errors.New("directory credentials file missing")

var errNoSource = errors.New("directory source not configured")

// Source lists raw recipient values. Implementations need not filter; the cache does.
type Source interface {
	ListGroupIDs(ctx context.Context) ([]string, error)
	// Key identifies the source for cache persistence; it changes when the source does.
	Key() string
}

// CheckCredentials verifies that path names a readable regular file.
func CheckCredentials(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("%w: no path configured", ErrCredentialsMissing)
	}
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCredentialsMissing, path, err)
	}
	if st.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrCredentialsMissing, path)
	}
	return nil
}

// Static serves a fixed list. Used for local testing and dry runs.
type Static struct {
	ids []string
	key string
}

func NewStatic(ids []string) *Static {
	cp := append([]string(nil), ids...)
	h := fnv.New64a()
	for _, id := range cp {
		_, _ = h.Write([]byte(id))
		_, _ = h.Write([]byte{0})
	}
	return &Static{ids: cp, key: fmt.Sprintf("static:%x", h.Sum64())}
}

func (s *Static) ListGroupIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), s.ids...), nil
}

func (s *Static) Key() string { return s.key }
