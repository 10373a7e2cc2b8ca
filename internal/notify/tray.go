package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Tray is a Poster that keeps the active notifications by tag. The daemon
// exposes it to clients; it also writes each post to the log.
type Tray struct {
	logger *zap.Logger

	mu     sync.RWMutex
	active map[string]*Descriptor
	posts  int
}

// NewTray returns an empty tray.
func NewTray(logger *zap.Logger) *Tray {
	return &Tray{logger: logger, active: make(map[string]*Descriptor)}
}

func (t *Tray) Post(_ context.Context, d *Descriptor) error {
	t.mu.Lock()
	t.active[d.Tag] = d
	t.posts++
	t.mu.Unlock()
	t.logger.Debug("tray post", zap.String("tag", d.Tag), zap.String("title", d.Title))
	return nil
}

// Cancel removes the notification under tag. Canceling a tag that holds
// nothing, or a notification of another type, is a no-op.
func (t *Tray) Cancel(_ context.Context, tag string, typ Type) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.active[tag]; ok && d.Type == typ {
		delete(t.active, tag)
		t.logger.Debug("tray cancel", zap.String("tag", tag))
	}
	return nil
}

// Active returns the posted notifications sorted by tag.
func (t *Tray) Active() []*Descriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Descriptor, 0, len(t.active))
	for _, d := range t.active {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *Descriptor) int { return strings.Compare(a.Tag, b.Tag) })
	return out
}

// Get returns the notification posted under tag, or nil.
func (t *Tray) Get(tag string) *Descriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active[tag]
}

// Posts counts every Post call.
func (t *Tray) Posts() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.posts
}

// ErrUnsupportedURI is returned for images a loader cannot fetch.
var ErrUnsupportedURI = errors.New("unsupported image uri")

// FileLoader loads images from file: uris and plain paths under Root.
type FileLoader struct {
	Root string
}

func (l FileLoader) Load(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", uri, err)
	}
	var path string
	switch u.Scheme {
	case "file":
		path = u.Path
	case "":
		path = uri
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedURI, uri)
	}
	if l.Root != "" {
		root, err := os.OpenRoot(l.Root)
		if err != nil {
			return nil, err
		}
		defer root.Close()
		return root.ReadFile(strings.TrimPrefix(path, "/"))
	}
	return os.ReadFile(path)
}
