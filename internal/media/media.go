// Package media fetches and decodes profile pictures into releasable image handles.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"github.com/agentic-research/starfield/internal/fault"
)

// Config controls fetching and thumbnailing.
type Config struct {
	ThumbnailSize int           `yaml:"thumbnail_size" validate:"gt=0"`
	MaxBytes      int64         `yaml:"max_bytes" validate:"gt=0"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ThumbnailSize: 128,
		MaxBytes:      4 << 20,
		Timeout:       10 * time.Second,
	}
}

// Image is a decoded thumbnail. Its pixels belong to whoever holds the handle
// until Release is called; the image cache releases on eviction.
type Image struct {
	URL    string
	Format string
	pixels *image.RGBA

	released atomic.Bool
}

// NewImage wraps already-decoded pixels.
func NewImage(url string, pixels *image.RGBA) *Image {
	return &Image{URL: url, pixels: pixels}
}

// Pixels returns the thumbnail, or nil after Release.
func (i *Image) Pixels() *image.RGBA {
	if i == nil || i.released.Load() {
		return nil
	}
	return i.pixels
}

// Size returns the thumbnail edge length in pixels.
func (i *Image) Size() int {
	if p := i.Pixels(); p != nil {
		return p.Bounds().Dx()
	}
	return 0
}

// Release drops the pixel buffer. It is safe to call more than once.
func (i *Image) Release() {
	if i == nil {
		return
	}
	if i.released.CompareAndSwap(false, true) {
		i.pixels = nil
	}
}

// Released reports whether Release has been called.
func (i *Image) Released() bool {
	return i == nil || i.released.Load()
}

// Loader fetches images over HTTP. Concurrent loads of the same URL share one
// fetch, which is cancelled once every caller waiting on it has gone.
type Loader struct {
	cfg    Config
	client *http.Client
	group  singleflight.Group
	logger *zap.Logger

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the shared fetch context for one URL.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewLoader creates a loader. A nil client selects a client with cfg.Timeout.
func NewLoader(cfg Config, client *http.Client, logger *zap.Logger) *Loader {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		cfg:     cfg,
		client:  client,
		logger:  logger.Named("media"),
		flights: make(map[string]*flight),
	}
}

// Load fetches, decodes and thumbnails url. Callers that share a URL while a
// fetch is outstanding receive the same handle.
func (l *Loader) Load(ctx context.Context, url string) (*Image, error) {
	l.mu.Lock()
	f := l.flights[url]
	if f == nil {
		f = &flight{}
		f.ctx, f.cancel = context.WithTimeout(context.Background(), l.cfg.Timeout)
		l.flights[url] = f
	}
	f.waiters++
	ch := l.group.DoChan(url, func() (any, error) {
		return l.fetch(f.ctx, url)
	})
	l.mu.Unlock()
	defer l.leave(url, f)

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Image), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// leave drops a caller from f and cancels the fetch when it was the last one.
// Forget makes later callers start a new fetch instead of joining the
// cancelled one.
func (l *Loader) leave(url string, f *flight) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if l.flights[url] == f {
		delete(l.flights, url)
		l.group.Forget(url)
	}
}

func (l *Loader) fetch(ctx context.Context, url string) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("image request %s: %w", url, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image %s: %w: %v", url, fault.ErrTransientNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("fetch image %s: %w", url, fault.ErrNotFound)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("fetch image %s: status %d: %w", url, resp.StatusCode, fault.ErrTransientNetwork)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch image %s: unexpected status %d", url, resp.StatusCode)
	}

	img, err := Decode(io.LimitReader(resp.Body, l.cfg.MaxBytes), l.cfg.ThumbnailSize)
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", url, err)
	}
	img.URL = url
	l.logger.Debug("image loaded", zap.String("url", url), zap.String("format", img.Format))
	return img, nil
}

// ErrEmptyImage is returned for images with no pixels.
var ErrEmptyImage = errors.New("image has no pixels")

// Decode reads a png, jpeg, gif or webp image and scales it into a square
// thumbnail of the given size, center-cropped.
func Decode(r io.Reader, size int) (*Image, error) {
	src, format, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, ErrEmptyImage
	}
	side := min(b.Dx(), b.Dy())
	crop := image.Rect(0, 0, side, side).Add(image.Pt(
		b.Min.X+(b.Dx()-side)/2,
		b.Min.Y+(b.Dy()-side)/2,
	))
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, draw.Over, nil)
	return &Image{Format: format, pixels: dst}, nil
}

// Initials is the sprite text used when a member has no usable picture.
func Initials(username string) string {
	fields := strings.FieldsFunc(username, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []rune
	for _, f := range fields {
		out = append(out, unicode.ToUpper([]rune(f)[0]))
		if len(out) == 2 {
			break
		}
	}
	if len(out) == 0 {
		return "?"
	}
	return string(out)
}
