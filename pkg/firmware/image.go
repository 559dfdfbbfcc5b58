package firmware

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/openfroyo/dtoverlay/pkg/overlay"
)

// Image is a loaded firmware blob. It implements overlay.Blob.
type Image struct {
	// Name is the requested name.
	Name string

	// Location is where the blob was read from, with any compression suffix.
	Location string

	// Compression is "", "zstd" or "gzip".
	Compression string

	scheme   string
	data     []byte
	released bool
}

var _ overlay.Blob = (*Image)(nil)

// Bytes returns the decompressed blob. It is nil after release.
func (i *Image) Bytes() []byte {
	return i.data
}

// Size returns the decompressed size in bytes.
func (i *Image) Size() int {
	return len(i.data)
}

// candidate is one name to try, in fallback order.
type candidate struct {
	suffix      string
	compression string
}

var candidates = []candidate{
	{"", ""},
	{".zst", "zstd"},
	{".gz", "gzip"},
}

// readImage reads r fully, decompressing it, and enforces limit on the result.
func readImage(r io.Reader, compression string, limit int64) ([]byte, error) {
	switch compression {
	case "zstd":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var buf bytes.Buffer
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	if limit > 0 && int64(buf.Len()) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return buf.Bytes(), nil
}

// validName rejects names that could reach outside a search path.
func validName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case strings.HasPrefix(name, "/"):
		return fmt.Errorf("%w: %s is absolute", ErrInvalidName, name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: contains NUL", ErrInvalidName)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return fmt.Errorf("%w: %s escapes the search path", ErrInvalidName, name)
		}
	}
	return nil
}

// tracker counts images handed out and not yet released.
type tracker struct {
	mu          sync.Mutex
	outstanding int
}

func (t *tracker) handOut(img *Image) *Image {
	t.mu.Lock()
	t.outstanding++
	t.mu.Unlock()
	return img
}

// release drops the image data once; it reports whether this call released it.
func (t *tracker) release(blob overlay.Blob) bool {
	img, ok := blob.(*Image)
	if !ok || img == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if img.released {
		return false
	}
	img.released = true
	img.data = nil
	t.outstanding--
	return true
}

// Outstanding returns how many images have been requested and not released.
func (t *tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding
}
