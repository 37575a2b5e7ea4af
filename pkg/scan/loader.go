package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/twinfer/espscan/pkg/espformat"
	"github.com/twinfer/espscan/pkg/formid"
	"github.com/twinfer/espscan/pkg/walker"
)

// ErrMissingInput is returned when a file in the load order cannot be read.
var ErrMissingInput = errors.New("missing input file")

// ErrHeaderSize is returned by FSLoader.LoadHeader when the TES4 record claims more bytes
// than the file holds.
var ErrHeaderSize = errors.New("plugin header larger than file")

// Loader fetches the bytes of one file. Implementations must be safe for concurrent use.
type Loader interface {
	Load(ctx context.Context, f formid.FileMeta) ([]byte, error)
}

// HeaderLoader is implemented by loaders that can read just the leading TES4 record.
type HeaderLoader interface {
	LoadHeader(ctx context.Context, f formid.FileMeta) ([]byte, error)
}

// FSLoader reads files from disk. A file's Path is used when set; otherwise its Name is
// joined onto Dir.
type FSLoader struct {
	Dir string
}

func (l FSLoader) path(f formid.FileMeta) string {
	if f.Path != "" {
		return f.Path
	}
	return filepath.Join(l.Dir, f.Name)
}

func (l FSLoader) Load(_ context.Context, f formid.FileMeta) ([]byte, error) {
	data, err := os.ReadFile(l.path(f))
	if err != nil {
		return nil, wrapMissing(f, err)
	}
	return data, nil
}

// LoadHeader reads the record header, then the rest of the TES4 record.
func (l FSLoader) LoadHeader(_ context.Context, f formid.FileMeta) ([]byte, error) {
	file, err := os.Open(l.path(f))
	if err != nil {
		return nil, wrapMissing(f, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.Name, err)
	}

	head := make([]byte, espformat.RecordHeaderSize)
	if _, err := io.ReadFull(file, head); err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", f.Name, err)
	}
	size, err := walker.PluginHeaderSize(head)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Name, err)
	}
	if int64(size) > info.Size() {
		return nil, fmt.Errorf("%s: %w: header record declares %d bytes, file has %d", f.Name, ErrHeaderSize, size, info.Size())
	}
	buf := make([]byte, size)
	copy(buf, head)
	if _, err := io.ReadFull(file, buf[len(head):]); err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", f.Name, err)
	}
	return buf, nil
}

func wrapMissing(f formid.FileMeta, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s: %w", ErrMissingInput, f.Name, err)
	}
	return fmt.Errorf("reading %s: %w", f.Name, err)
}

// MemoryLoader serves files from memory, keyed by case-insensitive name.
type MemoryLoader struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemoryLoader creates a loader preloaded with files.
func NewMemoryLoader(files map[string][]byte) *MemoryLoader {
	l := &MemoryLoader{files: make(map[string][]byte, len(files))}
	for name, data := range files {
		l.Put(name, data)
	}
	return l
}

// Put adds or replaces a file.
func (l *MemoryLoader) Put(name string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files[strings.ToLower(name)] = data
}

func (l *MemoryLoader) Load(_ context.Context, f formid.FileMeta) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	data, ok := l.files[strings.ToLower(f.Name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingInput, f.Name)
	}
	return data, nil
}
