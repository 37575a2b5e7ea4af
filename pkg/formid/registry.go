// Package formid turns file-local form ids into load-order global ids.
//
// A form id's top byte indexes the declaring file's master list; the index one past the
// last master means the file itself. Standard files place their load-order byte on top.
// Light files share the 0xFE slot and are told apart by a 12-bit light index.
package formid

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownIndex is returned when a form id's file index is neither a master nor self.
	ErrUnknownIndex = errors.New("file index out of range")
	// ErrUnknownFile is returned when a context file or master is not in the registry.
	ErrUnknownFile = errors.New("file not in registry")
	// ErrLoadOrderRange is returned when a standard file's load order does not fit below 0xFE.
	ErrLoadOrderRange = errors.New("load order out of range")
	// ErrLightRange is returned when a light file's local number or light index exceeds 12 bits.
	ErrLightRange = errors.New("light addressing out of range")
	// ErrDuplicateFile is returned by NewRegistry for repeated names or load orders.
	ErrDuplicateFile = errors.New("duplicate file")
)

const (
	// LightSlot is the top byte shared by every light file.
	LightSlot = 0xFE
	// MaxStandardLoadOrder is the highest load order a standard file can be addressed with.
	MaxStandardLoadOrder = 0xFD
	// MaxLightIndex is the highest light index.
	MaxLightIndex = 0xFFF
)

// FileMeta describes one file in the load order.
type FileMeta struct {
	Name        string   `json:"name" yaml:"name"`
	Path        string   `json:"path,omitempty" yaml:"path,omitempty"`
	LoadOrder   int      `json:"load_order" yaml:"load_order"`
	Masters     []string `json:"masters,omitempty" yaml:"masters,omitempty"`
	IsLight     bool     `json:"is_light,omitempty" yaml:"is_light,omitempty"`
	LightIndex  int      `json:"light_index,omitempty" yaml:"light_index,omitempty"`
	IsLocalized bool     `json:"is_localized,omitempty" yaml:"is_localized,omitempty"`
}

// SelfIndex is the file index a file uses for its own records.
func (m FileMeta) SelfIndex() int { return len(m.Masters) }

// Registry is an immutable snapshot of the load order. It is safe for concurrent reads.
type Registry struct {
	byName  map[string]FileMeta
	ordered []FileMeta
}

// NewRegistry copies files into a registry keyed by lower-cased name, ordered by load
// order. Light files get a LightIndex counting up from zero in load order.
func NewRegistry(files []FileMeta) (*Registry, error) {
	r := &Registry{
		byName:  make(map[string]FileMeta, len(files)),
		ordered: make([]FileMeta, 0, len(files)),
	}
	for _, f := range files {
		f.Masters = append([]string(nil), f.Masters...)
		r.ordered = append(r.ordered, f)
	}
	sort.SliceStable(r.ordered, func(i, j int) bool { return r.ordered[i].LoadOrder < r.ordered[j].LoadOrder })

	orders := make(map[int]string, len(files))
	light := 0
	for i := range r.ordered {
		f := &r.ordered[i]
		key := strings.ToLower(f.Name)
		if key == "" {
			return nil, fmt.Errorf("%w: file at load order %d has no name", ErrUnknownFile, f.LoadOrder)
		}
		if _, dup := r.byName[key]; dup {
			return nil, fmt.Errorf("%w: name %q", ErrDuplicateFile, f.Name)
		}
		if other, dup := orders[f.LoadOrder]; dup {
			return nil, fmt.Errorf("%w: %q and %q share load order %d", ErrDuplicateFile, other, f.Name, f.LoadOrder)
		}
		orders[f.LoadOrder] = f.Name
		if f.IsLight {
			f.LightIndex = light
			light++
		}
		r.byName[key] = *f
	}
	return r, nil
}

// Lookup finds a file by name, ignoring case.
func (r *Registry) Lookup(name string) (FileMeta, bool) {
	f, ok := r.byName[strings.ToLower(name)]
	return f, ok
}

// Files returns the files in load order.
func (r *Registry) Files() []FileMeta {
	return append([]FileMeta(nil), r.ordered...)
}

func (r *Registry) Len() int { return len(r.ordered) }

// Global computes the global id of local number local declared by f.
func Global(f FileMeta, local uint32) (uint32, error) {
	if f.IsLight {
		if local > 0xFFF {
			return 0, fmt.Errorf("%w: local number %#x in light file %s", ErrLightRange, local, f.Name)
		}
		if f.LightIndex < 0 || f.LightIndex > MaxLightIndex {
			return 0, fmt.Errorf("%w: light index %d for %s", ErrLightRange, f.LightIndex, f.Name)
		}
		return LightSlot<<24 | uint32(f.LightIndex)<<12 | local, nil
	}
	if f.LoadOrder < 0 || f.LoadOrder > MaxStandardLoadOrder {
		return 0, fmt.Errorf("%w: %s has load order %d", ErrLoadOrderRange, f.Name, f.LoadOrder)
	}
	return uint32(f.LoadOrder)<<24 | local, nil
}
