package modelversion

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// ErrConflict is returned by Swap when the pointer moved since it was read.
var ErrConflict = errors.New("active pointer changed concurrently")

// Pointer is the single mutable reference to the active version directory.
// Target names are directory base names relative to the model root; "" means
// nothing is active.
type Pointer interface {
	Load() (string, error)
	// Swap moves the pointer from old to new, failing with ErrConflict if it
	// no longer points at old.
	Swap(old, new string) error
}

// SymlinkPointer is a symlink inside the model root. Swap writes a temporary
// link and renames it over the old one, so readers never see a missing or
// half-written link.
type SymlinkPointer struct {
	mu   sync.Mutex
	path string
}

func NewSymlinkPointer(path string) *SymlinkPointer {
	return &SymlinkPointer{path: path}
}

func (p *SymlinkPointer) Path() string { return p.path }

func (p *SymlinkPointer) Load() (string, error) {
	target, err := os.Readlink(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read active pointer: %w", err)
	}
	return filepath.Base(target), nil
}

func (p *SymlinkPointer) Swap(old, new string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, err := p.Load()
	if err != nil {
		return err
	}
	if cur != old {
		return fmt.Errorf("%w: expected %q, found %q", ErrConflict, old, cur)
	}

	tmp := filepath.Join(filepath.Dir(p.path), "."+filepath.Base(p.path)+"-"+uuid.NewString())
	if err := os.Symlink(new, tmp); err != nil {
		return fmt.Errorf("failed to create temporary link: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace active pointer: %w", err)
	}
	return nil
}

// MemoryPointer keeps the active name in memory.
type MemoryPointer struct {
	mu     sync.Mutex
	target string
}

func (p *MemoryPointer) Load() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target, nil
}

func (p *MemoryPointer) Swap(old, new string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.target != old {
		return fmt.Errorf("%w: expected %q, found %q", ErrConflict, old, p.target)
	}
	p.target = new
	return nil
}
