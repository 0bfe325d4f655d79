package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"swarmd/internal/descriptor"
)

// FileSpec places one descriptor file on disk.
type FileSpec struct {
	Path   string
	Offset int64
	Length int64
}

// FileStore maps the concatenated piece space onto files on disk. Files are
// opened lazily, read-only until the first write.
type FileStore struct {
	files []FileSpec
	root  string

	mu       sync.Mutex
	handles  map[int]*os.File
	writable map[int]bool
}

// NewFileStore lays the descriptor's files out under root.
func NewFileStore(root string, d *descriptor.Descriptor) *FileStore {
	specs := make([]FileSpec, len(d.Files))
	for i, f := range d.Files {
		specs[i] = FileSpec{
			Path:   filepath.Join(append([]string{root}, f.Path...)...),
			Offset: f.Offset,
			Length: f.Length,
		}
	}
	return &FileStore{files: specs, root: root, handles: make(map[int]*os.File), writable: make(map[int]bool)}
}

// NewFileStoreAt uses explicit locations, for seeding files that live in
// different directories.
func NewFileStoreAt(specs []FileSpec) *FileStore {
	return &FileStore{files: specs, handles: make(map[int]*os.File), writable: make(map[int]bool)}
}

// CreateEmpty creates the zero-length files, which no write ever touches.
// Existing files are left as they are.
func (fs *FileStore) CreateEmpty() error {
	for _, spec := range fs.files {
		if spec.Length != 0 {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(spec.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		f, err := os.OpenFile(spec.Path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("failed to create empty file: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to create empty file: %w", err)
		}
	}
	return nil
}

func (fs *FileStore) open(i int, write bool) (*os.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if f, ok := fs.handles[i]; ok && (!write || fs.writable[i]) {
		return f, nil
	}
	if f, ok := fs.handles[i]; ok {
		f.Close()
		delete(fs.handles, i)
	}

	path := fs.files[i].Path
	var (
		f   *os.File
		err error
	)
	if write {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	} else {
		f, err = os.Open(path)
	}
	if err != nil {
		return nil, err
	}
	fs.handles[i] = f
	fs.writable[i] = write
	return f, nil
}

// span calls fn for every file segment overlapping [off, off+n).
func (fs *FileStore) span(off int64, n int, fn func(i int, fileOff int64, lo, hi int) error) error {
	idx := sort.Search(len(fs.files), func(i int) bool {
		return fs.files[i].Offset+fs.files[i].Length > off
	})
	pos := 0
	for i := idx; i < len(fs.files) && pos < n; i++ {
		f := fs.files[i]
		if f.Length == 0 {
			continue
		}
		fileOff := off + int64(pos) - f.Offset
		chunk := f.Length - fileOff
		if rem := int64(n - pos); chunk > rem {
			chunk = rem
		}
		if err := fn(i, fileOff, pos, pos+int(chunk)); err != nil {
			return err
		}
		pos += int(chunk)
	}
	if pos < n {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (fs *FileStore) ReadAt(p []byte, off int64) (int, error) {
	read := 0
	err := fs.span(off, len(p), func(i int, fileOff int64, lo, hi int) error {
		f, err := fs.open(i, false)
		if err != nil {
			return err
		}
		n, err := f.ReadAt(p[lo:hi], fileOff)
		read += n
		if err == io.EOF && n == hi-lo {
			err = nil
		}
		return err
	})
	return read, err
}

func (fs *FileStore) WriteAt(p []byte, off int64) (int, error) {
	written := 0
	err := fs.span(off, len(p), func(i int, fileOff int64, lo, hi int) error {
		f, err := fs.open(i, true)
		if err != nil {
			return err
		}
		n, err := f.WriteAt(p[lo:hi], fileOff)
		written += n
		return err
	})
	return written, err
}

func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var firstErr error
	for i, f := range fs.handles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s: %w", fs.files[i].Path, err)
		}
	}
	fs.handles = make(map[int]*os.File)
	fs.writable = make(map[int]bool)
	return firstErr
}

// Delete closes and removes every file, then prunes directories left empty
// below the root.
func (fs *FileStore) Delete() error {
	if err := fs.Close(); err != nil {
		return err
	}
	dirs := make(map[string]bool)
	for _, f := range fs.files {
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete file: %w", err)
		}
		dirs[filepath.Dir(f.Path)] = true
	}
	if fs.root == "" {
		return nil
	}
	for dir := range dirs {
		if err := removeEmptyDirs(dir, fs.root); err != nil {
			return err
		}
	}
	return nil
}

func removeEmptyDirs(dir, root string) error {
	for dir != root && len(dir) > len(root) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				dir = filepath.Dir(dir)
				continue
			}
			return fmt.Errorf("failed to read directory %s: %w", dir, err)
		}
		if len(entries) > 0 {
			return nil
		}
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove empty directory %s: %w", dir, err)
		}
		dir = filepath.Dir(dir)
	}
	return nil
}
