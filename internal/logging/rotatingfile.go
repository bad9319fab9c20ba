package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotatingFile is a minimal size-based rotating writer: once the
// current file exceeds maxBytes, it is renamed to "<name>.1" (shifting
// any existing numbered backups up by one, dropping anything past
// backups), and a fresh file is opened in its place.
//
// No rotation library appears anywhere in the example pack, and the
// policy here (5 MB x 5 backups) is small enough that reproducing it
// directly over os.File is more faithful than adopting an unvetted
// dependency for a few lines of rename logic.
type RotatingFile struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	backups  int
	file     *os.File
	size     int64
}

// OpenRotatingFile opens (creating if necessary) name under dir.
func OpenRotatingFile(dir, name string, maxBytes int64, backups int) (*RotatingFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	rf := &RotatingFile{path: path, maxBytes: maxBytes, backups: backups}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *RotatingFile) open() error {
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", rf.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	rf.file = f
	rf.size = info.Size()
	return nil
}

// Write implements io.Writer, rotating first if the write would push
// the file past maxBytes.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.size+int64(len(p)) > rf.maxBytes {
		if err := rf.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

func (rf *RotatingFile) rotate() error {
	if err := rf.file.Close(); err != nil {
		return err
	}

	for i := rf.backups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", rf.path, i)
		dst := fmt.Sprintf("%s.%d", rf.path, i+1)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, dst)
		}
	}
	if rf.backups > 0 {
		_ = os.Rename(rf.path, rf.path+".1")
	}

	return rf.open()
}

// Close closes the underlying file.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.file.Close()
}
