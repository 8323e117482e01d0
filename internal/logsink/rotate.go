package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// RotatingFile is an io.WriteCloser that rolls the file over once it would
// exceed MaxBytes, keeping MaxBackups numbered copies (name.1 is the newest).
type RotatingFile struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

// OpenRotatingFile opens (or appends to) path, creating its directory.
func OpenRotatingFile(path string, maxBytes int64, maxBackups int) (*RotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create log dir for %s", path)
	}
	rf := &RotatingFile{path: path, maxBytes: maxBytes, maxBackups: maxBackups}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if rf.maxBytes > 0 && rf.size > 0 && rf.size+int64(len(p)) > rf.maxBytes {
		if err := rf.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// Path returns the active file path.
func (rf *RotatingFile) Path() string { return rf.path }

func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

func (rf *RotatingFile) open() error {
	file, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open log file %s", rf.path)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.Wrapf(err, "stat log file %s", rf.path)
	}
	rf.file = file
	rf.size = info.Size()
	return nil
}

func (rf *RotatingFile) backup(i int) string {
	return fmt.Sprintf("%s.%d", rf.path, i)
}

func (rf *RotatingFile) rotate() error {
	if err := rf.file.Close(); err != nil {
		return errors.Wrap(err, "close log file before rotation")
	}
	rf.file = nil
	if rf.maxBackups <= 0 {
		if err := os.Remove(rf.path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "truncate log file")
		}
		return rf.open()
	}
	_ = os.Remove(rf.backup(rf.maxBackups))
	for i := rf.maxBackups - 1; i >= 1; i-- {
		if _, err := os.Stat(rf.backup(i)); err == nil {
			_ = os.Rename(rf.backup(i), rf.backup(i+1))
		}
	}
	if err := os.Rename(rf.path, rf.backup(1)); err != nil {
		return errors.Wrap(err, "rename log file")
	}
	return rf.open()
}
