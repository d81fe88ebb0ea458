package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// rotatingFile is an io.Writer that renames the log file once it reaches
// maxSize bytes and keeps at most maxBackups renamed copies
type rotatingFile struct {
	path        string
	maxSize     int64
	maxBackups  int
	file        *os.File
	currentSize int64
	mu          sync.Mutex
}

func newRotatingFile(path string, maxSize int64, maxBackups int) (*rotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to get log file info: %w", err)
	}

	return &rotatingFile{
		path:        path,
		maxSize:     maxSize,
		maxBackups:  maxBackups,
		file:        file,
		currentSize: info.Size(),
	}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}

	n, err := r.file.Write(p)
	r.currentSize += int64(n)
	if err != nil {
		return n, err
	}

	if r.maxSize > 0 && r.currentSize >= r.maxSize {
		if err := r.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to rotate log file: %v\n", err)
		}
	}
	return n, nil
}

// rotate must be called with r.mu held
func (r *rotatingFile) rotate() error {
	r.file.Close()

	timestamp := time.Now().Format("20060102-150405.000000")
	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	backupPath := filepath.Join(dir, fmt.Sprintf("%s.%s%s", name, timestamp, ext))

	if err := os.Rename(r.path, backupPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to rename log file: %v\n", err)
	}

	r.cleanOldLogs()

	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		r.file = nil
		return fmt.Errorf("failed to create new log file: %w", err)
	}
	r.file = file
	r.currentSize = 0
	return nil
}

func (r *rotatingFile) backups() ([]string, error) {
	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	return filepath.Glob(filepath.Join(dir, name+".*"+ext))
}

func (r *rotatingFile) cleanOldLogs() {
	matches, err := r.backups()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to find old log files: %v\n", err)
		return
	}
	if len(matches) <= r.maxBackups {
		return
	}

	type fileInfo struct {
		path string
		time time.Time
	}
	files := make([]fileInfo, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		files = append(files, fileInfo{match, info.ModTime()})
	}

	// oldest first; names embed the rotation time so they break ties
	sort.Slice(files, func(i, j int) bool {
		if files[i].time.Equal(files[j].time) {
			return files[i].path < files[j].path
		}
		return files[i].time.Before(files[j].time)
	})

	for i := 0; i < len(files)-r.maxBackups; i++ {
		os.Remove(files[i].path)
	}
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
