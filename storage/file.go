package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/eddielth/telemetry-normalizer/logger"
	"github.com/eddielth/telemetry-normalizer/transformer"
	"github.com/google/uuid"
)

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileStorage writes each record as an indented JSON file under
// <basePath>/<deviceType>/
type FileStorage struct {
	basePath string
}

// NewFileStorage creates basePath if needed
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}

	logger.Info("init file storage: %s", basePath)
	return &FileStorage{
		basePath: basePath,
	}, nil
}

// Store saves record to <deviceType>/<timestamp>-<uuid>.json
func (fs *FileStorage) Store(record transformer.Record) error {
	deviceDir := filepath.Join(fs.basePath, safeDirName(record.DeviceType))
	if err := os.MkdirAll(deviceDir, 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", deviceDir, err)
	}

	filename := filepath.Join(deviceDir, fmt.Sprintf("%d-%s.json", record.Timestamp, uuid.NewString()))

	jsonData, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize record failed: %w", err)
	}

	if err := os.WriteFile(filename, jsonData, 0644); err != nil {
		return fmt.Errorf("write file %s failed: %w", filename, err)
	}

	logger.Debug("stored record to file: %s", filename)
	return nil
}

// Close implements StorageBackend
func (fs *FileStorage) Close() error {
	return nil
}

// safeDirName keeps device types from escaping the base directory
func safeDirName(deviceType string) string {
	name := unsafePathChars.ReplaceAllString(deviceType, "_")
	if name == "" || name == "." || name == ".." {
		return "unknown"
	}
	return name
}
