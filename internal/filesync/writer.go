// Package filesync mirrors ConfigMap data keys into files of a single folder.
package filesync

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemError is returned when a file cannot be written or removed.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

var ErrInvalidFilename = errors.New("invalid filename")

type Writer struct {
	folder string
	logger *slog.Logger
}

func New(folder string, logger *slog.Logger) *Writer {
	return &Writer{folder: folder, logger: logger}
}

func (w *Writer) Folder() string { return w.folder }

// Path returns the file a data key maps to.
func (w *Writer) Path(filename string) (string, error) {
	if filename == "" || filename == "." || filename == ".." ||
		strings.ContainsAny(filename, `/\`) {
		return "", &FilesystemError{Op: "resolve", Path: filename, Err: ErrInvalidFilename}
	}
	return filepath.Join(w.folder, filename), nil
}

// Write creates or overwrites the file with content.
func (w *Writer) Write(filename, content string) error {
	path, err := w.Path(filename)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return &FilesystemError{Op: "write", Path: path, Err: err}
	}
	w.logger.Debug("File written", "path", path, "bytes", len(content))
	return nil
}

// Sync writes content only if the file does not already hold it.
func (w *Writer) Sync(filename, content string) (bool, error) {
	path, err := w.Path(filename)
	if err != nil {
		return false, err
	}
	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, []byte(content)) {
		return false, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, &FilesystemError{Op: "read", Path: path, Err: err}
	}
	if err := w.Write(filename, content); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes the file. A file that is already gone is logged as an
// error but not returned as one: the desired state is reached either way.
func (w *Writer) Remove(filename string) error {
	path, err := w.Path(filename)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	switch {
	case err == nil:
		w.logger.Debug("File removed", "path", path)
		return nil
	case errors.Is(err, fs.ErrNotExist):
		w.logger.Error(fmt.Sprintf("Error: %s file not found", path))
		return nil
	default:
		return &FilesystemError{Op: "remove", Path: path, Err: err}
	}
}

// Exists reports whether the file for filename is present.
func (w *Writer) Exists(filename string) bool {
	path, err := w.Path(filename)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
