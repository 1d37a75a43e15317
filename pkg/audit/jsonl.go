package audit

import (
	"fmt"
	"os"
)

// jsonlWriter appends newline-delimited records to a file, rotating it to a
// single .1 sibling once it exceeds maxSize.
type jsonlWriter struct {
	path    string
	maxSize int64
	file    *os.File
	size    int64
}

func newJSONLWriter(path string, maxSize int64) (*jsonlWriter, error) {
	w := &jsonlWriter{path: path, maxSize: maxSize}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *jsonlWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G302 G304 - operator-chosen path
	if err != nil {
		return fmt.Errorf("failed to open audit log %s: %w", w.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat audit log %s: %w", w.path, err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// WriteLine appends one record, rotating first if the file would exceed the
// size threshold.
func (w *jsonlWriter) WriteLine(line []byte) error {
	if w.size+int64(len(line))+1 > w.maxSize {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.file.Write(append(line, '\n'))
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (w *jsonlWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log for rotation: %w", err)
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}
	return w.open()
}

func (w *jsonlWriter) Close() error {
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}
