package store

import (
	"os"
	"path/filepath"
)

// WriteFileAtomic replaces path with data via write-to-temp-then-rename.
// The temp file is created in the target directory so the rename stays on
// one filesystem, and is fsynced before the swap. Readers never observe a
// partially written file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return IOErr("write_atomic", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return IOErr("write_atomic", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return IOErr("write_atomic", path, err)
	}
	if err := tmp.Close(); err != nil {
		return IOErr("write_atomic", path, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return IOErr("write_atomic", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return IOErr("write_atomic", path, err)
	}
	cleanup = false
	return nil
}

// AppendLine appends one line (the trailing newline is added here) to a
// JSONL log and fsyncs before returning. Append-or-nothing: on any error
// the caller must treat the write as failed; no separator is emitted
// without its payload.
func AppendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return IOErr("append", path, err)
	}
	defer f.Close()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return IOErr("append", path, err)
	}
	if err := f.Sync(); err != nil {
		return IOErr("append", path, err)
	}
	return nil
}
