package image

import (
	"io/fs"
	"os"
)

// FS is the file access FSStore needs. Implementations must report missing
// files with errors that wrap fs.ErrNotExist, and ReadDir must describe
// symlinks without following them.
type FS interface {
	Stat(name string) (fs.FileInfo, error)
	Lstat(name string) (fs.FileInfo, error)
	MkdirAll(dir string) error
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
	Remove(name string) error
	ReadDir(dir string) ([]fs.FileInfo, error)
	Symlink(target, link string) error
	Readlink(link string) (string, error)
}

// OSFS is the local filesystem.
type OSFS struct{}

func (OSFS) Stat(name string) (fs.FileInfo, error)  { return os.Stat(name) }
func (OSFS) Lstat(name string) (fs.FileInfo, error) { return os.Lstat(name) }
func (OSFS) MkdirAll(dir string) error              { return os.MkdirAll(dir, 0o755) }
func (OSFS) ReadFile(name string) ([]byte, error)   { return os.ReadFile(name) }
func (OSFS) Remove(name string) error               { return os.Remove(name) }
func (OSFS) Symlink(target, link string) error      { return os.Symlink(target, link) }
func (OSFS) Readlink(link string) (string, error)   { return os.Readlink(link) }

func (OSFS) WriteFile(name string, data []byte) error {
	return os.WriteFile(name, data, 0o644)
}

func (OSFS) ReadDir(dir string) ([]fs.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]fs.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}
