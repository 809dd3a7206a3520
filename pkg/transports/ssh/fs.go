package ssh

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/pkg/sftp"

	"github.com/openfroyo/froyopkg/pkg/image"
)

// remoteFS implements image.FS over an SFTP session.
type remoteFS struct {
	client *sftp.Client
}

// NewFS returns the filesystem behind an SFTP session.
func NewFS(client *sftp.Client) image.FS {
	return &remoteFS{client: client}
}

func (r *remoteFS) Stat(name string) (fs.FileInfo, error) {
	info, err := r.client.Stat(name)
	return info, notExist(err)
}

func (r *remoteFS) Lstat(name string) (fs.FileInfo, error) {
	info, err := r.client.Lstat(name)
	return info, notExist(err)
}

func (r *remoteFS) MkdirAll(dir string) error {
	return r.client.MkdirAll(dir)
}

func (r *remoteFS) ReadFile(name string) ([]byte, error) {
	f, err := r.client.Open(name)
	if err != nil {
		return nil, notExist(err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (r *remoteFS) WriteFile(name string, data []byte) error {
	f, err := r.client.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return notExist(err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (r *remoteFS) Remove(name string) error {
	return notExist(r.client.Remove(name))
}

func (r *remoteFS) ReadDir(dir string) ([]fs.FileInfo, error) {
	entries, err := r.client.ReadDir(dir)
	return entries, notExist(err)
}

func (r *remoteFS) Symlink(target, link string) error {
	return r.client.Symlink(target, link)
}

func (r *remoteFS) Readlink(link string) (string, error) {
	target, err := r.client.ReadLink(link)
	return target, notExist(err)
}

// notExist makes SFTP "no such file" statuses match fs.ErrNotExist.
func notExist(err error) error {
	var status *sftp.StatusError
	if errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxNoSuchFile {
		return fmt.Errorf("%w: %v", fs.ErrNotExist, err)
	}
	return err
}
