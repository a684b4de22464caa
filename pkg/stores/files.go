package stores

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// MediaPrefix 本地文件的公开访问前缀
const MediaPrefix = "/uploads"

// FileStore 附件等二进制文件存储
type FileStore interface {
	Read(key string) (io.ReadCloser, int64, error)
	Write(key string, r io.Reader) (int64, error)
	Delete(key string) error
	Exists(key string) (bool, error)
	PublicURL(key string) string
}

type LocalStore struct {
	Root        string
	NewDirPerm  os.FileMode
	MediaPrefix string
}

func NewLocalStore(root string) *LocalStore {
	if root == "" {
		root = "./uploads"
	}
	return &LocalStore{Root: root, NewDirPerm: 0o755, MediaPrefix: MediaPrefix}
}

func (l *LocalStore) Delete(key string) error {
	fname, err := resolve(l.Root, key)
	if err != nil {
		return err
	}
	if err := os.Remove(fname); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l *LocalStore) Exists(key string) (bool, error) {
	fname, err := resolve(l.Root, key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fname)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (l *LocalStore) Read(key string) (io.ReadCloser, int64, error) {
	fname, err := resolve(l.Root, key)
	if err != nil {
		return nil, 0, err
	}
	st, err := os.Stat(fname)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(fname)
	if err != nil {
		return nil, 0, err
	}
	return f, st.Size(), nil
}

// Write 返回写入字节数
func (l *LocalStore) Write(key string, r io.Reader) (int64, error) {
	fname, err := resolve(l.Root, key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(fname), l.NewDirPerm); err != nil {
		return 0, err
	}
	f, err := os.Create(fname)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(f, r)
}

func (l *LocalStore) PublicURL(key string) string {
	return path.Join(l.MediaPrefix, filepath.ToSlash(key))
}
