package stores

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalKV 每个键一个 JSON 文件
type LocalKV struct {
	Root       string
	NewDirPerm os.FileMode
}

func NewLocalKV(root string) (*LocalKV, error) {
	if root == "" {
		root = "./data"
	}
	l := &LocalKV{Root: root, NewDirPerm: 0o755}
	if err := os.MkdirAll(root, l.NewDirPerm); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *LocalKV) path(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return resolve(l.Root, key+".json")
}

func (l *LocalKV) Get(_ context.Context, key string) (string, bool, error) {
	fname, err := l.path(key)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(fname)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// Set 先写临时文件再 rename，避免读到半截内容
func (l *LocalKV) Set(_ context.Context, key, value string) error {
	fname, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fname), l.NewDirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(fname), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), fname)
}

func (l *LocalKV) Delete(_ context.Context, key string) error {
	fname, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fname); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l *LocalKV) Close() error { return nil }
