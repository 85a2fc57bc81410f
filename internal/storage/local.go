// Package storage はパノラマルート配下のディスクレイアウトを扱います。
//
// レイアウト:
//
//	<root>/panoramas.json          カタログ
//	<root>/<id>/source<ext>        アップロードされた元画像
//	<root>/<id>/...                krpano が生成したツアー
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CatalogFilename はカタログファイル名です。
const CatalogFilename = "panoramas.json"

const sourceBaseName = "source"

// ErrInvalidID は ID がディレクトリ名として使えない場合に返されます。
var ErrInvalidID = errors.New("invalid panorama id")

// Local はローカルファイルシステム上のパノラマルートを表します。
type Local struct {
	root string
}

// NewLocal はルートディレクトリを作成して Local を返します。
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: abs}, nil
}

// Root はルートディレクトリの絶対パスを返します。
func (l *Local) Root() string {
	return l.root
}

// CatalogPath はカタログファイルのパスを返します。
func (l *Local) CatalogPath() string {
	return filepath.Join(l.root, CatalogFilename)
}

// JobDir はジョブ（パノラマ）ごとのディレクトリを返します。
func (l *Local) JobDir(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	return filepath.Join(l.root, id), nil
}

// SourcePath は元画像の保存先を返します。拡張子は小文字に揃えます。
func (l *Local) SourcePath(id, ext string) (string, error) {
	dir, err := l.JobDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sourceBaseName+strings.ToLower(ext)), nil
}

// SaveSource はストリームを元画像として保存し、書き込んだバイト数を返します。
// 途中で失敗した場合は作成したファイルを削除します。
func (l *Local) SaveSource(id, ext string, r io.Reader) (string, int64, error) {
	dir, err := l.JobDir(id)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create job directory: %w", err)
	}

	path, err := l.SourcePath(id, ext)
	if err != nil {
		return "", 0, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create source file: %w", err)
	}

	written, copyErr := io.Copy(file, r)
	closeErr := file.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if copyErr != nil {
			return "", written, fmt.Errorf("failed to write source file: %w", copyErr)
		}
		return "", written, fmt.Errorf("failed to close source file: %w", closeErr)
	}
	return path, written, nil
}

// RemoveJobDir はジョブディレクトリを丸ごと削除します。存在しない場合は何もしません。
func (l *Local) RemoveJobDir(id string) error {
	dir, err := l.JobDir(id)
	if err != nil {
		return err
	}
	return removeDir(dir)
}

// ListJobDirs はルート直下のディレクトリ一覧を返します。
func (l *Local) ListJobDirs() ([]os.DirEntry, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read storage root: %w", err)
	}
	dirs := make([]os.DirEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry)
		}
	}
	return dirs, nil
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func removeDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
