// Package catalog は変換に成功したパノラマの一覧（panoramas.json）を管理します。
package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record はカタログ1件分です。
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// DirRemover はパノラマのディレクトリを削除します。
type DirRemover interface {
	RemoveJobDir(id string) error
}

// Store はカタログファイル全体を読み込み、変更し、丸ごと書き戻します。
// 同一プロセス内の変更は mu で直列化しますが、複数プロセスから書き込んだ場合は最後の書き込みが勝ちます。
type Store struct {
	path   string
	dirs   DirRemover
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStore は Store を作成します。
func NewStore(path string, dirs DirRemover, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   path,
		dirs:   dirs,
		logger: logger,
	}
}

// List は登録順の一覧を返します。ファイルが無い場合は空の一覧です。
func (s *Store) List() ([]Record, error) {
	return s.load()
}

// Append は1件追加します。
func (s *Store) Append(record Record) error {
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	records = append(records, record)
	return s.save(records)
}

// Rename は名前だけを書き換えます。ID が無い場合は false を返します。
func (s *Store) Rename(id, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return false, err
	}
	idx := indexOf(records, id)
	if idx < 0 {
		return false, nil
	}
	records[idx].Name = name
	if err := s.save(records); err != nil {
		return false, err
	}
	return true, nil
}

// Remove はエントリを削除し、対応するディレクトリも削除します。
// ディレクトリの削除失敗はログに残すだけで、エントリの削除は成功扱いにします。
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return false, err
	}
	idx := indexOf(records, id)
	if idx < 0 {
		return false, nil
	}
	records = append(records[:idx], records[idx+1:]...)
	if err := s.save(records); err != nil {
		return false, err
	}

	if s.dirs != nil {
		if err := s.dirs.RemoveJobDir(id); err != nil {
			s.logger.Error("failed to remove panorama directory", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	return true, nil
}

// Contains は ID がカタログに存在するかを返します。
func (s *Store) Contains(id string) (bool, error) {
	records, err := s.load()
	if err != nil {
		return false, err
	}
	return indexOf(records, id) >= 0, nil
}

func (s *Store) load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	records := []Record{}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// save は temp → fsync → rename でカタログを置き換えます。
func (s *Store) save(records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create catalog directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp catalog: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close catalog: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod catalog: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace catalog: %w", err)
	}
	return nil
}

func indexOf(records []Record, id string) int {
	for i, r := range records {
		if r.ID == id {
			return i
		}
	}
	return -1
}
