package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// ErrConfigNotFound は保存された設定が無い場合のエラー
var ErrConfigNotFound = errors.New("stored config not found")

// StoredConfig はデバイスごとに保存される設定
type StoredConfig struct {
	Version string       `toml:"version"`
	Items   []StoredItem `toml:"item"`
}

// StoredItem は設定項目1つ分の値
type StoredItem struct {
	Name   string   `toml:"name"`
	Values []string `toml:"values"`
}

// ConfigStore は vendor と device の組をキーに設定を保存します
type ConfigStore interface {
	Load(vendorID, deviceID string) (*StoredConfig, error)
	Save(vendorID, deviceID string, cfg *StoredConfig) error
}

// FileStore は設定を <vendor>_<device>.toml として Dir に保存します
type FileStore struct {
	Dir string
}

// NewFileStore は dir に保存する FileStore を作成します
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func (s *FileStore) path(vendorID, deviceID string) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s_%s.toml", vendorID, deviceID))
}

// Load は保存された設定を読み込みます。ファイルが無い場合は ErrConfigNotFound を返します
func (s *FileStore) Load(vendorID, deviceID string) (*StoredConfig, error) {
	path := s.path(vendorID, deviceID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, ErrConfigNotFound
	}
	var cfg StoredConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &cfg, nil
}

// Save は一時ファイルに書き込んでから置き換えます
func (s *FileStore) Save(vendorID, deviceID string, cfg *StoredConfig) error {
	if s.Dir != "" {
		if err := os.MkdirAll(s.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create config dir: %w", err)
		}
	}
	path := s.path(vendorID, deviceID)
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// MemoryStore はプロセス内にだけ設定を保持します
type MemoryStore struct {
	mu      sync.Mutex
	configs map[string]StoredConfig
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]StoredConfig)}
}

func (s *MemoryStore) Load(vendorID, deviceID string) (*StoredConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[vendorID+"_"+deviceID]
	if !ok {
		return nil, ErrConfigNotFound
	}
	return cfg.clone(), nil
}

func (s *MemoryStore) Save(vendorID, deviceID string, cfg *StoredConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[vendorID+"_"+deviceID] = *cfg.clone()
	return nil
}

func (c *StoredConfig) clone() *StoredConfig {
	cp := &StoredConfig{Version: c.Version}
	for _, item := range c.Items {
		cp.Items = append(cp.Items, StoredItem{Name: item.Name, Values: append([]string(nil), item.Values...)})
	}
	return cp
}
