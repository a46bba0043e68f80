package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "VaultOps/internal/errors"
)

const migrationsFile = ".migrations.json"

// FileRepository 按 hardhat-deploy 的目录结构保存记录：
// <root>/<network>/<Name>.json 以及 <root>/<network>/.migrations.json。
type FileRepository struct {
	root string
	mu   sync.RWMutex
}

// NewFileRepository creates root if needed.
func NewFileRepository(root string) (*FileRepository, error) {
	if strings.TrimSpace(root) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "部署记录目录不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建部署记录目录失败")
	}
	return &FileRepository{root: root}, nil
}

func (f *FileRepository) dir(network string) string {
	return filepath.Join(f.root, network)
}

// SaveDeployment writes the record atomically (temp file + rename).
func (f *FileRepository) SaveDeployment(_ context.Context, d Deployment) error {
	if d.Name == "" || d.Network == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "部署记录缺少名称或网络")
	}
	if d.DeployedAt.IsZero() {
		d.DeployedAt = time.Now().UTC()
	}
	encoded, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化部署记录失败: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(f.dir(d.Network), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建网络目录失败")
	}
	return writeAtomic(filepath.Join(f.dir(d.Network), d.Name+".json"), encoded)
}

// GetDeployment returns DEPLOYMENT_NOT_FOUND when no record exists.
func (f *FileRepository) GetDeployment(_ context.Context, network, name string) (Deployment, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.read(network, name)
}

func (f *FileRepository) read(network, name string) (Deployment, error) {
	raw, err := os.ReadFile(filepath.Join(f.dir(network), name+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return Deployment{}, NotFound(network, name)
	}
	if err != nil {
		return Deployment{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取部署记录 %s 失败", name))
	}
	var d Deployment
	if err := json.Unmarshal(raw, &d); err != nil {
		return Deployment{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析部署记录 %s 失败", name))
	}
	d.Name = name
	d.Network = network
	return d, nil
}

// ListDeployments returns the records of network sorted by name.
func (f *FileRepository) ListDeployments(_ context.Context, network string) ([]Deployment, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir(network))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取部署记录目录失败")
	}
	var out []Deployment
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		d, err := f.read(network, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// MarkExecuted records stepID in .migrations.json as unix seconds.
func (f *FileRepository) MarkExecuted(_ context.Context, network, stepID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	steps, err := f.readMigrations(network)
	if err != nil {
		return err
	}
	steps[stepID] = at.Unix()
	encoded, err := json.MarshalIndent(steps, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.dir(network), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建网络目录失败")
	}
	return writeAtomic(filepath.Join(f.dir(network), migrationsFile), encoded)
}

// ExecutedSteps returns the executed step ids of network.
func (f *FileRepository) ExecutedSteps(_ context.Context, network string) (map[string]time.Time, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	steps, err := f.readMigrations(network)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(steps))
	for id, ts := range steps {
		out[id] = time.Unix(ts, 0).UTC()
	}
	return out, nil
}

func (f *FileRepository) readMigrations(network string) (map[string]int64, error) {
	raw, err := os.ReadFile(filepath.Join(f.dir(network), migrationsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]int64), nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 .migrations.json 失败")
	}
	steps := make(map[string]int64)
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 .migrations.json 失败")
	}
	return steps, nil
}

// Close is a no-op for the file repository.
func (f *FileRepository) Close() error { return nil }

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时文件失败")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入临时文件失败")
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭临时文件失败")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入 %s 失败", path))
	}
	return nil
}

var _ Repository = (*FileRepository)(nil)
