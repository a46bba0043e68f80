// Package artifacts 读取 hardhat 编译产物 (<dir>/**/<Name>.json)，为部署提供字节码与 ABI。
package artifacts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"VaultOps/internal/contracts"
	xerrors "VaultOps/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Artifact is a compiled contract.
type Artifact struct {
	Name             string
	SourceName       string
	ABI              abi.ABI
	RawABI           json.RawMessage
	Bytecode         []byte
	DeployedBytecode []byte
}

type artifactFile struct {
	ContractName     string          `json:"contractName"`
	SourceName       string          `json:"sourceName"`
	ABI              json.RawMessage `json:"abi"`
	Bytecode         string          `json:"bytecode"`
	DeployedBytecode string          `json:"deployedBytecode"`
}

// Store indexes the artifacts below a directory. A missing directory yields
// an empty store so built-in interfaces can still be used.
type Store struct {
	dir string

	once  sync.Once
	err   error
	paths map[string]string

	mu     sync.Mutex
	loaded map[string]Artifact
}

// NewStore returns a lazily indexed store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, loaded: make(map[string]Artifact)}
}

func (s *Store) index() error {
	s.once.Do(func() {
		s.paths = make(map[string]string)
		if strings.TrimSpace(s.dir) == "" {
			return
		}
		if _, err := os.Stat(s.dir); os.IsNotExist(err) {
			return
		}
		s.err = filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".dbg.json") {
				return nil
			}
			name := strings.TrimSuffix(filepath.Base(path), ".json")
			if _, dup := s.paths[name]; !dup {
				s.paths[name] = path
			}
			return nil
		})
		if s.err != nil {
			s.err = xerrors.Wrap(xerrors.CodeStorageFailure, s.err, fmt.Sprintf("扫描编译产物目录 %s 失败", s.dir))
		}
	})
	return s.err
}

// Names lists the indexed contract names.
func (s *Store) Names() ([]string, error) {
	if err := s.index(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.paths))
	for name := range s.paths {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Get 读取指定合约的编译产物，不存在时返回 ARTIFACT_NOT_FOUND。
func (s *Store) Get(name string) (Artifact, error) {
	if err := s.index(); err != nil {
		return Artifact{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.loaded[name]; ok {
		return a, nil
	}
	path, ok := s.paths[name]
	if !ok {
		return Artifact{}, xerrors.New(xerrors.CodeArtifactNotFound, fmt.Sprintf("没有找到合约 %s 的编译产物", name),
			xerrors.WithMetadata("contract", name))
	}
	a, err := readArtifact(path)
	if err != nil {
		return Artifact{}, err
	}
	s.loaded[name] = a
	return a, nil
}

func readArtifact(path string) (Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取编译产物 %s 失败", path))
	}
	var file artifactFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return Artifact{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("解析编译产物 %s 失败", path))
	}
	parsed, err := abi.JSON(bytes.NewReader(file.ABI))
	if err != nil {
		return Artifact{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编译产物 %s 的 ABI 无效", path))
	}
	name := file.ContractName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return Artifact{
		Name:             name,
		SourceName:       file.SourceName,
		ABI:              parsed,
		RawABI:           file.ABI,
		Bytecode:         common.FromHex(file.Bytecode),
		DeployedBytecode: common.FromHex(file.DeployedBytecode),
	}, nil
}

// ABI 返回合约类型的 ABI：优先使用编译产物，否则使用内置接口。
func (s *Store) ABI(contractType string) (abi.ABI, error) {
	a, err := s.Get(contractType)
	if err == nil {
		return a.ABI, nil
	}
	if !xerrors.HasCode(err, xerrors.CodeArtifactNotFound) {
		return abi.ABI{}, err
	}
	return contracts.BuiltinABI(contractType)
}

// Bytecode returns the creation bytecode of contractType.
func (s *Store) Bytecode(contractType string) ([]byte, error) {
	a, err := s.Get(contractType)
	if err != nil {
		return nil, err
	}
	if len(a.Bytecode) == 0 {
		return nil, xerrors.New(xerrors.CodeArtifactNotFound, fmt.Sprintf("合约 %s 没有可部署的字节码 (接口或抽象合约)", contractType))
	}
	return a.Bytecode, nil
}
