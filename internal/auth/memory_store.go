package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"sync"

	"VaultOps/internal/config"
	xerrors "VaultOps/internal/errors"
)

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// TokenStore 在内存中保存令牌摘要与对应主体，明文令牌不驻留。
type TokenStore struct {
	mu      sync.RWMutex
	entries []tokenEntry
}

// NewTokenStore 根据配置解析令牌；TokenEnv 指向的环境变量优先于内联 Token。
func NewTokenStore(cfg config.AuthConfig) (*TokenStore, error) {
	roles := cfg.Roles
	if len(roles) == 0 {
		roles = DefaultRoles
	}
	store := &TokenStore{}
	for i, tok := range cfg.Tokens {
		secret := tok.Token
		if tok.TokenEnv != "" {
			if v := strings.TrimSpace(os.Getenv(tok.TokenEnv)); v != "" {
				secret = v
			}
		}
		secret = strings.TrimSpace(secret)
		if secret == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure,
				fmt.Sprintf("auth.tokens[%d] (%s) 未提供令牌", i, tok.Subject))
		}
		for _, role := range tok.Roles {
			if _, ok := roles[role]; !ok {
				return nil, xerrors.New(xerrors.CodeInitializationFailure,
					fmt.Sprintf("auth.tokens[%d] 引用了未定义的角色 %q", i, role))
			}
		}
		name := tok.Subject
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		if err := store.Add(secret, newSubject(name, tok.Roles, roles)); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Add 注册一个令牌。重复的令牌会被拒绝。
func (s *TokenStore) Add(token string, subject *Subject) error {
	digest := sha256.Sum256([]byte(token))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.digest == digest {
			return xerrors.New(xerrors.CodeConflict, "重复的 API 令牌")
		}
	}
	s.entries = append(s.entries, tokenEntry{digest: digest, subject: subject})
	return nil
}

// Lookup 以常量时间比较摘要并返回令牌对应的主体。
func (s *TokenStore) Lookup(token string) (*Subject, bool) {
	digest := sha256.Sum256([]byte(token))
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *Subject
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(e.digest[:], digest[:]) == 1 {
			found = e.subject
		}
	}
	return found, found != nil
}

// Len 返回已注册的令牌数量。
func (s *TokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
