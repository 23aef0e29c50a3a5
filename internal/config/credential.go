package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/zhouzirui/localchat/backend/internal/model/chat"
)

const (
	envRefPrefix         = "env:"
	keyringServicePrefix = "localchat_api_key"

	// KeyringRef 是密钥保存在系统钥匙串时 api_key_ref 的取值。
	KeyringRef = "keyring"
)

var (
	// ErrCredentialNotFound 表示引用指向的密钥不存在。
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrUnsupportedKeyRef 表示 api_key_ref 既不是 env:NAME 也不是 keyring。
	ErrUnsupportedKeyRef = errors.New("unsupported api key reference")
	// ErrEmptyAPIKey 表示写入钥匙串的密钥为空。
	ErrEmptyAPIKey = errors.New("api key cannot be empty")
)

// Credentials 根据模型配置中的 api_key_ref 解析 API Key。
type Credentials struct {
	lookupEnv func(string) (string, bool)
}

// CredentialOption 定制 Credentials。
type CredentialOption func(*Credentials)

// WithLookupEnv 替换环境变量读取函数，测试使用。
func WithLookupEnv(fn func(string) (string, bool)) CredentialOption {
	return func(c *Credentials) {
		c.lookupEnv = fn
	}
}

// NewCredentials 创建凭证解析器。
func NewCredentials(opts ...CredentialOption) *Credentials {
	c := &Credentials{lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// KeyringService 返回某个模型配置在系统钥匙串中的服务名。
func KeyringService(cfg chat.ModelConfig) string {
	return keyringServicePrefix + "-" + cfg.ID
}

// Credential 返回 cfg 对应的 API Key。
func (c *Credentials) Credential(cfg chat.ModelConfig) (string, error) {
	ref := strings.TrimSpace(cfg.APIKeyRef)
	switch {
	case strings.HasPrefix(ref, envRefPrefix):
		name := strings.TrimPrefix(ref, envRefPrefix)
		value, ok := c.lookupEnv(name)
		if !ok || strings.TrimSpace(value) == "" {
			return "", fmt.Errorf("%w: environment variable %q is not set", ErrCredentialNotFound, name)
		}
		return strings.TrimSpace(value), nil
	case ref == KeyringRef:
		secret, err := keyring.Get(KeyringService(cfg), cfg.Name)
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: no keyring entry for %q", ErrCredentialNotFound, cfg.Name)
		}
		if err != nil {
			return "", fmt.Errorf("read keyring for %q: %w", cfg.Name, err)
		}
		return secret, nil
	case ref == "":
		return "", fmt.Errorf("%w: api key reference not set for %q", ErrCredentialNotFound, cfg.Name)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKeyRef, ref)
	}
}

// SetKeyring 把 API Key 写入系统钥匙串。调用方负责把 cfg.APIKeyRef 更新为 "keyring"。
func (c *Credentials) SetKeyring(cfg chat.ModelConfig, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return ErrEmptyAPIKey
	}
	if err := keyring.Set(KeyringService(cfg), cfg.Name, secret); err != nil {
		return fmt.Errorf("write keyring for %q: %w", cfg.Name, err)
	}
	return nil
}

// DeleteKeyring 删除钥匙串中的条目，条目不存在时不报错。
func (c *Credentials) DeleteKeyring(cfg chat.ModelConfig) error {
	err := keyring.Delete(KeyringService(cfg), cfg.Name)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete keyring for %q: %w", cfg.Name, err)
	}
	return nil
}
