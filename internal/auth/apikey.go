package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrAPIKeyNotFound 请求携带的 API Key 不在授权列表内
var ErrAPIKeyNotFound = errors.New("api key not found")

// GenerateAPIKey 生成一个新的 API Key。
// 返回原始 Key（pf_ 前缀，发给调用方后不再保存）和它的
// SHA-256 哈希值（写入配置的授权列表）。
func GenerateAPIKey() (string, string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", err
	}
	key := "pf_" + hex.EncodeToString(bytes)
	return key, HashAPIKey(key), nil
}

// HashAPIKey 计算 API Key 的 SHA-256 哈希（十六进制小写）。
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// StaticKeyValidator 基于静态哈希列表的 API Key 验证器。
// 配置中只存哈希，验证时对请求中的原始 Key 哈希后比对。
// 适用于少量长期运行的 worker 密钥。
type StaticKeyValidator struct {
	hashes map[string]struct{}
}

// NewStaticKeyValidator 根据哈希列表创建验证器，空串被忽略。
func NewStaticKeyValidator(keyHashes []string) *StaticKeyValidator {
	hashes := make(map[string]struct{}, len(keyHashes))
	for _, h := range keyHashes {
		if h != "" {
			hashes[h] = struct{}{}
		}
	}
	return &StaticKeyValidator{hashes: hashes}
}

// ValidateAPIKey 验证 Key 是否在授权列表内。
func (v *StaticKeyValidator) ValidateAPIKey(key string) (*UserContext, error) {
	if _, ok := v.hashes[HashAPIKey(key)]; !ok {
		return nil, ErrAPIKeyNotFound
	}
	return &UserContext{
		UserID: "api-key",
		Role:   RoleWorker,
		Method: "apikey",
	}, nil
}
