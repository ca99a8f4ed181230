// Package auth 提供 API 的身份认证能力。
// 支持 JWT 与静态 API Key 两种方式：JWT 面向操作人员与控制台，
// API Key 面向长期运行的 worker 进程。
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken 令牌无效（格式、签名或类型错误）
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken 令牌已过期
	ErrExpiredToken = errors.New("token has expired")
)

// 预定义角色。引擎本身不做细粒度授权，角色仅记录来源便于审计。
const (
	// RoleOperator 操作人员（部署、启动、取消、恢复故障单）
	RoleOperator = "operator"
	// RoleWorker 任务 worker（拉取、完成、失败任务）
	RoleWorker = "worker"
)

// Claims 是引擎签发的 JWT 声明。
type Claims struct {
	// UserID 用户标识
	UserID string `json:"user_id"`
	// Role 角色
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager 负责令牌的签发与验证，使用 HS256 对称签名。
type JWTManager struct {
	secret     []byte
	expiration time.Duration
}

// NewJWTManager 创建 JWT 管理器。
func NewJWTManager(secret string, expiration time.Duration) *JWTManager {
	return &JWTManager{
		secret:     []byte(secret),
		expiration: expiration,
	}
}

// Generate 为用户签发一个带有效期的令牌。
func (m *JWTManager) Generate(userID, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "procflow",
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Validate 验证令牌并返回其声明。
// 只接受 HS256 签名；过期令牌映射为 ErrExpiredToken。
func (m *JWTManager) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
