package auth

import (
	"context"
	"net/http"
	"strings"
)

// contextKey 避免与其他包的 context 键冲突。
type contextKey string

// UserContextKey 在请求上下文中存储已认证用户信息的键。
const UserContextKey contextKey = "user"

// UserContext 是认证通过后挂在请求上下文里的用户信息。
type UserContext struct {
	// UserID 用户标识
	UserID string
	// Role 角色（operator / worker）
	Role string
	// Method 认证方式：jwt 或 apikey
	Method string
}

// APIKeyValidator 定义 API Key 验证器。
type APIKeyValidator interface {
	// ValidateAPIKey 验证 key，成功时返回其关联的用户上下文。
	ValidateAPIKey(key string) (*UserContext, error)
}

// Middleware 是双通道认证中间件：先试 API Key 头，再试 Bearer JWT。
// 未启用时所有请求直接放行。
type Middleware struct {
	jwt          *JWTManager
	apiKeyHeader string
	keyValidator APIKeyValidator
	enabled      bool
}

// NewMiddleware 创建认证中间件。
// apiKeyHeader 是承载 API Key 的 HTTP 头名称（如 X-API-Key）。
func NewMiddleware(jwt *JWTManager, apiKeyHeader string, keyValidator APIKeyValidator, enabled bool) *Middleware {
	return &Middleware{
		jwt:          jwt,
		apiKeyHeader: apiKeyHeader,
		keyValidator: keyValidator,
		enabled:      enabled,
	}
}

// Authenticate 包装下游处理器：认证通过后把用户信息写入上下文，
// API Key 与 JWT 均未命中时返回 401。
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}

		if key := r.Header.Get(m.apiKeyHeader); key != "" && m.keyValidator != nil {
			if user, err := m.keyValidator.ValidateAPIKey(key); err == nil {
				next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
				return
			}
		}

		if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			if claims, err := m.jwt.Validate(token); err == nil {
				user := &UserContext{UserID: claims.UserID, Role: claims.Role, Method: "jwt"}
				next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	})
}

func withUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUser 从请求上下文读取已认证的用户信息，未认证时返回 nil。
func GetUser(ctx context.Context) *UserContext {
	if user, ok := ctx.Value(UserContextKey).(*UserContext); ok {
		return user
	}
	return nil
}
