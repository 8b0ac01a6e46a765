// Package auth 部署 API 的 JWT 认证：令牌签发、解析与 HTTP 中间件
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"appdeploy/internal/config"
)

type contextKey string

const ctxKeyOperator contextKey = "operator"

// Operator 从 JWT 解析出的操作者
type Operator struct {
	ID   string
	Role string
}

// Config 认证配置
type Config struct {
	JWTSecret      string
	AccessTokenTTL time.Duration
}

// DefaultConfig 返回默认认证配置（关闭认证）
func DefaultConfig() Config {
	return Config{AccessTokenTTL: 15 * time.Minute}
}

// FromAppConfig 由应用配置构造认证配置，TTL 非法时回落到默认值
func FromAppConfig(c config.AuthConfig) Config {
	cfg := DefaultConfig()
	cfg.JWTSecret = c.JWTSecret
	if d, err := time.ParseDuration(c.AccessTokenTTL); err == nil && d > 0 {
		cfg.AccessTokenTTL = d
	}
	return cfg
}

// Enabled 是否启用认证
func (c Config) Enabled() bool {
	return c.JWTSecret != ""
}

// Claims JWT 声明
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
	Type string `json:"type,omitempty"` // "access"
}

// GenerateAccessToken 生成访问令牌
func GenerateAccessToken(cfg Config, subject, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.AccessTokenTTL)),
		},
		Role: role,
		Type: "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// ParseToken 解析并验证 JWT
func ParseToken(cfg Config, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// WithOperator 将操作者注入 context
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, ctxKeyOperator, op)
}

// GetOperator 从 context 获取操作者，无认证模式下返回 nil
func GetOperator(ctx context.Context) *Operator {
	op, _ := ctx.Value(ctxKeyOperator).(*Operator)
	return op
}
