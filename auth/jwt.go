// Package auth 校验登录服务签发的 JWT，解析出用户身份
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken 令牌缺失、签名错误、过期或缺少用户标识
var ErrInvalidToken = errors.New("invalid token")

// claims 与登录接口签发的载荷一致：{userId, role}
type claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
	Role   string `json:"role,omitempty"`
}

// Verifier 使用 HS256 共享密钥校验令牌
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option 定制 Verifier
type Option func(*Verifier)

// WithIssuer 要求令牌 iss 与之匹配
func WithIssuer(issuer string) Option {
	return func(v *Verifier) { v.issuer = strings.TrimSpace(issuer) }
}

// WithClock 替换时间来源（测试用）
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier 创建校验器；secret 不能为空
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	v := &Verifier{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify 返回令牌中的用户 id
func (v *Verifier) Verify(ctx context.Context, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: token is required", ErrInvalidToken)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userID := strings.TrimSpace(c.UserID)
	if userID == "" {
		// 兼容以 sub 承载用户 id 的签发方
		userID = strings.TrimSpace(c.Subject)
	}
	if userID == "" {
		return "", fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return userID, nil
}
