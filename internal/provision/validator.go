package provision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CredentialValidator 源码仓库访问令牌校验
//
// 令牌无效返回 ErrCredentialRejected；端点不可达返回包装了 ErrCredentialUnreachable 的错误
type CredentialValidator interface {
	Validate(ctx context.Context, token string) error
}

// ValidatorFunc 函数适配
type ValidatorFunc func(ctx context.Context, token string) error

func (f ValidatorFunc) Validate(ctx context.Context, token string) error {
	return f(ctx, token)
}

// HTTPValidator 用令牌请求固定的仓库资源，200 视为有效
type HTTPValidator struct {
	url    string
	client *http.Client
}

// NewHTTPValidator 创建校验器，timeout <= 0 时使用 10 秒
func NewHTTPValidator(url string, timeout time.Duration) *HTTPValidator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPValidator{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (v *HTTPValidator) Validate(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return fmt.Errorf("build credential request: %w", err)
	}
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrCredentialRejected, resp.StatusCode)
	}
	return nil
}
