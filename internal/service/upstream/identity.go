package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HTTPVerifier 通过认证服务的校验接口解析令牌
type HTTPVerifier struct {
	url    string
	client *http.Client
}

// NewHTTPVerifier 创建认证服务客户端，client 为 nil 时使用默认客户端
func NewHTTPVerifier(url string, client *http.Client) *HTTPVerifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPVerifier{url: url, client: client}
}

func (v *HTTPVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrUnauthorized
	}

	req, err := newBearerRequest(ctx, http.MethodGet, v.url, credential, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build verify request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: verify token: %v", ErrUnavailable, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("%w: auth service returned status %d", ErrUnauthorized, resp.StatusCode)
	}

	var identity Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return Identity{}, fmt.Errorf("%w: decode verify response: %v", ErrUnavailable, err)
	}
	if strings.TrimSpace(identity.Username) == "" {
		return Identity{}, fmt.Errorf("%w: verify response has no username", ErrUnauthorized)
	}
	return identity, nil
}

// JWTVerifier 使用共享密钥在本地校验令牌，用户名取自 sub
type JWTVerifier struct {
	secret    []byte
	algorithm string
}

// NewJWTVerifier 创建本地校验器，algorithm 为空时使用 HS256
func NewJWTVerifier(secret, algorithm string) *JWTVerifier {
	if algorithm == "" {
		algorithm = jwt.SigningMethodHS256.Alg()
	}
	return &JWTVerifier{secret: []byte(secret), algorithm: algorithm}
}

func (v *JWTVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrUnauthorized
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{v.algorithm}), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{Username: claims.Subject}, nil
}

// Issue 为 username 签发有效期为 ttl 的令牌，供开发工具使用
func (v *JWTVerifier) Issue(username string, ttl time.Duration) (string, error) {
	method := jwt.GetSigningMethod(v.algorithm)
	if method == nil {
		return "", fmt.Errorf("unsupported signing algorithm %q", v.algorithm)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(method, claims).SignedString(v.secret)
}
