package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
)

var (
	errUnauthenticated = errors.New("invalid token")
	errAccessRequired  = errors.New("access token required")
)

type verifyErrResp struct {
	Error string `json:"error"`
}

// 和签发方保持同一套字段
type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

type VerifyClaims struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"` // "access"
}

type AuthConfig struct {
	// Secret 非空时本地校验 HS256，不再请求 auth-service
	Secret string
	// AuthBaseURL 不要带路径，例如 http://localhost:3001
	AuthBaseURL   string
	VerifyTimeout time.Duration
	// 可选，token -> Principal
	Cache *cache.PrincipalCache[collab.Principal]
}

type upstreamError struct{ msg string }

func (e *upstreamError) Error() string { return e.msg }

func AuthMiddleware(cfg AuthConfig) gin.HandlerFunc {
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 1200 * time.Millisecond
	}
	client := &http.Client{}
	// 统一拼接 verify URL（避免 double slash）
	verifyURL := strings.TrimRight(cfg.AuthBaseURL, "/") + "/v1/auth/verify"

	verify := func(ctx context.Context, token string) (collab.Principal, time.Time, error) {
		if cfg.Secret != "" {
			return verifyLocal(cfg.Secret, token)
		}
		return verifyUpstream(ctx, client, verifyURL, token)
	}

	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		if cfg.Cache != nil {
			if p, ok := cfg.Cache.Get(tokenString); ok {
				setPrincipal(c, p)
				c.Next()
				return
			}
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.VerifyTimeout)
		defer cancel()
		p, exp, err := verify(ctx, tokenString)
		if err != nil {
			var ue *upstreamError
			if errors.As(err, &ue) {
				log.Warn().Err(err).Msg("auth verify upstream")
				c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"code": "AUTH_UPSTREAM_ERROR", "message": ue.msg})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": err.Error()})
			return
		}
		if cfg.Cache != nil {
			cfg.Cache.Put(tokenString, p, exp)
		}
		setPrincipal(c, p)
		c.Next()
	}
}

func setPrincipal(c *gin.Context, p collab.Principal) {
	c.Set("userId", p.UserID)
	c.Set("username", p.Username)
}

// PrincipalFrom 取鉴权中间件写入的身份
func PrincipalFrom(c *gin.Context) collab.Principal {
	return collab.Principal{UserID: c.GetUint64("userId"), Username: c.GetString("username")}
}

func verifyLocal(secret, tokenString string) (collab.Principal, time.Time, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return collab.Principal{}, time.Time{}, errUnauthenticated
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return collab.Principal{}, time.Time{}, errUnauthenticated
	}
	if claims.Type != "access" {
		return collab.Principal{}, time.Time{}, errAccessRequired
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return collab.Principal{UserID: claims.UserID, Username: claims.Username}, exp, nil
}

func verifyUpstream(ctx context.Context, client *http.Client, verifyURL, tokenString string) (collab.Principal, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return collab.Principal{}, time.Time{}, &upstreamError{"build verify request failed"}
	}
	req.Header.Set("Authorization", "Bearer "+tokenString)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// 这里包含超时：context deadline exceeded
		return collab.Principal{}, time.Time{}, &upstreamError{"auth-service verify failed"}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e) // 尽力解析错误信息
		if e.Error == "" {
			return collab.Principal{}, time.Time{}, errUnauthenticated
		}
		return collab.Principal{}, time.Time{}, errors.New(e.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return collab.Principal{}, time.Time{}, &upstreamError{"auth-service verify non-200"}
	}

	var claims VerifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return collab.Principal{}, time.Time{}, &upstreamError{"invalid verify response"}
	}
	if claims.Type != "" && claims.Type != "access" {
		return collab.Principal{}, time.Time{}, errAccessRequired
	}
	// 上游不返回过期时间，缓存只按 TTL
	return collab.Principal{UserID: claims.UserID, Username: claims.Username}, time.Time{}, nil
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
