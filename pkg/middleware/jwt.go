package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"cryptopay.com/pkg/common"
	"cryptopay.com/pkg/xerr"
)

const (
	RoleUser     = "user"
	RoleOperator = "operator"
)

// Claims 账户令牌，Subject 为账户 ID
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

func (t *TokenIssuer) Issue(accountID int64, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(accountID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t *TokenIssuer) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

var errBadSubject = errors.New("bad token subject")

// Auth 校验 Bearer 令牌并写入 account_id / role
func Auth(issuer *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if raw == "" {
			common.Fail(c, http.StatusUnauthorized, xerr.Unauthorized, xerr.MapErrMsg(xerr.Unauthorized))
			c.Abort()
			return
		}
		claims, err := issuer.Parse(raw)
		if err == nil && claims.Subject == "" {
			err = errBadSubject
		}
		var id int64
		if err == nil {
			id, err = strconv.ParseInt(claims.Subject, 10, 64)
		}
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, xerr.Unauthorized, "令牌无效")
			c.Abort()
			return
		}
		c.Set(common.CtxKeyAccountID, id)
		c.Set(common.CtxKeyRole, claims.Role)
		c.Next()
	}
}

func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if common.RoleFromGin(c) != role {
			common.Fail(c, http.StatusForbidden, xerr.NotEligible, "无权限")
			c.Abort()
			return
		}
		c.Next()
	}
}
