package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
	"github.com/bapcai02/NovaChat-sub000/tools/security"
)

const CtxUserID = "auth_user_id"

// JWTAuth Bearer 鉴权。通过后把 user id 放进 gin context。
func JWTAuth(opts security.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			abortAuth(c, errs.ErrTokenInvalid.WithDetail("missing bearer token"))
			return
		}
		claims, err := security.Verify(opts, token)
		if err != nil {
			abortAuth(c, errs.ErrTokenInvalid.WithDetail(err.Error()))
			return
		}
		userID := claims.UserID()
		if userID == "" {
			abortAuth(c, errs.ErrTokenInvalid.WithDetail("sub claim missing"))
			return
		}
		c.Set(CtxUserID, userID)
		c.Next()
	}
}

// UserID 取鉴权中间件写入的用户。
func UserID(c *gin.Context) string {
	if v, ok := c.Get(CtxUserID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	// ws 握手等场景允许 query 传 token
	return c.Query("token")
}

func abortAuth(c *gin.Context, err *errs.CodeError) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":   err.ECode(),
		"msg":    err.EMsg(),
		"detail": err.EDetail(),
	})
}
