package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/promo_sync/utils"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware requires a valid bearer token on every request when secret
// is set. With an empty secret the service runs unauthenticated.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		auth := strings.TrimSpace(c.Request.Header.Get("Authorization"))
		const bearer = "bearer "
		if len(auth) <= len(bearer) || !strings.EqualFold(auth[:len(bearer)], bearer) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		auth = strings.TrimSpace(auth[len(bearer):])

		validate, err := utils.JwtValidate(secret, auth)
		if err != nil || !validate.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		if customClaim, ok := validate.Claims.(*utils.JwtCustomClaim); ok {
			c.Request = c.Request.WithContext(utils.SetUserIdInContext(c.Request.Context(), customClaim.ID))
		}
		c.Next()
	}
}
