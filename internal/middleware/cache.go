package middleware

import (
	"github.com/gin-gonic/gin"
)

// NoStore marks replies as uncacheable. Attempt replies carry clocks, ids and
// grades that are only valid for the caller at that moment.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}
