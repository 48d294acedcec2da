package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/427h5dvrch-lang/human-origin/internal/config"
)

// CORSMiddleware configures CORS based on configuration. A "*" origin allows
// every origin without credentials.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.Security.CORSEnabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	config := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-Client-Info", "Apikey"},
		ExposeHeaders: []string{"Content-Length"},
	}
	if slices.Contains(cfg.Security.CORSOrigins, "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = cfg.Security.CORSOrigins
		config.AllowCredentials = true
	}

	return cors.New(config)
}

// NotaryPreflight answers OPTIONS on the notary route with the permissive
// headers devices expect, whatever the global CORS settings.
func NotaryPreflight(c *gin.Context) {
	setNotaryCORS(c)
	c.String(http.StatusOK, "ok")
}

// NotaryCORS adds the permissive headers to every notary response.
func NotaryCORS(c *gin.Context) {
	setNotaryCORS(c)
	c.Next()
}

func setNotaryCORS(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
}

// ExceptPath runs mw on every request but those for path.
func ExceptPath(path string, mw gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == path {
			c.Next()
			return
		}
		mw(c)
	}
}
