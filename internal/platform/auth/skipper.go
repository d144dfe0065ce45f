package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication.
var publicPaths = map[string]bool{
	"/health":        true,
	"/api/v1/health": true,
}

// AuthSkipper returns true for health checks and the sandbox tooling.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

func IsPublicPath(path string) bool {
	return publicPaths[path] || strings.HasPrefix(path, "/sandbox/")
}
