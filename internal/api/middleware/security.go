package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// gzipLevel trades a little ratio for CPU; status payloads are small.
const gzipLevel = 5

// Protection describes the request guards applied to every API route.
type Protection struct {
	Origins   []string // CORS origins; empty means same-origin only
	BodyLimit string   // e.g. "1M"; empty disables the limit
	// Uncompressed lists path prefixes that bypass gzip. The Prometheus
	// handler negotiates its own encoding.
	Uncompressed []string
}

// Guards returns the CORS, body limit, gzip and response header
// middlewares configured by p, in the order they should be installed.
func Guards(p Protection) []echo.MiddlewareFunc {
	guards := make([]echo.MiddlewareFunc, 0, 4)

	if len(p.Origins) > 0 {
		guards = append(guards, middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: p.Origins,
			// reads plus the restart and index triggers
			AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}

	if p.BodyLimit != "" {
		guards = append(guards, middleware.BodyLimit(p.BodyLimit))
	}

	uncompressed := slices.Clone(p.Uncompressed)
	guards = append(guards, middleware.GzipWithConfig(middleware.GzipConfig{
		Level: gzipLevel,
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return slices.ContainsFunc(uncompressed, func(prefix string) bool {
				return strings.HasPrefix(path, prefix)
			})
		},
	}))

	guards = append(guards, middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "no-referrer",
	}))

	return guards
}
