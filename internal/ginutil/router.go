package ginutil

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// TrailingSlashRouteHelper wraps a gin.IRouter and ensures every route
// registered with GET or POST has a corresponding alternate route with or
// without, dependent on the endpoint being registered, a trailing slash.
//
// Upload clients historically POST to /upload/ while humans type /upload;
// registering both avoids a redirect that many HTTP clients refuse to follow
// for POST requests.
type TrailingSlashRouteHelper struct {
	gin.IRouter
}

// GET registers endpoint and its trailing slash alternate with handler.
func (r TrailingSlashRouteHelper) GET(endpoint string, handler ...gin.HandlerFunc) gin.IRoutes {
	return r.IRouter.
		GET(endpoint, handler...).
		GET(alternate(endpoint), handler...)
}

// POST registers endpoint and its trailing slash alternate with handler.
func (r TrailingSlashRouteHelper) POST(endpoint string, handler ...gin.HandlerFunc) gin.IRoutes {
	return r.IRouter.
		POST(endpoint, handler...).
		POST(alternate(endpoint), handler...)
}

// alternate determines whether the alternate endpoint should end with a
// slash or have it stripped. This ensures we don't register routes such as
//
//	/upload/
//	/upload//
func alternate(endpoint string) string {
	if strings.HasSuffix(endpoint, "/") {
		return strings.TrimSuffix(endpoint, "/")
	}
	return endpoint + "/"
}
