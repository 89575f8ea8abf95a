// Package ops implements the operational endpoints: version and heartbeat
// reporting for deployment tooling, and the Prometheus scrape endpoint.
package ops

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adrianosela/tecken/internal/build"
	"github.com/adrianosela/tecken/internal/healthcheck"
)

// Frontend serves the operational endpoints.
type Frontend struct {
	logger   logr.Logger
	checks   *healthcheck.Checks
	gatherer prometheus.Gatherer
}

// New creates a Frontend that runs checks for the heartbeat endpoint and
// exposes metrics gathered from gatherer.
func New(logger logr.Logger, checks *healthcheck.Checks, gatherer prometheus.Gatherer) *Frontend {
	return &Frontend{logger: logger, checks: checks, gatherer: gatherer}
}

// Configure registers the operational endpoints with router.
func (f *Frontend) Configure(router *gin.Engine) {
	router.GET("/__version__", f.handleVersion)
	router.GET("/__heartbeat__", f.handleHeartbeat)
	router.GET("/__lbheartbeat__", f.handleLBHeartbeat)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(f.gatherer, promhttp.HandlerOpts{})))
}

func (f *Frontend) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"source":  build.Source,
		"version": build.GetVersion(),
		"commit":  build.GetGitRevision(),
	})
}

// handleHeartbeat reports whether the service and its dependencies are able
// to serve traffic. Load balancers should use the lighter lbheartbeat
// endpoint instead.
func (f *Frontend) handleHeartbeat(c *gin.Context) {
	results, healthy := f.checks.Run(c.Request.Context())

	status := http.StatusOK
	if !healthy {
		status = http.StatusInternalServerError
		f.logger.Info("Heartbeat failed", "checks", results)
	}

	c.JSON(status, gin.H{"checks": results, "healthy": healthy})
}

func (f *Frontend) handleLBHeartbeat(c *gin.Context) {
	c.Status(http.StatusOK)
}
