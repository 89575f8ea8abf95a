// Package healthcheck aggregates named dependency checks for the heartbeat
// endpoint.
package healthcheck

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds each individual check so one hung dependency cannot
// stall the whole heartbeat.
const checkTimeout = 5 * time.Second

// Check defines health check behavior for a single dependency.
type Check interface {
	// IsHealthy returns true if the dependency is healthy, else false.
	IsHealthy(context.Context) bool
}

// CheckFunc adapts a plain function to a Check.
type CheckFunc func(context.Context) bool

// IsHealthy satisfies Check.
func (f CheckFunc) IsHealthy(ctx context.Context) bool {
	return f(ctx)
}

// Checks is an ordered collection of named checks. The zero value is not
// usable; construct with New.
type Checks struct {
	names  []string
	checks map[string]Check
}

// New creates an empty Checks.
func New() *Checks {
	return &Checks{checks: map[string]Check{}}
}

// Add registers check under name, replacing any previous check of that name.
func (c *Checks) Add(name string, check Check) {
	if _, ok := c.checks[name]; !ok {
		c.names = append(c.names, name)
	}
	c.checks[name] = check
}

// AddFunc registers fn under name.
func (c *Checks) AddFunc(name string, fn func(context.Context) bool) {
	c.Add(name, CheckFunc(fn))
}

// Run runs every check concurrently and returns the per check results along
// with the overall verdict.
func (c *Checks) Run(ctx context.Context) (map[string]bool, bool) {
	results := make(map[string]bool, len(c.checks))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range c.names {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			healthy := check.IsHealthy(checkCtx)
			mu.Lock()
			results[name] = healthy
			mu.Unlock()
		}(name, c.checks[name])
	}
	wg.Wait()

	healthy := true
	for _, ok := range results {
		healthy = healthy && ok
	}
	return results, healthy
}
