package registry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// healthChecker probes instances over plain HTTP. Any 2xx answer counts
// as healthy; an error, a timeout or any other status counts as
// unhealthy.
type healthChecker struct {
	client  *http.Client
	timeout time.Duration
}

func newHealthChecker(client *http.Client, timeout time.Duration) *healthChecker {
	return &healthChecker{client: client, timeout: timeout}
}

func (c *healthChecker) probe(ctx context.Context, instance ServiceInstance) HealthStatus {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, instance.HealthCheckURL(), nil)
	if err != nil {
		return HealthUnhealthy
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return HealthUnhealthy
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return HealthHealthy
	}
	return HealthUnhealthy
}
