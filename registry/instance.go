package registry

import (
	"fmt"
	"strings"
	"time"
)

// MetadataHealthCheckPath overrides the probe path for one instance.
const MetadataHealthCheckPath = "health_check_path"

const defaultHealthCheckPath = "/health"

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

func (h HealthStatus) Healthy() bool {
	return h == HealthHealthy
}

func (h HealthStatus) String() string {
	return string(h)
}

// Registration describes a service instance to be leased into the
// registry. The registry assigns the instance id.
type Registration struct {
	Name     string
	Host     string
	Port     int
	Version  string
	Metadata map[string]string
}

// ServiceInstance is one leased copy of a named service. Health flips
// via probing or lease expiry, never by heartbeat alone.
type ServiceInstance struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Version       string            `json:"version"`
	Health        HealthStatus      `json:"health"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// Address returns the instance base URL.
func (i ServiceInstance) Address() string {
	return fmt.Sprintf("http://%s:%d", i.Host, i.Port)
}

// HealthCheckURL returns the probe target, honoring the metadata
// override.
func (i ServiceInstance) HealthCheckURL() string {
	path := defaultHealthCheckPath
	if override, ok := i.Metadata[MetadataHealthCheckPath]; ok && override != "" {
		path = override
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return i.Address() + path
}
