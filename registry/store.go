package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrKeyNotFound is returned by Store.Get for absent or expired keys.
var ErrKeyNotFound = errors.New("key not found")

// Key layout: one record per instance plus two index levels.
const servicesAllKey = "services:all"

func instanceKey(service, instanceID string) string {
	return fmt.Sprintf("service:%s:%s", service, instanceID)
}

func serviceKey(service string) string {
	return fmt.Sprintf("services:%s", service)
}

//go:generate mockgen --build_flags=--mod=mod -destination mock_test.go -package registry . Store

// Store is the authoritative key-value backend of the registry. Records
// are written with a lease; an expired record must read as absent.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	SetAdd(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetRemove(ctx context.Context, key string, members ...string) error
}
