package suite

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisSuite starts one redis container for the whole suite. Set
// REDIS_CONNECTION to an addr like 127.0.0.1:6379 to use a running
// server instead.
type RedisSuite struct {
	suite.Suite
	*sync.Mutex
	ctx       context.Context
	client    *redis.Client
	container *tcredis.RedisContainer
}

func (t *RedisSuite) SetupSuite() {
	t.Mutex = &sync.Mutex{}
	t.Mutex.Lock()
	defer t.Mutex.Unlock()

	t.ctx = context.Background()

	if addr := os.Getenv("REDIS_CONNECTION"); addr != "" {
		t.client = redis.NewClient(&redis.Options{Addr: addr})
	} else {
		container, err := tcredis.Run(t.ctx, "redis:7-alpine")
		t.Require().NoError(err)
		t.container = container

		host, err := container.Host(t.ctx)
		t.Require().NoError(err)
		port, err := container.MappedPort(t.ctx, "6379")
		t.Require().NoError(err)

		t.client = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	}

	t.Require().NoError(t.client.Ping(t.ctx).Err())
}

func (t *RedisSuite) Client() *redis.Client {
	t.Mutex.Lock()
	defer t.Mutex.Unlock()
	return t.client
}

func (t *RedisSuite) TearDownSuite() {
	t.Mutex.Lock()
	defer t.Mutex.Unlock()

	t.Require().NoError(t.client.FlushDB(t.ctx).Err())
	t.Require().NoError(t.client.Close())

	if t.container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		t.Require().NoError(t.container.Terminate(ctx))
	}
}
