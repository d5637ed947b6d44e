package cache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PULSON_TEST_REDIS_ADDR 指向现成的 Redis 时直接使用它，否则尝试用 testcontainers 启动 redis:7-alpine。
const redisAddrEnv = "PULSON_TEST_REDIS_ADDR"

var (
	redisOnce      sync.Once
	redisAddr      string
	redisErr       error
	redisContainer testcontainers.Container
	redisPrefixSeq atomic.Int64
)

func TestMain(m *testing.M) {
	code := m.Run()
	if redisContainer != nil {
		_ = redisContainer.Terminate(context.Background())
	}
	os.Exit(code)
}

func startRedis() (addr string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker provider unavailable: %v", r)
		}
	}()
	if env := os.Getenv(redisAddrEnv); env != "" {
		return env, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if container != nil {
		redisContainer = container
	}
	if err != nil {
		return "", fmt.Errorf("start redis container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		return "", fmt.Errorf("container port: %w", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

// newRedisTestStorage 每次返回独立前缀的存储；没有可用 Redis 时跳过测试。
func newRedisTestStorage(t *testing.T) Storage {
	t.Helper()
	if testing.Short() {
		t.Skip("redis backend skipped in short mode")
	}
	redisOnce.Do(func() {
		redisAddr, redisErr = startRedis()
	})
	if redisErr != nil {
		t.Skipf("redis unavailable: %v", redisErr)
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis unavailable: %v", err)
	}

	prefix := fmt.Sprintf("pulson-test-%d-%d", time.Now().UnixNano(), redisPrefixSeq.Add(1))
	t.Cleanup(func() {
		cleanupCtx := context.Background()
		if keys, err := client.Keys(cleanupCtx, prefix+":*").Result(); err == nil && len(keys) > 0 {
			_ = client.Del(cleanupCtx, keys...).Err()
		}
		_ = client.Close()
	})

	storage, err := NewRedisStorage(client, prefix)
	if err != nil {
		t.Fatalf("redis storage: %v", err)
	}
	return storage
}

func TestRedisPutAllOrdersAcrossBatches(t *testing.T) {
	ctx := context.Background()
	storage := newRedisTestStorage(t)
	c, _ := storage.Open(ctx, "v1")

	if err := c.PutAll(ctx, []Entry{
		{Key: "/x", Response: testResponse("x")},
		{Key: "/y", Response: testResponse("y")},
	}); err != nil {
		t.Fatalf("putall error: %v", err)
	}
	if err := c.PutAll(ctx, []Entry{
		{Key: "/z", Response: testResponse("z")},
		{Key: "/x", Response: testResponse("x2")},
	}); err != nil {
		t.Fatalf("putall error: %v", err)
	}

	keys, err := c.Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 3 || keys[0] != "/x" || keys[1] != "/y" || keys[2] != "/z" {
		t.Fatalf("unexpected key order: %v", keys)
	}
	got, err := c.Match(ctx, "/x")
	if err != nil || string(got.Body) != "x2" {
		t.Fatalf("overwrite should win, got %v %v", got, err)
	}

	if _, err := storage.Delete(ctx, "v1"); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if _, err := storage.Match(ctx, "/x"); err == nil {
		t.Fatalf("deleted generation must not match")
	}
}
