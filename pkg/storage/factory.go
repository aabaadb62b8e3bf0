package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Factory constructs a backend from a parsed storage URL.
type Factory func(ctx context.Context, u *url.URL) (Counter, error)

// schemes is the explicit dispatch table from URL scheme to backend
// factory. It is a plain map populated at init time; adding a backend means
// adding a line here.
var schemes = map[string]Factory{
	"memory":         newMemoryFromURL,
	"redis":          newRedisFromURL,
	"rediss":         newRedisFromURL,
	"redis+cluster":  newRedisClusterFromURL,
	"redis+sentinel": newRedisSentinelFromURL,
	"memcached":      newMemcachedFromURL,
	"mongodb":        newMongoFromURL,
	"mongodb+srv":    newMongoFromURL,
}

// Schemes lists the storage URL schemes the factory understands.
func Schemes() []string {
	out := make([]string, 0, len(schemes))
	for scheme := range schemes {
		out = append(out, scheme)
	}
	return out
}

// New constructs a storage backend from a URL such as "memory://",
// "redis://localhost:6379", "redis+sentinel://host:26379/mymaster",
// "memcached://host:11211,host:11212" or "mongodb://localhost:27017".
func New(ctx context.Context, uri string) (Counter, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("storage: invalid url %q: %w", uri, err)
	}
	factory, ok := schemes[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("storage: unknown scheme %q", u.Scheme)
	}
	return factory(ctx, u)
}

func newMemoryFromURL(ctx context.Context, u *url.URL) (Counter, error) {
	return NewMemory(), nil
}

func newRedisFromURL(ctx context.Context, u *url.URL) (Counter, error) {
	opt, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return NewRedis(redis.NewClient(opt))
}

func newRedisClusterFromURL(ctx context.Context, u *url.URL) (Counter, error) {
	return NewRedis(redis.NewClusterClient(&redis.ClusterOptions{
		Addrs: strings.Split(u.Host, ","),
	}))
}

func newRedisSentinelFromURL(ctx context.Context, u *url.URL) (Counter, error) {
	master := strings.TrimPrefix(u.Path, "/")
	if master == "" {
		return nil, fmt.Errorf("storage: sentinel url %q is missing the master name", u)
	}
	return NewRedis(redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:    master,
		SentinelAddrs: strings.Split(u.Host, ","),
	}))
}

func newMemcachedFromURL(ctx context.Context, u *url.URL) (Counter, error) {
	return NewMemcached(strings.Split(u.Host, ","))
}

func newMongoFromURL(ctx context.Context, u *url.URL) (Counter, error) {
	return NewMongo(ctx, u.String())
}
