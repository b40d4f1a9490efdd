// Package redistest starts an in-process Redis for tests.
package redistest

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prohmpiriya/books-store/pkg/logger"
	pkgredis "github.com/prohmpiriya/books-store/pkg/redis"
)

// New returns a client connected to a fresh miniredis, closed on cleanup
func New(t testing.TB) (*pkgredis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("miniredis port: %v", err)
	}

	client, err := pkgredis.NewClient(context.Background(), &pkgredis.Config{
		Host:     mr.Host(),
		Port:     port,
		PoolSize: 10,
	}, logger.Nop())
	if err != nil {
		t.Fatalf("connect miniredis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}
