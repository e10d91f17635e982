//go:build integration

package redis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audittrail/internal/platform/config"
	"audittrail/pkg/testutil/containers"
)

func TestNewConnects(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()

	cfg := config.Default().Redis
	cfg.URL = rc.Addr
	client, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, client)
	t.Cleanup(func() { _ = client.Close() })

	assert.NoError(t, client.Health(ctx))
}
