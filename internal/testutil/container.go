package testutil

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

// Container starts req and returns host:port of its first exposed port. The
// test is skipped when no container provider is available, and the container
// is terminated on cleanup.
func Container(t *testing.T, req testcontainers.ContainerRequest) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("%s container unavailable: %v", req.Image, err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("container endpoint: %v", err)
	}
	return endpoint
}
