package objstore

import (
	"context"
	"io"
	"os"
	"testing"

	"appdeploy/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptKey(t *testing.T) {
	assert.Equal(t, "deployments/10.0.0.5/abc.log", TranscriptKey("10.0.0.5", "abc"))
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(config.MinIOConfig{})
	assert.Error(t, err)

	_, err = NewClient(config.MinIOConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	c, err := NewClient(config.MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, "appdeploy", c.Bucket())
}

func TestTranscriptRoundTrip(t *testing.T) {
	endpoint := os.Getenv("MINIO_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_TEST_ENDPOINT not set")
	}
	c, err := NewClient(config.MinIOConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_ROOT_USER"),
		SecretKey: os.Getenv("MINIO_ROOT_PASSWORD"),
		Bucket:    "appdeploy-test",
	})
	require.NoError(t, err)
	ctx := context.Background()
	if err := c.EnsureBucket(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	key, err := c.PutTranscript(ctx, "10.0.0.5", "run-1", []byte("[info] hello\n"))
	require.NoError(t, err)

	rc, err := c.Download(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "[info] hello\n", string(data))

	keys, err := c.ListTranscripts(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.Contains(t, keys, key)
}
