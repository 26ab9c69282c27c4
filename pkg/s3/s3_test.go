package s3

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{
			name:       "nested key",
			input:      "s3://anda/artifacts/0f3c/neko-1.2.0.rpm",
			wantBucket: "anda",
			wantKey:    "artifacts/0f3c/neko-1.2.0.rpm",
		},
		{
			name:       "upper case scheme",
			input:      "S3://anda/neko.tar",
			wantBucket: "anda",
			wantKey:    "neko.tar",
		},
		{name: "https url", input: "https://cdn/neko.rpm", wantErr: true},
		{name: "missing key", input: "s3://anda/", wantErr: true},
		{name: "missing bucket", input: "s3:///neko.rpm", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, key, err := ParseURL(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestIsObjectURL(t *testing.T) {
	assert.True(t, IsObjectURL("s3://anda/neko.rpm"))
	assert.True(t, IsObjectURL("  S3://anda/neko.rpm"))
	assert.False(t, IsObjectURL("https://cdn/neko.rpm"))
	assert.False(t, IsObjectURL(""))
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	require.Error(t, err)

	_, err = NewClient(context.Background(), Config{Endpoint: "minio:9000"})
	require.Error(t, err)

	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{Endpoint: "minio:9000"}.Enabled())
}

func TestPresignURL(t *testing.T) {
	client, err := NewClient(context.Background(), Config{
		Endpoint:   "minio.local:9000",
		AccessKey:  "access",
		SecretKey:  "secret",
		DisableTLS: true,
	})
	require.NoError(t, err)

	link, err := client.PresignURL(context.Background(), "s3://anda/artifacts/neko.rpm")
	require.NoError(t, err)
	assert.Contains(t, link, "http://minio.local:9000/anda/artifacts/neko.rpm")
	assert.Contains(t, link, "X-Amz-Signature=")

	_, err = client.PresignURL(context.Background(), "https://cdn/neko.rpm")
	require.Error(t, err)
}
