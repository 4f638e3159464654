package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orderdesk/pkg/config"
)

type mockS3 struct {
	mu       sync.Mutex
	deleted  []string
	failKeys map[string]bool
	headErr  error
	buckets  []string
}

func (m *mockS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	key := aws.ToString(in.Key)
	if m.failKeys[key] {
		return nil, errors.New("access denied")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, key)
	m.buckets = append(m.buckets, aws.ToString(in.Bucket))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, m.headErr
}

func testConfig() config.StorageConfig {
	return config.StorageConfig{
		Enabled:       true,
		Bucket:        "orderdesk-images",
		Region:        "eu-central-1",
		Endpoint:      "http://minio:9000",
		PublicBaseURL: "https://cdn.orderdesk.test/",
	}
}

func TestKeyFromURL(t *testing.T) {
	s := NewImageStore(&mockS3{}, testConfig(), nil)

	tests := []struct {
		name string
		url  string
		key  string
		ok   bool
	}{
		{"public base", "https://cdn.orderdesk.test/orders/42/a.jpg", "orders/42/a.jpg", true},
		{"s3 scheme", "s3://orderdesk-images/orders/42/b.png", "orders/42/b.png", true},
		{"virtual hosted", "https://orderdesk-images.s3.eu-central-1.amazonaws.com/orders/42/c%20d.jpg", "orders/42/c d.jpg", true},
		{"path style", "http://minio:9000/orderdesk-images/orders/42/e.jpg", "orders/42/e.jpg", true},
		{"other bucket", "s3://someone-else/x.jpg", "", false},
		{"external host", "https://example.com/x.jpg", "", false},
		{"bare base", "https://cdn.orderdesk.test/", "", false},
		{"empty", "  ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, ok := s.KeyFromURL(tt.url)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestDeleteImages(t *testing.T) {
	api := &mockS3{}
	s := NewImageStore(api, testConfig(), nil)

	n, err := s.DeleteImages(context.Background(), []string{
		"https://cdn.orderdesk.test/orders/42/a.jpg",
		"s3://orderdesk-images/orders/42/a.jpg",
		"https://example.com/hotlinked.jpg",
		"s3://orderdesk-images/orders/42/b.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sort.Strings(api.deleted)
	assert.Equal(t, []string{"orders/42/a.jpg", "orders/42/b.jpg"}, api.deleted)
	assert.Equal(t, []string{"orderdesk-images", "orderdesk-images"}, api.buckets)
}

func TestDeleteImages_ContinuesPastFailures(t *testing.T) {
	api := &mockS3{failKeys: map[string]bool{"orders/1/bad.jpg": true}}
	s := NewImageStore(api, testConfig(), nil)

	n, err := s.DeleteImages(context.Background(), []string{
		"s3://orderdesk-images/orders/1/bad.jpg",
		"s3://orderdesk-images/orders/1/good.jpg",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orders/1/bad.jpg")
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"orders/1/good.jpg"}, api.deleted)
}

func TestDeleteImages_NothingToDelete(t *testing.T) {
	api := &mockS3{}
	s := NewImageStore(api, testConfig(), nil)

	n, err := s.DeleteImages(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, api.deleted)
}

func TestHealthCheck(t *testing.T) {
	api := &mockS3{}
	s := NewImageStore(api, testConfig(), nil)
	assert.NoError(t, s.HealthCheck(context.Background()))

	api.headErr = errors.New("no such bucket")
	assert.ErrorContains(t, s.HealthCheck(context.Background()), "orderdesk-images")
}
