package dedup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisClient connects to REDIS_ADDR or skips the test
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func record(key, msg string) *domain.Record {
	return &domain.Record{Key: key, ID: key, Kind: domain.KindComments, SourceID: "post_1", Message: msg}
}

func TestFingerprint(t *testing.T) {
	a := record("c1", "hello")
	b := record("c1", "hello")
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	b.LikeCount = 1
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))

	post := &domain.Record{Key: "p1", Message: "x", UpdatedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "v:2024-01-02T00:00:00Z", Fingerprint(post))
	post.Message = "edited"
	assert.Equal(t, "v:2024-01-02T00:00:00Z", Fingerprint(post))
}

func TestCheckResultString(t *testing.T) {
	assert.Equal(t, "new", ResultNew.String())
	assert.Equal(t, "updated", ResultUpdated.String())
	assert.Equal(t, "unchanged", ResultUnchanged.String())
}

func TestDeduplicator_FilterThenMark(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	d := NewDeduplicator(client, "test-"+uuid.NewString(), time.Minute)

	first := []*domain.Record{record("c1", "a"), record("c2", "b")}
	fresh, err := d.Filter(ctx, first)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)

	fresh, err = d.Filter(ctx, first)
	require.NoError(t, err)
	assert.Len(t, fresh, 2, "filtering alone does not mark")

	require.NoError(t, d.MarkSeen(ctx, fresh))

	second := []*domain.Record{record("c1", "a"), record("c2", "b, edited"), record("c3", "c")}
	fresh, err = d.Filter(ctx, second)
	require.NoError(t, err)
	require.Len(t, fresh, 2)
	assert.Equal(t, "c2", fresh[0].Key)
	assert.Equal(t, "c3", fresh[1].Key)
	require.NoError(t, d.MarkSeen(ctx, fresh))

	removed, err := d.Forget(ctx, domain.KindComments, "post_1")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	fresh, err = d.Filter(ctx, second)
	require.NoError(t, err)
	assert.Len(t, fresh, 3)
}
