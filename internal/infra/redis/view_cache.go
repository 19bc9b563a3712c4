package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"classboard-discussion-service/internal/app"
	"classboard-discussion-service/internal/domain"
)

// ViewCache stores assembled read views in Redis under the gateway's
// invalidation keys:
//
//	SET  discussion:{discussionID}        {ExtendedDiscussion JSON}
//	HSET discussions:{classroomID} {cur}  {DiscussionPage JSON}
//
// A classroom's list pages share one hash so a single DEL drops every
// cursor at once. Cache errors degrade to misses; the store stays the
// source of truth.
type ViewCache struct {
	client *redis.Client
	ttl    time.Duration
	rnd    *rand.Rand
}

func NewViewCache(client *redis.Client, ttl time.Duration) *ViewCache {
	return &ViewCache{
		client: client,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

var _ app.ViewCache = (*ViewCache)(nil)

func (c *ViewCache) GetDiscussion(ctx context.Context, discussionID string) (domain.ExtendedDiscussion, bool, error) {
	raw, err := c.client.Get(ctx, app.DiscussionKey(discussionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.ExtendedDiscussion{}, false, nil
		}
		return domain.ExtendedDiscussion{}, false, err
	}
	var view domain.ExtendedDiscussion
	if err := json.Unmarshal(raw, &view); err != nil {
		// Stale or foreign payload; treat as a miss and let the gateway refill.
		return domain.ExtendedDiscussion{}, false, nil
	}
	return view, true, nil
}

func (c *ViewCache) SetDiscussion(ctx context.Context, view domain.ExtendedDiscussion) error {
	raw, err := json.Marshal(view)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, app.DiscussionKey(view.ID), raw, c.ttlWithJitter()).Err()
}

func (c *ViewCache) GetPage(ctx context.Context, classroomID, cursor string) (domain.DiscussionPage, bool, error) {
	raw, err := c.client.HGet(ctx, app.ClassroomKey(classroomID), pageField(cursor)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.DiscussionPage{}, false, nil
		}
		return domain.DiscussionPage{}, false, err
	}
	var page domain.DiscussionPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return domain.DiscussionPage{}, false, nil
	}
	return page, true, nil
}

func (c *ViewCache) SetPage(ctx context.Context, classroomID, cursor string, page domain.DiscussionPage) error {
	raw, err := json.Marshal(page)
	if err != nil {
		return err
	}
	key := app.ClassroomKey(classroomID)
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, pageField(cursor), raw)
	if ttl := c.ttlWithJitter(); ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (c *ViewCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func pageField(cursor string) string {
	if cursor == "" {
		return "head"
	}
	return cursor
}

func (c *ViewCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
