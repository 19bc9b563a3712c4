package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"classboard-discussion-service/internal/app"
	"classboard-discussion-service/internal/domain"
)

// ViewCache caches assembled read views with a TTL so demo deployments
// without Redis still get the gateway's caching behavior. Entries live
// under the same keys the write path invalidates.
type ViewCache struct {
	ttl   time.Duration
	clock func() time.Time
	rnd   *rand.Rand

	mu      sync.RWMutex
	threads map[string]cachedThread          // key: discussion:{id}
	pages   map[string]map[string]cachedPage // key: discussions:{classroomID} -> cursor
}

type cachedThread struct {
	view      domain.ExtendedDiscussion
	expiresAt time.Time
}

type cachedPage struct {
	page      domain.DiscussionPage
	expiresAt time.Time
}

func NewViewCache(ttl time.Duration) *ViewCache {
	return &ViewCache{
		ttl:     ttl,
		clock:   time.Now,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		threads: make(map[string]cachedThread),
		pages:   make(map[string]map[string]cachedPage),
	}
}

var _ app.ViewCache = (*ViewCache)(nil)

func (c *ViewCache) GetDiscussion(_ context.Context, discussionID string) (domain.ExtendedDiscussion, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.threads[app.DiscussionKey(discussionID)]
	if !ok || !entry.expiresAt.After(c.clock()) {
		return domain.ExtendedDiscussion{}, false, nil
	}
	return entry.view, true, nil
}

func (c *ViewCache) SetDiscussion(_ context.Context, view domain.ExtendedDiscussion) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads[app.DiscussionKey(view.ID)] = cachedThread{
		view:      view,
		expiresAt: c.clock().Add(c.ttlWithJitter()),
	}
	return nil
}

func (c *ViewCache) GetPage(_ context.Context, classroomID, cursor string) (domain.DiscussionPage, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pages, ok := c.pages[app.ClassroomKey(classroomID)]
	if !ok {
		return domain.DiscussionPage{}, false, nil
	}
	entry, ok := pages[cursor]
	if !ok || !entry.expiresAt.After(c.clock()) {
		return domain.DiscussionPage{}, false, nil
	}
	return entry.page, true, nil
}

func (c *ViewCache) SetPage(_ context.Context, classroomID, cursor string, page domain.DiscussionPage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := app.ClassroomKey(classroomID)
	pages, ok := c.pages[key]
	if !ok {
		pages = make(map[string]cachedPage)
		c.pages[key] = pages
	}
	pages[cursor] = cachedPage{
		page:      page,
		expiresAt: c.clock().Add(c.ttlWithJitter()),
	}
	return nil
}

func (c *ViewCache) Invalidate(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.threads, key)
		delete(c.pages, key)
	}
	return nil
}

func (c *ViewCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
