package app

import (
	"context"

	"golang.org/x/sync/singleflight"

	"classboard-discussion-service/internal/domain"
)

// ViewCache holds assembled read views keyed by the same invalidation keys
// the write path emits. The cache is advisory: a miss or a failed Set only
// costs a recomputation, never correctness.
type ViewCache interface {
	GetDiscussion(ctx context.Context, discussionID string) (domain.ExtendedDiscussion, bool, error)
	SetDiscussion(ctx context.Context, view domain.ExtendedDiscussion) error
	GetPage(ctx context.Context, classroomID, cursor string) (domain.DiscussionPage, bool, error)
	SetPage(ctx context.Context, classroomID, cursor string, page domain.DiscussionPage) error
	// Invalidate drops every view stored under the given keys.
	Invalidate(ctx context.Context, keys ...string) error
}

// Gateway is the boundary callers use. Reads are served through the view
// cache; writes pass through to the service and then invalidate exactly the
// read keys they affected, returning those keys so client-local caches can
// drop them too.
type Gateway struct {
	svc   *DiscussionService
	cache ViewCache
	sf    singleflight.Group
}

func NewGateway(svc *DiscussionService, cache ViewCache) *Gateway {
	return &Gateway{svc: svc, cache: cache}
}

// GetDiscussion returns the full thread view, cached under discussion:{id}.
func (g *Gateway) GetDiscussion(ctx context.Context, discussionID string) (domain.ExtendedDiscussion, error) {
	if view, ok, err := g.cache.GetDiscussion(ctx, discussionID); err == nil && ok {
		return view, nil
	}

	result, err, _ := g.sf.Do(DiscussionKey(discussionID), func() (interface{}, error) {
		// Re-check in case another goroutine filled the cache.
		if view, ok, err := g.cache.GetDiscussion(ctx, discussionID); err == nil && ok {
			return view, nil
		}
		view, err := g.svc.ExtendedDiscussion(ctx, discussionID)
		if err != nil {
			return domain.ExtendedDiscussion{}, err
		}
		_ = g.cache.SetDiscussion(ctx, view)
		return view, nil
	})
	if err != nil {
		return domain.ExtendedDiscussion{}, err
	}
	return result.(domain.ExtendedDiscussion), nil
}

// ListDiscussions returns one page of a classroom's discussions, cached
// per cursor under discussions:{classroomID}.
func (g *Gateway) ListDiscussions(ctx context.Context, classroomID, cursor string) (domain.DiscussionPage, error) {
	if page, ok, err := g.cache.GetPage(ctx, classroomID, cursor); err == nil && ok {
		return page, nil
	}

	result, err, _ := g.sf.Do(ClassroomKey(classroomID)+"#"+cursor, func() (interface{}, error) {
		if page, ok, err := g.cache.GetPage(ctx, classroomID, cursor); err == nil && ok {
			return page, nil
		}
		page, err := g.svc.ListDiscussions(ctx, classroomID, cursor)
		if err != nil {
			return domain.DiscussionPage{}, err
		}
		_ = g.cache.SetPage(ctx, classroomID, cursor, page)
		return page, nil
	})
	if err != nil {
		return domain.DiscussionPage{}, err
	}
	return result.(domain.DiscussionPage), nil
}

func (g *Gateway) CreateDiscussion(ctx context.Context, in CreateDiscussionInput) (domain.Discussion, []string, error) {
	d, keys, err := g.svc.CreateDiscussion(ctx, in)
	return d, g.applied(ctx, keys), err
}

func (g *Gateway) EditDiscussion(ctx context.Context, discussionID, title, body, actorID string) (domain.Discussion, []string, error) {
	d, keys, err := g.svc.EditDiscussion(ctx, discussionID, title, body, actorID)
	return d, g.applied(ctx, keys), err
}

func (g *Gateway) AddReply(ctx context.Context, discussionID string, parentReplyID *string, text, actorID string) (domain.Reply, []string, error) {
	r, keys, err := g.svc.AddReply(ctx, discussionID, parentReplyID, text, actorID)
	return r, g.applied(ctx, keys), err
}

func (g *Gateway) EditReply(ctx context.Context, replyID, text, actorID string) (domain.Reply, []string, error) {
	r, keys, err := g.svc.EditReply(ctx, replyID, text, actorID)
	return r, g.applied(ctx, keys), err
}

func (g *Gateway) RemoveReply(ctx context.Context, replyID, actorID string) ([]string, error) {
	keys, err := g.svc.RemoveReply(ctx, replyID, actorID)
	return g.applied(ctx, keys), err
}

func (g *Gateway) ToggleReaction(ctx context.Context, replyID, actorID string, value domain.ReactionValue) (domain.ReactionState, []string, error) {
	state, keys, err := g.svc.ToggleReaction(ctx, replyID, actorID, value)
	return state, g.applied(ctx, keys), err
}

func (g *Gateway) SelectAnswer(ctx context.Context, discussionID, replyID, actorID string) ([]string, error) {
	keys, err := g.svc.SelectAnswer(ctx, discussionID, replyID, actorID)
	return g.applied(ctx, keys), err
}

func (g *Gateway) DeselectAnswer(ctx context.Context, discussionID, actorID string) ([]string, error) {
	keys, err := g.svc.DeselectAnswer(ctx, discussionID, actorID)
	return g.applied(ctx, keys), err
}

// applied drops the affected keys from the server-side cache and hands them
// back for the response envelope. Invalidation failures are swallowed: the
// cache layer carries TTLs and must never mask a committed write.
func (g *Gateway) applied(ctx context.Context, keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	_ = g.cache.Invalidate(ctx, keys...)
	return keys
}
