package memory

import (
	"context"
	"sort"
	"sync"

	"classboard-discussion-service/internal/app"
	"classboard-discussion-service/internal/domain"
)

// Store is an in-memory implementation of app.Store, used by tests and the
// no-database demo mode. Mutations that span multiple rows of one
// discussion hold that discussion's lock, so writes to different
// discussions proceed independently; the short map lock underneath never
// outlives a single step.
type Store struct {
	mu          sync.RWMutex
	discussions map[string]domain.Discussion
	replies     map[string]domain.Reply
	reactions   map[string]map[string]domain.Reaction // replyID -> userID -> reaction

	lockMu    sync.Mutex
	discLocks map[string]*sync.Mutex
}

func NewStore() *Store {
	return &Store{
		discussions: make(map[string]domain.Discussion),
		replies:     make(map[string]domain.Reply),
		reactions:   make(map[string]map[string]domain.Reaction),
		discLocks:   make(map[string]*sync.Mutex),
	}
}

var _ app.Store = (*Store)(nil)

func (s *Store) discussionLock(discussionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.discLocks[discussionID]
	if !ok {
		l = &sync.Mutex{}
		s.discLocks[discussionID] = l
	}
	return l
}

func (s *Store) CreateDiscussion(_ context.Context, d *domain.Discussion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discussions[d.ID] = *d
	return nil
}

func (s *Store) GetDiscussion(_ context.Context, id string) (domain.Discussion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.discussions[id]
	if !ok {
		return domain.Discussion{}, domain.ErrDiscussionNotFound
	}
	return d, nil
}

func (s *Store) ListDiscussions(_ context.Context, classroomID string, before app.Cursor, limit int) ([]domain.Discussion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Discussion, 0)
	for _, d := range s.discussions {
		if d.ClassroomID != classroomID {
			continue
		}
		if !before.IsZero() {
			if d.CreatedAt.After(before.CreatedAt) {
				continue
			}
			if d.CreatedAt.Equal(before.CreatedAt) && d.ID >= before.ID {
				continue
			}
		}
		items = append(items, d)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) UpdateDiscussionContent(_ context.Context, id, title, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.discussions[id]
	if !ok {
		return domain.ErrDiscussionNotFound
	}
	d.Title = title
	d.Body = body
	d.IsEdited = true
	s.discussions[id] = d
	return nil
}

func (s *Store) AddReply(_ context.Context, r *domain.Reply) error {
	lock := s.discussionLock(r.DiscussionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.discussions[r.DiscussionID]; !ok {
		return domain.ErrDiscussionNotFound
	}
	if r.ParentReplyID != nil {
		parent, ok := s.replies[*r.ParentReplyID]
		if !ok || parent.DiscussionID != r.DiscussionID {
			return domain.ErrReplyNotFound
		}
		if !parent.FirstLevel() {
			return domain.ErrInvalidNesting
		}
	}
	s.replies[r.ID] = *r
	return nil
}

func (s *Store) GetReply(_ context.Context, id string) (domain.Reply, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.replies[id]
	if !ok {
		return domain.Reply{}, domain.ErrReplyNotFound
	}
	return r, nil
}

func (s *Store) UpdateReplyText(_ context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replies[id]
	if !ok {
		return domain.ErrReplyNotFound
	}
	r.Text = text
	r.IsEdited = true
	s.replies[id] = r
	return nil
}

func (s *Store) RemoveReply(_ context.Context, id string) error {
	s.mu.RLock()
	r, ok := s.replies[id]
	s.mu.RUnlock()
	if !ok {
		return domain.ErrReplyNotFound
	}

	lock := s.discussionLock(r.DiscussionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.replies[id]; !ok {
		return domain.ErrReplyNotFound
	}

	removed := []string{id}
	for childID, child := range s.replies {
		if child.ParentReplyID != nil && *child.ParentReplyID == id {
			removed = append(removed, childID)
		}
	}
	for _, rid := range removed {
		delete(s.replies, rid)
		delete(s.reactions, rid)
	}
	return nil
}

func (s *Store) ListReplies(_ context.Context, discussionID string) ([]domain.Reply, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Reply, 0)
	for _, r := range s.replies {
		if r.DiscussionID == discussionID {
			items = append(items, r)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *Store) ToggleReaction(_ context.Context, re *domain.Reaction) (domain.ReactionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.replies[re.ReplyID]; !ok {
		return domain.ReactionState{}, domain.ErrReplyNotFound
	}
	users, ok := s.reactions[re.ReplyID]
	if !ok {
		users = make(map[string]domain.Reaction)
		s.reactions[re.ReplyID] = users
	}

	existing, ok := users[re.UserID]
	if ok && existing.Value == re.Value {
		delete(users, re.UserID)
		return domain.ReactionState{Applied: false, PreviousValue: existing.Value}, nil
	}
	users[re.UserID] = *re
	state := domain.ReactionState{Applied: true}
	if ok {
		state.PreviousValue = existing.Value
	}
	return state, nil
}

func (s *Store) ListReactions(_ context.Context, discussionID string) ([]domain.Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Reaction, 0)
	for replyID, users := range s.reactions {
		r, ok := s.replies[replyID]
		if !ok || r.DiscussionID != discussionID {
			continue
		}
		for _, re := range users {
			items = append(items, re)
		}
	}
	return items, nil
}

func (s *Store) SelectAnswer(_ context.Context, discussionID, replyID string) error {
	lock := s.discussionLock(discussionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.discussions[discussionID]; !ok {
		return domain.ErrDiscussionNotFound
	}
	target, ok := s.replies[replyID]
	if !ok {
		// The caller saw this reply moments ago; it vanished underneath them.
		return domain.ErrConflict
	}
	if target.DiscussionID != discussionID || !target.FirstLevel() {
		return domain.ErrInvalidSelection
	}

	for id, r := range s.replies {
		if r.DiscussionID == discussionID && r.Selected {
			r.Selected = false
			s.replies[id] = r
		}
	}
	target.Selected = true
	s.replies[replyID] = target
	return nil
}

func (s *Store) ClearAnswer(_ context.Context, discussionID string) error {
	lock := s.discussionLock(discussionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.discussions[discussionID]; !ok {
		return domain.ErrDiscussionNotFound
	}
	for id, r := range s.replies {
		if r.DiscussionID == discussionID && r.Selected {
			r.Selected = false
			s.replies[id] = r
		}
	}
	return nil
}

func (s *Store) IsAnswered(_ context.Context, discussionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.replies {
		if r.DiscussionID == discussionID && r.Selected {
			return true, nil
		}
	}
	return false, nil
}
