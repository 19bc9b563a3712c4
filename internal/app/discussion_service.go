package app

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"classboard-discussion-service/internal/domain"
)

// DiscussionService contains the discussion, reply-tree, reaction, and
// answer-resolution use cases. Every successful mutation returns the set of
// read-view keys it invalidates; callers must drop those keys from any
// cache before the next read.
type DiscussionService struct {
	store    Store
	members  MembershipChecker
	profiles ProfileLoader
	now      func() time.Time
}

func NewDiscussionService(store Store, members MembershipChecker, profiles ProfileLoader) *DiscussionService {
	return &DiscussionService{store: store, members: members, profiles: profiles, now: time.Now}
}

// NewDiscussionServiceWithClock is test-only for deterministic timestamps.
func NewDiscussionServiceWithClock(store Store, members MembershipChecker, profiles ProfileLoader, now func() time.Time) *DiscussionService {
	return &DiscussionService{store: store, members: members, profiles: profiles, now: now}
}

// CreateDiscussionInput carries the caller-supplied fields for a new discussion.
type CreateDiscussionInput struct {
	Title       string
	Body        string
	Type        domain.DiscussionType
	ClassroomID string
	ActorID     string
}

// CreateDiscussion posts a new discussion in a classroom.
func (s *DiscussionService) CreateDiscussion(ctx context.Context, in CreateDiscussionInput) (domain.Discussion, []string, error) {
	if strings.TrimSpace(in.Title) == "" {
		return domain.Discussion{}, nil, domain.NewValidationError(domain.FieldError{Field: "title", Message: "must not be empty"})
	}
	if in.Type == "" {
		in.Type = domain.DiscussionQuestion
	}
	if !in.Type.Valid() {
		return domain.Discussion{}, nil, domain.NewValidationError(domain.FieldError{Field: "type", Message: "unknown discussion type"})
	}
	if err := s.requireMember(ctx, in.ActorID, in.ClassroomID); err != nil {
		return domain.Discussion{}, nil, err
	}

	d := domain.Discussion{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(in.Title),
		Body:        in.Body,
		Type:        in.Type,
		ClassroomID: in.ClassroomID,
		CreatorID:   in.ActorID,
		CreatedAt:   s.timestamp(),
	}
	if err := s.store.CreateDiscussion(ctx, &d); err != nil {
		return domain.Discussion{}, nil, err
	}
	return d, []string{ClassroomKey(d.ClassroomID)}, nil
}

// EditDiscussion replaces a discussion's title/body. Only the creator may
// edit; the edited flag sticks once set.
func (s *DiscussionService) EditDiscussion(ctx context.Context, discussionID, title, body, actorID string) (domain.Discussion, []string, error) {
	if strings.TrimSpace(title) == "" {
		return domain.Discussion{}, nil, domain.NewValidationError(domain.FieldError{Field: "title", Message: "must not be empty"})
	}
	d, err := s.store.GetDiscussion(ctx, discussionID)
	if err != nil {
		return domain.Discussion{}, nil, err
	}
	if d.CreatorID != actorID {
		return domain.Discussion{}, nil, domain.ErrForbidden
	}
	if err := s.store.UpdateDiscussionContent(ctx, discussionID, strings.TrimSpace(title), body); err != nil {
		return domain.Discussion{}, nil, err
	}
	d.Title = strings.TrimSpace(title)
	d.Body = body
	d.IsEdited = true
	return d, s.threadKeys(d), nil
}

// AddReply attaches a reply to a discussion, or nests it under a
// first-level reply when parentReplyID is given.
func (s *DiscussionService) AddReply(ctx context.Context, discussionID string, parentReplyID *string, text, actorID string) (domain.Reply, []string, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Reply{}, nil, domain.NewValidationError(domain.FieldError{Field: "text", Message: "must not be empty"})
	}
	d, err := s.store.GetDiscussion(ctx, discussionID)
	if err != nil {
		return domain.Reply{}, nil, err
	}
	if err := s.requireMember(ctx, actorID, d.ClassroomID); err != nil {
		return domain.Reply{}, nil, err
	}

	r := domain.Reply{
		ID:            uuid.NewString(),
		DiscussionID:  discussionID,
		ParentReplyID: parentReplyID,
		Text:          text,
		CreatorID:     actorID,
		CreatedAt:     s.timestamp(),
	}
	// Nesting and parent existence are re-checked atomically by the store.
	if err := s.store.AddReply(ctx, &r); err != nil {
		return domain.Reply{}, nil, err
	}
	return r, s.threadKeys(d), nil
}

// EditReply replaces a reply's text. Only its creator may edit.
func (s *DiscussionService) EditReply(ctx context.Context, replyID, text, actorID string) (domain.Reply, []string, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Reply{}, nil, domain.NewValidationError(domain.FieldError{Field: "text", Message: "must not be empty"})
	}
	r, err := s.store.GetReply(ctx, replyID)
	if err != nil {
		return domain.Reply{}, nil, err
	}
	if r.CreatorID != actorID {
		return domain.Reply{}, nil, domain.ErrForbidden
	}
	if err := s.store.UpdateReplyText(ctx, replyID, text); err != nil {
		return domain.Reply{}, nil, err
	}
	r.Text = text
	r.IsEdited = true
	keys, err := s.keysForDiscussion(ctx, r.DiscussionID)
	return r, keys, err
}

// RemoveReply deletes a reply (and its nested replies and reactions). If
// the reply was the selected answer, the discussion reverts to unanswered.
func (s *DiscussionService) RemoveReply(ctx context.Context, replyID, actorID string) ([]string, error) {
	r, err := s.store.GetReply(ctx, replyID)
	if err != nil {
		return nil, err
	}
	if r.CreatorID != actorID {
		return nil, domain.ErrForbidden
	}
	if err := s.store.RemoveReply(ctx, replyID); err != nil {
		return nil, err
	}
	return s.keysForDiscussion(ctx, r.DiscussionID)
}

// ToggleReaction applies the reaction toggle for (actor, reply): an
// identical value removes the reaction, a different value replaces it.
// Selection state is never touched.
func (s *DiscussionService) ToggleReaction(ctx context.Context, replyID, actorID string, value domain.ReactionValue) (domain.ReactionState, []string, error) {
	if value == "" {
		return domain.ReactionState{}, nil, domain.NewValidationError(domain.FieldError{Field: "value", Message: "must not be empty"})
	}
	r, err := s.store.GetReply(ctx, replyID)
	if err != nil {
		return domain.ReactionState{}, nil, err
	}
	d, err := s.store.GetDiscussion(ctx, r.DiscussionID)
	if err != nil {
		return domain.ReactionState{}, nil, err
	}
	if err := s.requireMember(ctx, actorID, d.ClassroomID); err != nil {
		return domain.ReactionState{}, nil, err
	}

	re := domain.Reaction{
		ID:        uuid.NewString(),
		ReplyID:   replyID,
		UserID:    actorID,
		Value:     value,
		CreatedAt: s.timestamp(),
	}
	state, err := s.store.ToggleReaction(ctx, &re)
	if err != nil {
		return domain.ReactionState{}, nil, err
	}
	return state, s.threadKeys(d), nil
}

// SelectAnswer marks a first-level reply as the discussion's answer. Any
// previous selection is cleared in the same atomic step. Allowed for the
// discussion's creator or a classroom teacher.
func (s *DiscussionService) SelectAnswer(ctx context.Context, discussionID, replyID, actorID string) ([]string, error) {
	d, err := s.store.GetDiscussion(ctx, discussionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireCreatorOrTeacher(ctx, d, actorID); err != nil {
		return nil, err
	}
	r, err := s.store.GetReply(ctx, replyID)
	if err != nil {
		return nil, err
	}
	if r.DiscussionID != discussionID || !r.FirstLevel() {
		return nil, domain.ErrInvalidSelection
	}
	if err := s.store.SelectAnswer(ctx, discussionID, replyID); err != nil {
		return nil, err
	}
	return s.threadKeys(d), nil
}

// DeselectAnswer reverts a discussion to unanswered.
func (s *DiscussionService) DeselectAnswer(ctx context.Context, discussionID, actorID string) ([]string, error) {
	d, err := s.store.GetDiscussion(ctx, discussionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireCreatorOrTeacher(ctx, d, actorID); err != nil {
		return nil, err
	}
	if err := s.store.ClearAnswer(ctx, discussionID); err != nil {
		return nil, err
	}
	return s.threadKeys(d), nil
}

// IsAnswered derives the answered predicate from current reply rows.
func (s *DiscussionService) IsAnswered(ctx context.Context, discussionID string) (bool, error) {
	return s.store.IsAnswered(ctx, discussionID)
}

// GetDiscussion returns the bare discussion row.
func (s *DiscussionService) GetDiscussion(ctx context.Context, discussionID string) (domain.Discussion, error) {
	return s.store.GetDiscussion(ctx, discussionID)
}

const pageSize = 20

// ListDiscussions returns one page of a classroom's discussions, most
// recent first, with an opaque continuation cursor.
func (s *DiscussionService) ListDiscussions(ctx context.Context, classroomID, cursor string) (domain.DiscussionPage, error) {
	var before Cursor
	if cursor != "" {
		var err error
		before, err = DecodeCursor(cursor)
		if err != nil {
			return domain.DiscussionPage{}, err
		}
	}
	items, err := s.store.ListDiscussions(ctx, classroomID, before, pageSize+1)
	if err != nil {
		return domain.DiscussionPage{}, err
	}
	page := domain.DiscussionPage{Items: items}
	if len(items) > pageSize {
		page.Items = items[:pageSize]
		last := page.Items[pageSize-1]
		page.NextCursor = EncodeCursor(Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

// ExtendedDiscussion assembles the full thread view bottom-up: discussion,
// both reply levels in chronological order, grouped reactions, and creator
// profiles. Answered is derived from the reply rows on every call.
func (s *DiscussionService) ExtendedDiscussion(ctx context.Context, discussionID string) (domain.ExtendedDiscussion, error) {
	d, err := s.store.GetDiscussion(ctx, discussionID)
	if err != nil {
		return domain.ExtendedDiscussion{}, err
	}
	replies, err := s.store.ListReplies(ctx, discussionID)
	if err != nil {
		return domain.ExtendedDiscussion{}, err
	}
	reactions, err := s.store.ListReactions(ctx, discussionID)
	if err != nil {
		return domain.ExtendedDiscussion{}, err
	}

	profileIDs := []string{d.CreatorID}
	for _, r := range replies {
		profileIDs = append(profileIDs, r.CreatorID)
	}
	profiles, err := s.loadProfiles(ctx, profileIDs)
	if err != nil {
		return domain.ExtendedDiscussion{}, err
	}

	groups := groupReactions(reactions)
	view := domain.ExtendedDiscussion{
		Discussion: d,
		Creator:    profiles[d.CreatorID],
		ReplyCount: len(replies),
		Replies:    []domain.ReplyNode{},
	}

	byID := make(map[string]int) // reply ID -> index in view.Replies
	for _, r := range replies {
		if !r.FirstLevel() {
			continue
		}
		if r.Selected {
			view.Answered = true
		}
		byID[r.ID] = len(view.Replies)
		view.Replies = append(view.Replies, domain.ReplyNode{
			Reply:     r,
			Creator:   profiles[r.CreatorID],
			Reactions: groups[r.ID],
		})
	}
	for _, r := range replies {
		if r.FirstLevel() {
			continue
		}
		idx, ok := byID[*r.ParentReplyID]
		if !ok {
			continue
		}
		parent := &view.Replies[idx]
		parent.Children = append(parent.Children, domain.ReplyNode{
			Reply:     r,
			Creator:   profiles[r.CreatorID],
			Reactions: groups[r.ID],
		})
	}
	return view, nil
}

// timestamp truncates to microseconds, the granularity cursors and
// TIMESTAMPTZ columns preserve.
func (s *DiscussionService) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *DiscussionService) requireMember(ctx context.Context, userID, classroomID string) error {
	m, err := s.members.Membership(ctx, userID, classroomID)
	if err != nil {
		return err
	}
	if !m.IsMember {
		return domain.ErrForbidden
	}
	return nil
}

func (s *DiscussionService) requireCreatorOrTeacher(ctx context.Context, d domain.Discussion, actorID string) error {
	if d.CreatorID == actorID {
		return nil
	}
	m, err := s.members.Membership(ctx, actorID, d.ClassroomID)
	if err != nil {
		return err
	}
	if !m.IsTeacher {
		return domain.ErrForbidden
	}
	return nil
}

func (s *DiscussionService) loadProfiles(ctx context.Context, ids []string) (map[string]domain.UserProfile, error) {
	seen := make(map[string]struct{}, len(ids))
	unique := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	profiles, err := s.profiles.LoadProfiles(ctx, unique)
	if err != nil {
		return nil, err
	}
	for _, id := range unique {
		if _, ok := profiles[id]; !ok {
			profiles[id] = domain.UserProfile{ID: id}
		}
	}
	return profiles, nil
}

func (s *DiscussionService) threadKeys(d domain.Discussion) []string {
	return []string{DiscussionKey(d.ID), ClassroomKey(d.ClassroomID)}
}

func (s *DiscussionService) keysForDiscussion(ctx context.Context, discussionID string) ([]string, error) {
	d, err := s.store.GetDiscussion(ctx, discussionID)
	if err != nil {
		// The write already landed; invalidate the thread key at minimum.
		return []string{DiscussionKey(discussionID)}, nil
	}
	return s.threadKeys(d), nil
}

func groupReactions(reactions []domain.Reaction) map[string][]domain.ReactionGroup {
	byReply := make(map[string]map[domain.ReactionValue]*domain.ReactionGroup)
	for _, re := range reactions {
		values, ok := byReply[re.ReplyID]
		if !ok {
			values = make(map[domain.ReactionValue]*domain.ReactionGroup)
			byReply[re.ReplyID] = values
		}
		g, ok := values[re.Value]
		if !ok {
			g = &domain.ReactionGroup{Value: re.Value}
			values[re.Value] = g
		}
		g.Count++
		g.UserIDs = append(g.UserIDs, re.UserID)
	}

	out := make(map[string][]domain.ReactionGroup, len(byReply))
	for replyID, values := range byReply {
		groups := make([]domain.ReactionGroup, 0, len(values))
		for _, g := range values {
			sort.Strings(g.UserIDs)
			groups = append(groups, *g)
		}
		sort.Slice(groups, func(i, j int) bool { return groups[i].Value < groups[j].Value })
		out[replyID] = groups
	}
	return out
}
