package app

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"classboard-discussion-service/internal/domain"
)

// Store owns discussions, their reply trees, and the reaction ledger.
// Implementations must scope mutation atomicity to a single discussion's
// reply set: writes to different discussions never block each other, and
// readers never observe a partially-applied selection change.
type Store interface {
	CreateDiscussion(ctx context.Context, d *domain.Discussion) error
	GetDiscussion(ctx context.Context, id string) (domain.Discussion, error)
	// ListDiscussions returns up to limit discussions of a classroom ordered
	// by (created_at, id) descending, strictly older than the cursor when
	// one is given.
	ListDiscussions(ctx context.Context, classroomID string, before Cursor, limit int) ([]domain.Discussion, error)
	// UpdateDiscussionContent replaces title/body and marks the row edited.
	UpdateDiscussionContent(ctx context.Context, id, title, body string) error

	// AddReply inserts the reply, enforcing the one-level nesting rule
	// atomically with the insert: a parent that itself has a parent yields
	// domain.ErrInvalidNesting and no row.
	AddReply(ctx context.Context, r *domain.Reply) error
	GetReply(ctx context.Context, id string) (domain.Reply, error)
	// UpdateReplyText replaces the text and marks the reply edited.
	UpdateReplyText(ctx context.Context, id, text string) error
	// RemoveReply deletes the reply, its nested replies, and their
	// reactions. Removing the selected reply reverts the discussion to
	// unanswered in the same transaction.
	RemoveReply(ctx context.Context, id string) error
	// ListReplies returns both levels of a discussion's replies ordered by
	// (created_at, id) ascending.
	ListReplies(ctx context.Context, discussionID string) ([]domain.Reply, error)

	// ToggleReaction applies toggle semantics for (re.UserID, re.ReplyID):
	// same value removes the reaction, a different value replaces it, no
	// prior reaction inserts one. Never touches selection state.
	ToggleReaction(ctx context.Context, re *domain.Reaction) (domain.ReactionState, error)
	// ListReactions returns all reactions attached to a discussion's replies.
	ListReactions(ctx context.Context, discussionID string) ([]domain.Reaction, error)

	// SelectAnswer clears any current selection on the discussion and marks
	// replyID selected, observed as a single unit. A reply that vanished
	// since the caller last looked yields domain.ErrConflict; a nested or
	// foreign reply yields domain.ErrInvalidSelection.
	SelectAnswer(ctx context.Context, discussionID, replyID string) error
	// ClearAnswer removes the current selection, if any.
	ClearAnswer(ctx context.Context, discussionID string) error
	// IsAnswered derives the answered predicate from the reply rows.
	IsAnswered(ctx context.Context, discussionID string) (bool, error)
}

// MembershipChecker is the external identity collaborator: it decides
// whether an actor may write in a classroom. The core treats it as a pure
// predicate and stores nothing about roles.
type MembershipChecker interface {
	Membership(ctx context.Context, userID, classroomID string) (domain.Membership, error)
}

// ProfileLoader resolves minimal user profiles for read views.
type ProfileLoader interface {
	LoadProfiles(ctx context.Context, userIDs []string) (map[string]domain.UserProfile, error)
}

// Cursor is a stable pagination position over (created_at, id) so pages
// neither skip nor duplicate rows under concurrent inserts.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether the cursor points at the top of the list.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

// EncodeCursor renders an opaque cursor token.
func EncodeCursor(c Cursor) string {
	raw := fmt.Sprintf("%d:%s", c.CreatedAt.UnixMicro(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor token produced by EncodeCursor.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, domain.NewValidationError(domain.FieldError{Field: "cursor", Message: "malformed cursor"})
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Cursor{}, domain.NewValidationError(domain.FieldError{Field: "cursor", Message: "malformed cursor"})
	}
	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, domain.NewValidationError(domain.FieldError{Field: "cursor", Message: "malformed cursor"})
	}
	return Cursor{CreatedAt: time.UnixMicro(micros).UTC(), ID: parts[1]}, nil
}

// DiscussionKey is the read-view key covering a single discussion's thread.
func DiscussionKey(discussionID string) string {
	return "discussion:" + discussionID
}

// ClassroomKey is the read-view key covering a classroom's discussion list.
func ClassroomKey(classroomID string) string {
	return "discussions:" + classroomID
}
