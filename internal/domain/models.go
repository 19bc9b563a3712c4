package domain

import "time"

// DiscussionType classifies a discussion thread.
type DiscussionType string

const (
	// DiscussionQuestion is a question expecting a selectable answer.
	DiscussionQuestion DiscussionType = "question"
	// DiscussionAnnouncement is an announcement thread; replies are follow-ups, not answers.
	DiscussionAnnouncement DiscussionType = "announcement"
)

// Valid reports whether t is a known discussion type.
func (t DiscussionType) Valid() bool {
	return t == DiscussionQuestion || t == DiscussionAnnouncement
}

// ReactionValue is the typed kind of a reaction.
type ReactionValue string

const (
	ReactionLike      ReactionValue = "like"
	ReactionHelpful   ReactionValue = "helpful"
	ReactionCelebrate ReactionValue = "celebrate"
)

// Discussion is a top-level question or topic posted in a classroom.
// Classroom and creator associations are immutable after creation.
type Discussion struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Type        DiscussionType `json:"type"`
	ClassroomID string         `json:"classroomId"`
	CreatorID   string         `json:"creatorId"`
	CreatedAt   time.Time      `json:"createdAt"`
	IsEdited    bool           `json:"isEdited"`
}

// Reply is a response to a discussion, or to a first-level reply.
// Nesting is at most one level deep: a reply with a non-nil ParentReplyID
// may receive reactions but never replies of its own.
type Reply struct {
	ID            string    `json:"id"`
	DiscussionID  string    `json:"discussionId"`
	ParentReplyID *string   `json:"parentReplyId,omitempty"`
	Text          string    `json:"text"`
	CreatorID     string    `json:"creatorId"`
	CreatedAt     time.Time `json:"createdAt"`
	Selected      bool      `json:"selected"`
	IsEdited      bool      `json:"isEdited"`
}

// FirstLevel reports whether the reply is attached directly to its discussion.
func (r Reply) FirstLevel() bool {
	return r.ParentReplyID == nil
}

// Reaction is a single user's typed response to exactly one reply.
// At most one reaction exists per (user, reply) pair regardless of value.
type Reaction struct {
	ID        string        `json:"id"`
	ReplyID   string        `json:"replyId"`
	UserID    string        `json:"userId"`
	Value     ReactionValue `json:"value"`
	CreatedAt time.Time     `json:"createdAt"`
}

// ReactionState is the outcome of a reaction toggle.
type ReactionState struct {
	Applied       bool          `json:"applied"`
	PreviousValue ReactionValue `json:"previousValue,omitempty"`
}

// ReactionGroup is the display view of reactions on a reply: one entry per
// value with the users who reacted with it.
type ReactionGroup struct {
	Value   ReactionValue `json:"value"`
	Count   int           `json:"count"`
	UserIDs []string      `json:"userIds"`
}

// UserProfile is the minimal profile embedded into read views. Profile
// storage belongs to a collaborator; absent users degrade to an ID-only
// placeholder.
type UserProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Membership is the identity collaborator's verdict for (user, classroom).
type Membership struct {
	IsMember  bool `json:"isMember"`
	IsTeacher bool `json:"isTeacher"`
}

// ReplyNode is a reply enriched for display: creator profile, grouped
// reactions, and (for first-level replies) its nested children.
type ReplyNode struct {
	Reply
	Creator   UserProfile     `json:"creator"`
	Reactions []ReactionGroup `json:"reactions"`
	Children  []ReplyNode     `json:"children,omitempty"`
}

// ExtendedDiscussion is a discussion plus everything a thread view needs.
// Answered is always derived from the reply rows, never stored.
type ExtendedDiscussion struct {
	Discussion
	Creator    UserProfile `json:"creator"`
	ReplyCount int         `json:"replyCount"`
	Answered   bool        `json:"answered"`
	Replies    []ReplyNode `json:"replies"`
}

// DiscussionPage is one page of a classroom's discussions, most recent
// first. NextCursor is empty on the last page.
type DiscussionPage struct {
	Items      []Discussion `json:"items"`
	NextCursor string       `json:"nextCursor,omitempty"`
}
