package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"classboard-discussion-service/internal/domain"
)

func TestAddReplyEnforcesNesting(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	d := seedDiscussion(t, store, "d1")

	r1 := seedReply(t, store, d.ID, nil, "r1")
	r2 := seedReply(t, store, d.ID, &r1.ID, "r2")

	third := domain.Reply{ID: "r3", DiscussionID: d.ID, ParentReplyID: &r2.ID, Text: "too deep", CreatorID: "u", CreatedAt: time.Now()}
	if err := store.AddReply(ctx, &third); !errors.Is(err, domain.ErrInvalidNesting) {
		t.Fatalf("expected invalid nesting, got %v", err)
	}
	if _, err := store.GetReply(ctx, "r3"); !errors.Is(err, domain.ErrReplyNotFound) {
		t.Fatalf("rejected reply must not persist")
	}

	// Parent from another discussion reads as missing.
	other := seedDiscussion(t, store, "d2")
	cross := domain.Reply{ID: "rx", DiscussionID: other.ID, ParentReplyID: &r1.ID, Text: "cross", CreatorID: "u", CreatedAt: time.Now()}
	if err := store.AddReply(ctx, &cross); !errors.Is(err, domain.ErrReplyNotFound) {
		t.Fatalf("expected reply not found for cross-discussion parent, got %v", err)
	}
}

func TestSelectAnswerConflictOnMissingReply(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	d := seedDiscussion(t, store, "d1")

	if err := store.SelectAnswer(ctx, d.ID, "vanished"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for missing reply, got %v", err)
	}
}

func TestRemoveReplyCascades(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	d := seedDiscussion(t, store, "d1")
	r1 := seedReply(t, store, d.ID, nil, "r1")
	r2 := seedReply(t, store, d.ID, &r1.ID, "r2")

	re := domain.Reaction{ID: "x1", ReplyID: r2.ID, UserID: "u2", Value: domain.ReactionLike, CreatedAt: time.Now()}
	if _, err := store.ToggleReaction(ctx, &re); err != nil {
		t.Fatalf("react: %v", err)
	}
	if err := store.SelectAnswer(ctx, d.ID, r1.ID); err != nil {
		t.Fatalf("select: %v", err)
	}

	if err := store.RemoveReply(ctx, r1.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.GetReply(ctx, r2.ID); !errors.Is(err, domain.ErrReplyNotFound) {
		t.Fatalf("expected nested reply removed with parent")
	}
	reactions, err := store.ListReactions(ctx, d.ID)
	if err != nil || len(reactions) != 0 {
		t.Fatalf("expected reactions removed with reply, got %v err=%v", reactions, err)
	}
	if answered, _ := store.IsAnswered(ctx, d.ID); answered {
		t.Fatalf("expected answered state reverted")
	}
}

func TestToggleReactionUniquePerUserAndReply(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	d := seedDiscussion(t, store, "d1")
	r1 := seedReply(t, store, d.ID, nil, "r1")

	first := domain.Reaction{ID: "x1", ReplyID: r1.ID, UserID: "u2", Value: domain.ReactionLike, CreatedAt: time.Now()}
	if state, err := store.ToggleReaction(ctx, &first); err != nil || !state.Applied {
		t.Fatalf("expected applied, got %+v err=%v", state, err)
	}
	replaced := domain.Reaction{ID: "x2", ReplyID: r1.ID, UserID: "u2", Value: domain.ReactionHelpful, CreatedAt: time.Now()}
	state, err := store.ToggleReaction(ctx, &replaced)
	if err != nil || !state.Applied || state.PreviousValue != domain.ReactionLike {
		t.Fatalf("expected replacement, got %+v err=%v", state, err)
	}

	reactions, _ := store.ListReactions(ctx, d.ID)
	if len(reactions) != 1 || reactions[0].Value != domain.ReactionHelpful {
		t.Fatalf("expected single reaction with replaced value, got %+v", reactions)
	}
}

func TestConcurrentSelectionKeepsOneWinner(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	d := seedDiscussion(t, store, "d1")

	replies := make([]domain.Reply, 8)
	for i := range replies {
		replies[i] = seedReply(t, store, d.ID, nil, "r"+string(rune('a'+i)))
	}

	var wg sync.WaitGroup
	for _, r := range replies {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := store.SelectAnswer(ctx, d.ID, id); err != nil {
				t.Errorf("select %s: %v", id, err)
			}
		}(r.ID)
	}
	wg.Wait()

	all, err := store.ListReplies(ctx, d.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	selected := 0
	for _, r := range all {
		if r.Selected {
			selected++
		}
	}
	if selected != 1 {
		t.Fatalf("expected exactly one winner, got %d", selected)
	}
}

func seedDiscussion(t *testing.T, store *Store, id string) domain.Discussion {
	t.Helper()
	d := domain.Discussion{
		ID:          id,
		Title:       "title " + id,
		Type:        domain.DiscussionQuestion,
		ClassroomID: "c1",
		CreatorID:   "u1",
		CreatedAt:   time.Now(),
	}
	if err := store.CreateDiscussion(context.Background(), &d); err != nil {
		t.Fatalf("seed discussion: %v", err)
	}
	return d
}

func seedReply(t *testing.T, store *Store, discussionID string, parent *string, id string) domain.Reply {
	t.Helper()
	r := domain.Reply{
		ID:            id,
		DiscussionID:  discussionID,
		ParentReplyID: parent,
		Text:          "text " + id,
		CreatorID:     "u1",
		CreatedAt:     time.Now(),
	}
	if err := store.AddReply(context.Background(), &r); err != nil {
		t.Fatalf("seed reply: %v", err)
	}
	return r
}
