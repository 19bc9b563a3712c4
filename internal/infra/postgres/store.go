package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/uptrace/bun"

	"classboard-discussion-service/internal/app"
	"classboard-discussion-service/internal/domain"
)

// Store is the bun-backed implementation of app.Store. Selection and
// removal mutations lock the discussion row (SELECT ... FOR UPDATE) so
// concurrent writers to the same discussion serialize while other
// discussions proceed untouched; the partial unique index on
// (discussion_id) WHERE selected backstops the single-answer invariant.
type Store struct {
	db *bun.DB
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

var _ app.Store = (*Store)(nil)

type discussionRow struct {
	bun.BaseModel `bun:"table:discussions,alias:d"`

	ID          string    `bun:"id,pk"`
	Title       string    `bun:"title"`
	Body        string    `bun:"body"`
	Type        string    `bun:"type"`
	ClassroomID string    `bun:"classroom_id"`
	CreatorID   string    `bun:"creator_id"`
	CreatedAt   time.Time `bun:"created_at"`
	IsEdited    bool      `bun:"is_edited"`
}

type replyRow struct {
	bun.BaseModel `bun:"table:replies,alias:r"`

	ID            string    `bun:"id,pk"`
	DiscussionID  string    `bun:"discussion_id"`
	ParentReplyID *string   `bun:"parent_reply_id"`
	Text          string    `bun:"text"`
	CreatorID     string    `bun:"creator_id"`
	CreatedAt     time.Time `bun:"created_at"`
	Selected      bool      `bun:"selected"`
	IsEdited      bool      `bun:"is_edited"`
}

type reactionRow struct {
	bun.BaseModel `bun:"table:reactions,alias:re"`

	ID        string    `bun:"id,pk"`
	ReplyID   string    `bun:"reply_id"`
	UserID    string    `bun:"user_id"`
	Value     string    `bun:"value"`
	CreatedAt time.Time `bun:"created_at"`
}

func (s *Store) CreateDiscussion(ctx context.Context, d *domain.Discussion) error {
	row := discussionFromDomain(*d)
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("insert discussion: %w", err)
	}
	return nil
}

func (s *Store) GetDiscussion(ctx context.Context, id string) (domain.Discussion, error) {
	var row discussionRow
	err := s.readRetry(ctx, func(ctx context.Context) error {
		return s.db.NewSelect().Model(&row).Where("d.id = ?", id).Scan(ctx)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Discussion{}, domain.ErrDiscussionNotFound
		}
		return domain.Discussion{}, fmt.Errorf("select discussion: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListDiscussions(ctx context.Context, classroomID string, before app.Cursor, limit int) ([]domain.Discussion, error) {
	var rows []discussionRow
	err := s.readRetry(ctx, func(ctx context.Context) error {
		q := s.db.NewSelect().Model(&rows).
			Where("d.classroom_id = ?", classroomID).
			OrderExpr("d.created_at DESC, d.id DESC").
			Limit(limit)
		if !before.IsZero() {
			q = q.Where("(d.created_at, d.id) < (?, ?)", before.CreatedAt, before.ID)
		}
		rows = rows[:0]
		return q.Scan(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list discussions: %w", err)
	}
	items := make([]domain.Discussion, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toDomain())
	}
	return items, nil
}

func (s *Store) UpdateDiscussionContent(ctx context.Context, id, title, body string) error {
	res, err := s.db.NewUpdate().Model((*discussionRow)(nil)).
		Set("title = ?", title).
		Set("body = ?", body).
		Set("is_edited = TRUE").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update discussion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrDiscussionNotFound
	}
	return nil
}

func (s *Store) AddReply(ctx context.Context, r *domain.Reply) error {
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().Model((*discussionRow)(nil)).Where("d.id = ?", r.DiscussionID).Exists(ctx)
		if err != nil {
			return fmt.Errorf("check discussion: %w", err)
		}
		if !exists {
			return domain.ErrDiscussionNotFound
		}
		if r.ParentReplyID != nil {
			var parent replyRow
			// Locking the parent serializes against a concurrent RemoveReply.
			err := tx.NewSelect().Model(&parent).Where("r.id = ?", *r.ParentReplyID).For("UPDATE").Scan(ctx)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return domain.ErrReplyNotFound
				}
				return fmt.Errorf("select parent reply: %w", err)
			}
			if parent.DiscussionID != r.DiscussionID {
				return domain.ErrReplyNotFound
			}
			if parent.ParentReplyID != nil {
				return domain.ErrInvalidNesting
			}
		}
		row := replyFromDomain(*r)
		if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
			return fmt.Errorf("insert reply: %w", err)
		}
		return nil
	})
}

func (s *Store) GetReply(ctx context.Context, id string) (domain.Reply, error) {
	var row replyRow
	err := s.readRetry(ctx, func(ctx context.Context) error {
		return s.db.NewSelect().Model(&row).Where("r.id = ?", id).Scan(ctx)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Reply{}, domain.ErrReplyNotFound
		}
		return domain.Reply{}, fmt.Errorf("select reply: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateReplyText(ctx context.Context, id, text string) error {
	res, err := s.db.NewUpdate().Model((*replyRow)(nil)).
		Set("text = ?", text).
		Set("is_edited = TRUE").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update reply: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrReplyNotFound
	}
	return nil
}

func (s *Store) RemoveReply(ctx context.Context, id string) error {
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var row replyRow
		err := tx.NewSelect().Model(&row).Where("r.id = ?", id).For("UPDATE").Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrReplyNotFound
			}
			return fmt.Errorf("select reply: %w", err)
		}
		// Serialize with selection changes on the same discussion.
		if err := lockDiscussion(ctx, tx, row.DiscussionID); err != nil {
			return err
		}
		// ON DELETE CASCADE takes the nested replies and all reactions with it;
		// deleting a selected reply reverts the discussion to unanswered.
		if _, err := tx.NewDelete().Model((*replyRow)(nil)).Where("id = ?", id).Exec(ctx); err != nil {
			return fmt.Errorf("delete reply: %w", err)
		}
		return nil
	})
}

func (s *Store) ListReplies(ctx context.Context, discussionID string) ([]domain.Reply, error) {
	var rows []replyRow
	err := s.readRetry(ctx, func(ctx context.Context) error {
		rows = rows[:0]
		return s.db.NewSelect().Model(&rows).
			Where("r.discussion_id = ?", discussionID).
			OrderExpr("r.created_at ASC, r.id ASC").
			Scan(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	items := make([]domain.Reply, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toDomain())
	}
	return items, nil
}

func (s *Store) ToggleReaction(ctx context.Context, re *domain.Reaction) (domain.ReactionState, error) {
	var state domain.ReactionState
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var existing reactionRow
		err := tx.NewSelect().Model(&existing).
			Where("re.reply_id = ? AND re.user_id = ?", re.ReplyID, re.UserID).
			For("UPDATE").
			Scan(ctx)
		switch {
		case err == nil && existing.Value == string(re.Value):
			if _, err := tx.NewDelete().Model((*reactionRow)(nil)).Where("id = ?", existing.ID).Exec(ctx); err != nil {
				return fmt.Errorf("delete reaction: %w", err)
			}
			state = domain.ReactionState{Applied: false, PreviousValue: domain.ReactionValue(existing.Value)}
			return nil
		case err == nil:
			if _, err := tx.NewUpdate().Model((*reactionRow)(nil)).
				Set("value = ?", string(re.Value)).
				Where("id = ?", existing.ID).
				Exec(ctx); err != nil {
				return fmt.Errorf("replace reaction: %w", err)
			}
			state = domain.ReactionState{Applied: true, PreviousValue: domain.ReactionValue(existing.Value)}
			return nil
		case errors.Is(err, sql.ErrNoRows):
			exists, err := tx.NewSelect().Model((*replyRow)(nil)).Where("r.id = ?", re.ReplyID).Exists(ctx)
			if err != nil {
				return fmt.Errorf("check reply: %w", err)
			}
			if !exists {
				return domain.ErrReplyNotFound
			}
			row := reactionFromDomain(*re)
			if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
				return fmt.Errorf("insert reaction: %w", err)
			}
			state = domain.ReactionState{Applied: true}
			return nil
		default:
			return fmt.Errorf("select reaction: %w", err)
		}
	})
	if err != nil {
		return domain.ReactionState{}, err
	}
	return state, nil
}

func (s *Store) ListReactions(ctx context.Context, discussionID string) ([]domain.Reaction, error) {
	var rows []reactionRow
	err := s.readRetry(ctx, func(ctx context.Context) error {
		rows = rows[:0]
		return s.db.NewSelect().Model(&rows).
			Join("JOIN replies AS r ON r.id = re.reply_id").
			Where("r.discussion_id = ?", discussionID).
			Scan(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	items := make([]domain.Reaction, 0, len(rows))
	for _, row := range rows {
		items = append(items, domain.Reaction{
			ID:        row.ID,
			ReplyID:   row.ReplyID,
			UserID:    row.UserID,
			Value:     domain.ReactionValue(row.Value),
			CreatedAt: row.CreatedAt,
		})
	}
	return items, nil
}

func (s *Store) SelectAnswer(ctx context.Context, discussionID, replyID string) error {
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if err := lockDiscussion(ctx, tx, discussionID); err != nil {
			return err
		}
		var target replyRow
		err := tx.NewSelect().Model(&target).Where("r.id = ?", replyID).Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// The reply was deleted after the caller last saw it.
				return domain.ErrConflict
			}
			return fmt.Errorf("select reply: %w", err)
		}
		if target.DiscussionID != discussionID || target.ParentReplyID != nil {
			return domain.ErrInvalidSelection
		}
		// Clear-then-set inside one transaction; readers never observe two
		// selected replies or a half-applied switch.
		if _, err := tx.NewUpdate().Model((*replyRow)(nil)).
			Set("selected = FALSE").
			Where("discussion_id = ? AND selected", discussionID).
			Exec(ctx); err != nil {
			return fmt.Errorf("clear selection: %w", err)
		}
		if _, err := tx.NewUpdate().Model((*replyRow)(nil)).
			Set("selected = TRUE").
			Where("id = ?", replyID).
			Exec(ctx); err != nil {
			return fmt.Errorf("set selection: %w", err)
		}
		return nil
	})
}

func (s *Store) ClearAnswer(ctx context.Context, discussionID string) error {
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if err := lockDiscussion(ctx, tx, discussionID); err != nil {
			return err
		}
		if _, err := tx.NewUpdate().Model((*replyRow)(nil)).
			Set("selected = FALSE").
			Where("discussion_id = ? AND selected", discussionID).
			Exec(ctx); err != nil {
			return fmt.Errorf("clear selection: %w", err)
		}
		return nil
	})
}

func (s *Store) IsAnswered(ctx context.Context, discussionID string) (bool, error) {
	var answered bool
	err := s.readRetry(ctx, func(ctx context.Context) error {
		// Covered by the partial index on (discussion_id) WHERE selected.
		return s.db.NewRaw(
			"SELECT EXISTS (SELECT 1 FROM replies WHERE discussion_id = ? AND selected)",
			discussionID,
		).Scan(ctx, &answered)
	})
	if err != nil {
		return false, fmt.Errorf("check answered: %w", err)
	}
	return answered, nil
}

func lockDiscussion(ctx context.Context, tx bun.Tx, discussionID string) error {
	var row discussionRow
	err := tx.NewSelect().Model(&row).Column("d.id").Where("d.id = ?", discussionID).For("UPDATE").Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrDiscussionNotFound
		}
		return fmt.Errorf("lock discussion: %w", err)
	}
	return nil
}

// readRetry retries a pure read once on a transient connection failure.
// Writes never retry automatically.
func (s *Store) readRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil || !isTransient(err) {
		return err
	}
	return fn(ctx)
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func discussionFromDomain(d domain.Discussion) discussionRow {
	return discussionRow{
		ID:          d.ID,
		Title:       d.Title,
		Body:        d.Body,
		Type:        string(d.Type),
		ClassroomID: d.ClassroomID,
		CreatorID:   d.CreatorID,
		CreatedAt:   d.CreatedAt,
		IsEdited:    d.IsEdited,
	}
}

func (row discussionRow) toDomain() domain.Discussion {
	return domain.Discussion{
		ID:          row.ID,
		Title:       row.Title,
		Body:        row.Body,
		Type:        domain.DiscussionType(row.Type),
		ClassroomID: row.ClassroomID,
		CreatorID:   row.CreatorID,
		CreatedAt:   row.CreatedAt,
		IsEdited:    row.IsEdited,
	}
}

func replyFromDomain(r domain.Reply) replyRow {
	return replyRow{
		ID:            r.ID,
		DiscussionID:  r.DiscussionID,
		ParentReplyID: r.ParentReplyID,
		Text:          r.Text,
		CreatorID:     r.CreatorID,
		CreatedAt:     r.CreatedAt,
		Selected:      r.Selected,
		IsEdited:      r.IsEdited,
	}
}

func (row replyRow) toDomain() domain.Reply {
	return domain.Reply{
		ID:            row.ID,
		DiscussionID:  row.DiscussionID,
		ParentReplyID: row.ParentReplyID,
		Text:          row.Text,
		CreatorID:     row.CreatorID,
		CreatedAt:     row.CreatedAt,
		Selected:      row.Selected,
		IsEdited:      row.IsEdited,
	}
}

func reactionFromDomain(re domain.Reaction) reactionRow {
	return reactionRow{
		ID:        re.ID,
		ReplyID:   re.ReplyID,
		UserID:    re.UserID,
		Value:     string(re.Value),
		CreatedAt: re.CreatedAt,
	}
}
