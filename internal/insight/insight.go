// Package insight stores durable notes about a user that outlive any single
// session, such as the principles they asked the assistant to remember.
package insight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/comigor/chatcore/internal/history"
)

// Insight is one remembered note.
type Insight struct {
	ID              string
	UserID          string
	SourceMode      string
	SourceSessionID string
	Text            string
	Principle       bool
	CreatedAt       time.Time
}

// Query selects a user's insights. Results are newest first.
type Query struct {
	UserID         string
	Mode           string
	PrinciplesOnly bool
	// Limit caps the result; non-positive means 8.
	Limit int
}

// Store persists insights.
type Store interface {
	Add(ctx context.Context, in Insight) (Insight, error)
	List(ctx context.Context, q Query) ([]Insight, error)
}

var (
	ErrEmptyText = errors.New("insight text cannot be empty")
	ErrEmptyUser = errors.New("insight user cannot be empty")
)

// document is the persisted shape, shared by the Mongo and file backends.
type document struct {
	ID                  string `json:"id" bson:"_id"`
	UserID              string `json:"user_id" bson:"user_id"`
	SourceBotMode       string `json:"source_bot_mode" bson:"source_bot_mode"`
	CreatedOn           string `json:"created_on" bson:"created_on"`
	SourceChatSessionID string `json:"source_chat_session_id" bson:"source_chat_session_id"`
	SourceLastUpdatedAt string `json:"source_last_updated_at" bson:"source_last_updated_at"`
	Date                string `json:"date" bson:"date"`
	Insight             string `json:"insight" bson:"insight"`
	Principle           bool   `json:"principle" bson:"principle"`
}

func toDocument(in Insight) document {
	created := history.FormatTime(in.CreatedAt)
	return document{
		ID:                  in.ID,
		UserID:              in.UserID,
		SourceBotMode:       in.SourceMode,
		CreatedOn:           created,
		SourceChatSessionID: in.SourceSessionID,
		SourceLastUpdatedAt: created,
		Date:                in.CreatedAt.UTC().Format(time.DateOnly),
		Insight:             in.Text,
		Principle:           in.Principle,
	}
}

func fromDocument(d document) Insight {
	created := history.ParseTime(d.SourceLastUpdatedAt)
	if created.IsZero() {
		created = history.ParseTime(d.CreatedOn)
	}
	return Insight{
		ID:              d.ID,
		UserID:          d.UserID,
		SourceMode:      d.SourceBotMode,
		SourceSessionID: d.SourceChatSessionID,
		Text:            d.Insight,
		Principle:       d.Principle,
		CreatedAt:       created,
	}
}

// prepare validates in and fills the fields every backend stores.
func prepare(in Insight, now time.Time) (Insight, error) {
	in.Text = strings.Join(strings.Fields(in.Text), " ")
	in.SourceMode = strings.ToLower(strings.TrimSpace(in.SourceMode))
	switch {
	case strings.TrimSpace(in.UserID) == "":
		return Insight{}, ErrEmptyUser
	case in.Text == "":
		return Insight{}, ErrEmptyText
	}
	if in.SourceMode == "" {
		in.SourceMode = "general"
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.CreatedAt = in.CreatedAt.UTC().Truncate(time.Microsecond)
	if in.SourceSessionID == "" {
		in.SourceSessionID = fmt.Sprintf("manual_%s_%d", in.UserID, in.CreatedAt.Unix())
	}
	if in.ID == "" {
		suffix, err := gonanoid.New(10)
		if err != nil {
			return Insight{}, fmt.Errorf("insight id: %w", err)
		}
		in.ID = fmt.Sprintf("insight_%s_manual_%s_%s", in.SourceMode, in.UserID, suffix)
	}
	return in, nil
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 8
	}
	return q.Limit
}

func (q Query) matches(in Insight) bool {
	if in.UserID != q.UserID || (q.PrinciplesOnly && !in.Principle) {
		return false
	}
	return q.Mode == "" || in.SourceMode == strings.ToLower(q.Mode)
}
