package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/comigor/chatcore/internal/history"
)

// Mongo keeps one pointer document per user, keyed by user id.
type Mongo struct {
	coll    *mongo.Collection
	opts    Options
	timeout time.Duration
}

type pointerDoc struct {
	UserID                 string `bson:"_id"`
	BotMode                string `bson:"bot_mode"`
	ActiveSessionID        string `bson:"active_session_id"`
	ActiveSessionCreatedAt string `bson:"active_session_created_at"`
	LastResetToken         string `bson:"last_reset_token"`
	Version                int64  `bson:"version"`
	UpdatedAt              string `bson:"updated_at"`
}

// NewMongo uses coll as the pointer collection. The client is owned by the caller.
func NewMongo(coll *mongo.Collection, timeout time.Duration, opts Options) *Mongo {
	return &Mongo{coll: coll, opts: opts, timeout: timeout}
}

func (m *Mongo) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// lit keeps user-provided strings from being read as field paths.
func lit(v string) bson.M { return bson.M{"$literal": v} }

func ifNull(field string, v any) bson.M {
	return bson.M{"$ifNull": bson.A{field, v}}
}

func (m *Mongo) Resolve(ctx context.Context, userID, mode string) (Pointer, error) {
	if userID == "" {
		return Pointer{}, ErrEmptyUser
	}
	id, at := m.opts.newSessionID(userID)
	now := history.FormatTime(at)

	var update any
	if mode == "" {
		update = bson.M{"$setOnInsert": bson.M{
			"bot_mode":                  m.opts.DefaultMode,
			"active_session_id":         id,
			"active_session_created_at": now,
			"last_reset_token":          "",
			"version":                   int64(1),
			"updated_at":                now,
		}}
	} else {
		changed := bson.M{"$ne": bson.A{"$bot_mode", lit(mode)}}
		update = mongo.Pipeline{{{Key: "$set", Value: bson.M{
			"bot_mode":                  lit(mode),
			"active_session_id":         ifNull("$active_session_id", lit(id)),
			"active_session_created_at": ifNull("$active_session_created_at", lit(now)),
			"last_reset_token":          ifNull("$last_reset_token", lit("")),
			"version": bson.M{"$cond": bson.A{
				changed,
				bson.M{"$add": bson.A{ifNull("$version", int64(0)), int64(1)}},
				"$version",
			}},
			"updated_at": bson.M{"$cond": bson.A{changed, lit(now), "$updated_at"}},
		}}}}
	}
	p, err := m.upsert(ctx, userID, update)
	if err != nil {
		return Pointer{}, fmt.Errorf("resolve session for %s: %w", userID, err)
	}
	return p, nil
}

func (m *Mongo) SetMode(ctx context.Context, userID, mode string) (Pointer, error) {
	if strings.TrimSpace(mode) == "" {
		return Pointer{}, ErrEmptyMode
	}
	return m.Resolve(ctx, userID, mode)
}

func (m *Mongo) Reset(ctx context.Context, userID, token string) (Pointer, error) {
	if userID == "" {
		return Pointer{}, ErrEmptyUser
	}
	id, at := m.opts.newSessionID(userID)
	now := history.FormatTime(at)

	replay := bson.M{"$and": bson.A{
		bson.M{"$ne": bson.A{lit(token), ""}},
		bson.M{"$eq": bson.A{"$last_reset_token", lit(token)}},
	}}
	keep := func(field string, fresh any) bson.M {
		return bson.M{"$cond": bson.A{replay, "$" + field, fresh}}
	}
	update := mongo.Pipeline{{{Key: "$set", Value: bson.M{
		"bot_mode":                  ifNull("$bot_mode", lit(m.opts.DefaultMode)),
		"active_session_id":         keep("active_session_id", lit(id)),
		"active_session_created_at": keep("active_session_created_at", lit(now)),
		"version":                   keep("version", bson.M{"$add": bson.A{ifNull("$version", int64(0)), int64(1)}}),
		"updated_at":                keep("updated_at", lit(now)),
		"last_reset_token":          lit(token),
	}}}}
	p, err := m.upsert(ctx, userID, update)
	if err != nil {
		return Pointer{}, fmt.Errorf("reset session for %s: %w", userID, err)
	}
	return p, nil
}

func (m *Mongo) upsert(ctx context.Context, userID string, update any) (Pointer, error) {
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var d pointerDoc
	if err := m.coll.FindOneAndUpdate(ctx, bson.M{"_id": userID}, update, opts).Decode(&d); err != nil {
		return Pointer{}, err
	}
	return Pointer{
		UserID:                 d.UserID,
		BotMode:                d.BotMode,
		ActiveSessionID:        d.ActiveSessionID,
		ActiveSessionCreatedAt: history.ParseTime(d.ActiveSessionCreatedAt),
		Version:                d.Version,
	}, nil
}

// Close is a no-op; the shared client is closed with the history catalog.
func (m *Mongo) Close() error { return nil }
