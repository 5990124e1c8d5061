package insight

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/comigor/chatcore/internal/history"
)

// Mongo stores insights in one collection shared by every mode.
type Mongo struct {
	coll    *mongo.Collection
	timeout time.Duration
	now     func() time.Time
}

func NewMongo(coll *mongo.Collection, timeout time.Duration) *Mongo {
	return &Mongo{coll: coll, timeout: timeout, now: time.Now}
}

func (m *Mongo) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Mongo) Add(ctx context.Context, in Insight) (Insight, error) {
	in, err := prepare(in, m.now())
	if err != nil {
		return Insight{}, err
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	d := toDocument(in)
	_, err = m.coll.ReplaceOne(ctx, bson.M{"_id": d.ID}, d, options.Replace().SetUpsert(true))
	if err != nil {
		return Insight{}, &history.UnavailableError{Backend: "mongo", Op: "add insight", Err: err}
	}
	return in, nil
}

func (m *Mongo) List(ctx context.Context, q Query) ([]Insight, error) {
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	filter := bson.M{"user_id": q.UserID}
	if q.PrinciplesOnly {
		filter["principle"] = true
	}
	if q.Mode != "" {
		filter["source_bot_mode"] = strings.ToLower(q.Mode)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "source_last_updated_at", Value: -1}}).
		SetLimit(int64(q.limit()))
	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, &history.UnavailableError{Backend: "mongo", Op: "list insights", Err: err}
	}
	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, &history.UnavailableError{Backend: "mongo", Op: "list insights", Err: err}
	}
	out := make([]Insight, len(docs))
	for i, d := range docs {
		out[i] = fromDocument(d)
	}
	return out, nil
}
