package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/comigor/chatcore/internal/logger"
)

const mongoBackend = "mongo"

// ConnectMongo opens a pooled client and verifies it with a ping.
func ConnectMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(100).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30 * time.Minute).
		SetRetryWrites(true).
		SetRetryReads(true).
		SetServerSelectionTimeout(5 * time.Second).
		// Nested session_info documents decode as maps, not ordered slices.
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

// MongoCatalog maps each bot mode to a collection of one database.
type MongoCatalog struct {
	client      *mongo.Client
	db          *mongo.Database
	collections map[string]string
	timeout     time.Duration

	mu     sync.Mutex
	stores map[string]*Mongo
}

// NewMongoCatalog uses collections to name the collection of a mode;
// modes without an entry use "chat_sessions_<mode>".
func NewMongoCatalog(client *mongo.Client, database string, collections map[string]string, timeout time.Duration) *MongoCatalog {
	return &MongoCatalog{
		client:      client,
		db:          client.Database(database),
		collections: collections,
		timeout:     timeout,
		stores:      make(map[string]*Mongo),
	}
}

func (c *MongoCatalog) ForMode(mode string) Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stores[mode]; ok {
		return s
	}
	name := c.collections[mode]
	if name == "" {
		name = "chat_sessions_" + mode
	}
	s := NewMongo(c.db.Collection(name), c.timeout)
	c.stores[mode] = s
	return s
}

// Close disconnects the shared client.
func (c *MongoCatalog) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// Mongo stores one document per session.
type Mongo struct {
	coll    *mongo.Collection
	timeout time.Duration
	now     func() time.Time

	indexOnce sync.Once
}

// NewMongo wraps coll. Each operation is bounded by timeout when it is positive.
func NewMongo(coll *mongo.Collection, timeout time.Duration) *Mongo {
	return &Mongo{coll: coll, timeout: timeout, now: time.Now}
}

func (m *Mongo) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// ensureIndexes runs once per store. Failures are logged; queries still work
// without the indexes, only slower.
func (m *Mongo) ensureIndexes(ctx context.Context) {
	m.indexOnce.Do(func() {
		_, err := m.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "last_updated_at", Value: -1}}},
		})
		if err != nil {
			logger.L.Warn("failed to create session indexes", "collection", m.coll.Name(), "error", err)
		}
	})
}

func (m *Mongo) Load(ctx context.Context, id string) (Session, bool, error) {
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	var d document
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, unavailable(mongoBackend, "load", err)
	}
	return fromDocument(d), true, nil
}

// Append pushes msgs in one update. Metadata is only written on insert, and
// the messages array is never seeded when there is something to push, so two
// racing first appends both land.
// A seed prefix needs the pipeline form, see seededUpdate.
func (m *Mongo) Append(ctx context.Context, id string, seed Seed, msgs ...Message) (Session, error) {
	ctx, cancel := m.ctx(ctx)
	defer cancel()
	m.ensureIndexes(ctx)

	now := m.now()
	if seed.UserID == "" {
		seed.UserID = UserFromID(id)
	}
	fresh := Normalize(newSession(id, seed, now))
	onInsert := bson.M{
		"session_id": id,
		"created_at": FormatTime(fresh.CreatedAt),
		"user_id":    fresh.UserID,
		"bot_mode":   fresh.BotMode,
	}
	if fresh.SessionInfo != nil {
		onInsert["session_info"] = fresh.SessionInfo
	}
	var update any
	if len(seed.Prefix) > 0 {
		update = seededUpdate(onInsert, now, fresh.Messages, Normalize(Session{Messages: msgs}).Messages)
	} else {
		u := bson.M{
			"$set":         bson.M{"last_updated_at": FormatTime(now)},
			"$setOnInsert": onInsert,
		}
		if len(msgs) > 0 {
			u["$push"] = bson.M{"messages": bson.M{"$each": Normalize(Session{Messages: msgs}).Messages}}
		} else {
			onInsert["messages"] = bson.A{}
		}
		update = u
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var d document
	if err := m.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&d); err != nil {
		return Session{}, unavailable(mongoBackend, "append", err)
	}
	return fromDocument(d), nil
}

// seededUpdate is the pipeline form of Append for a seed with a prefix:
// $setOnInsert and $push cannot both touch messages, so insert-only fields
// fall back to their stored value through $ifNull. Values are wrapped in
// $literal so message text starting with "$" is not read as a field path.
func seededUpdate(onInsert bson.M, now time.Time, prefix, msgs []Message) mongo.Pipeline {
	set := bson.M{"last_updated_at": FormatTime(now)}
	for k, v := range onInsert {
		set[k] = bson.M{"$ifNull": bson.A{"$" + k, bson.M{"$literal": v}}}
	}
	set["messages"] = bson.M{"$concatArrays": bson.A{
		bson.M{"$ifNull": bson.A{"$messages", bson.M{"$literal": prefix}}},
		bson.M{"$literal": msgs},
	}}
	return mongo.Pipeline{{{Key: "$set", Value: set}}}
}

func (m *Mongo) Upsert(ctx context.Context, s Session) (Session, error) {
	ctx, cancel := m.ctx(ctx)
	defer cancel()
	m.ensureIndexes(ctx)

	s.LastUpdatedAt = m.now()
	if s.UserID == "" {
		s.UserID = UserFromID(s.ID)
	}
	d := toDocument(s)
	if _, err := m.coll.ReplaceOne(ctx, bson.M{"_id": s.ID}, d, options.Replace().SetUpsert(true)); err != nil {
		return Session{}, unavailable(mongoBackend, "upsert", err)
	}
	return fromDocument(d), nil
}

func (m *Mongo) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "last_updated_at", Value: -1}})
	cur, err := m.coll.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, unavailable(mongoBackend, "list", err)
	}
	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, unavailable(mongoBackend, "list", err)
	}
	out := make([]Session, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromDocument(d))
	}
	return out, nil
}

// RefreshSystem only matches documents whose first message is a system
// message without any non-space character, so a concurrent refresh or a
// populated instruction is never overwritten.
func (m *Mongo) RefreshSystem(ctx context.Context, id, content string) error {
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	filter := bson.M{
		"_id":                id,
		"messages.0.role":    RoleSystem,
		"messages.0.content": bson.M{"$not": primitive.Regex{Pattern: `\S`}},
	}
	update := bson.M{"$set": bson.M{
		"messages.0.content": content,
		"last_updated_at":    FormatTime(m.now()),
	}}
	if _, err := m.coll.UpdateOne(ctx, filter, update); err != nil {
		return unavailable(mongoBackend, "refresh_system", err)
	}
	return nil
}
