package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// DefaultMongoCollection holds the persisted store nodes.
const DefaultMongoCollection = "store_nodes"

// MongoPersister saves MemoryStore subtrees as one document per written path.
type MongoPersister struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type storedNode struct {
	Path      string    `bson:"_id"`
	Value     string    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoPersister connects to uri and verifies the connection with a ping.
func NewMongoPersister(ctx context.Context, uri, database string) (*MongoPersister, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoPersister{
		client: client,
		coll:   client.Database(database).Collection(DefaultMongoCollection),
	}, nil
}

// Load returns every stored node keyed by path. Removed subtrees come back as null.
func (p *MongoPersister) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	cur, err := p.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("find nodes: %w", err)
	}
	var docs []storedNode
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode nodes: %w", err)
	}
	out := make(map[string]json.RawMessage, len(docs))
	for _, d := range docs {
		out[d.Path] = json.RawMessage(d.Value)
	}
	return out, nil
}

// Save replaces the node at path and drops the nodes below it, which the new
// value supersedes. A removal is kept as a null node so that an ancestor
// document saved earlier does not bring the subtree back on Load.
func (p *MongoPersister) Save(ctx context.Context, path string, value json.RawMessage) error {
	below := bson.M{"_id": bson.Regex{Pattern: "^" + regexp.QuoteMeta(path+"/")}}
	if _, err := p.coll.DeleteMany(ctx, below); err != nil {
		return fmt.Errorf("drop nodes below %s: %w", path, err)
	}

	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	doc := storedNode{Path: path, Value: string(value), UpdatedAt: time.Now().UTC()}
	_, err := p.coll.ReplaceOne(ctx, bson.M{"_id": path}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save node %s: %w", path, err)
	}
	return nil
}

// Drop removes every stored node.
func (p *MongoPersister) Drop(ctx context.Context) error {
	return p.coll.Drop(ctx)
}

// Close disconnects from MongoDB.
func (p *MongoPersister) Close(ctx context.Context) error {
	return p.client.Disconnect(ctx)
}
