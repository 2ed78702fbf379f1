package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Mongo implements Store on a MongoDB database.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ Store = (*Mongo)(nil)

// OpenMongo connects to the given URI and pings the primary before returning.
func OpenMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	if uri == "" || database == "" {
		return nil, errors.New("docstore: uri and database are required")
	}
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("docstore: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("docstore: ping: %w", err)
	}
	return &Mongo{client: client, db: client.Database(database)}, nil
}

// Close releases the underlying connections.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Ping checks connectivity to the primary.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *Mongo) Insert(ctx context.Context, collection string, doc any) error {
	_, err := m.db.Collection(collection).InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("docstore: insert %s: %w", collection, err)
	}
	return nil
}

func (m *Mongo) FindOne(ctx context.Context, collection string, q Query, out any) error {
	err := m.db.Collection(collection).FindOne(ctx, filter(q)).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNoDocuments
	}
	if err != nil {
		return fmt.Errorf("docstore: find one %s: %w", collection, err)
	}
	return nil
}

func (m *Mongo) Find(ctx context.Context, collection string, q Query, out any) error {
	cur, err := m.db.Collection(collection).Find(ctx, filter(q))
	if err != nil {
		return fmt.Errorf("docstore: find %s: %w", collection, err)
	}
	if err := cur.All(ctx, out); err != nil {
		return fmt.Errorf("docstore: decode %s: %w", collection, err)
	}
	return nil
}

func (m *Mongo) UpdateOne(ctx context.Context, collection string, q Query, ops Ops) (UpdateResult, error) {
	res, err := m.db.Collection(collection).UpdateOne(ctx, filter(q), ops.document())
	if err != nil {
		return UpdateResult{}, fmt.Errorf("docstore: update one %s: %w", collection, err)
	}
	return UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (m *Mongo) UpdateMany(ctx context.Context, collection string, q Query, ops Ops) (UpdateResult, error) {
	res, err := m.db.Collection(collection).UpdateMany(ctx, filter(q), ops.document())
	if err != nil {
		return UpdateResult{}, fmt.Errorf("docstore: update many %s: %w", collection, err)
	}
	return UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (m *Mongo) Delete(ctx context.Context, collection string, q Query) (int64, error) {
	res, err := m.db.Collection(collection).DeleteMany(ctx, filter(q))
	if err != nil {
		return 0, fmt.Errorf("docstore: delete %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

func (m *Mongo) DropAll(ctx context.Context) error {
	return m.db.Drop(ctx)
}

// filter translates a Query into a mongo filter. Nested maps on array fields
// become $elemMatch so both implementations agree on element matching.
func filter(q Query) bson.M {
	out := bson.M{}
	for k, v := range q {
		switch sub := v.(type) {
		case Query:
			out[k] = bson.M{"$elemMatch": filter(sub)}
		case map[string]any:
			out[k] = bson.M{"$elemMatch": filter(Query(sub))}
		default:
			out[k] = v
		}
	}
	return out
}

func (o Ops) document() bson.M {
	doc := bson.M{}
	if len(o.Set) > 0 {
		doc["$set"] = bson.M(o.Set)
	}
	if len(o.Push) > 0 {
		doc["$push"] = bson.M(o.Push)
	}
	if len(o.Pull) > 0 {
		pull := bson.M{}
		for k, v := range o.Pull {
			switch sub := v.(type) {
			case Query:
				pull[k] = filter(sub)
			case map[string]any:
				pull[k] = filter(Query(sub))
			default:
				pull[k] = v
			}
		}
		doc["$pull"] = pull
	}
	if len(o.Inc) > 0 {
		doc["$inc"] = bson.M(o.Inc)
	}
	return doc
}
