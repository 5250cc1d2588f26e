package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agent_sapo/app/session"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoTokenStore lưu token vào collection upstream_tokens (_id = scope).
// Dùng khi nhiều agent chia sẻ chung một MongoDB.
type MongoTokenStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type mongoToken struct {
	Scope      string            `bson:"_id"`
	Headers    map[string]string `bson:"headers"`
	AcquiredAt time.Time         `bson:"acquiredAt"`
	ExpiresAt  time.Time         `bson:"expiresAt"`
}

// NewMongoTokenStore kết nối tới uri và dùng database đã cho
func NewMongoTokenStore(ctx context.Context, uri, database string) (*MongoTokenStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("kết nối MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping MongoDB: %w", err)
	}
	return &MongoTokenStore{client: client, coll: client.Database(database).Collection("upstream_tokens")}, nil
}

// Load trả về token của scope, nil nếu chưa có
func (s *MongoTokenStore) Load(ctx context.Context, scope session.Scope) (*session.Token, error) {
	var doc mongoToken
	err := s.coll.FindOne(ctx, bson.M{"_id": string(scope)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session.Token{
		Scope:      scope,
		Headers:    doc.Headers,
		AcquiredAt: doc.AcquiredAt,
		ExpiresAt:  doc.ExpiresAt,
	}, nil
}

// SaveAll upsert mọi token trong một transaction nếu server hỗ trợ (replica set),
// ngược lại ghi tuần tự bằng BulkWrite có thứ tự.
func (s *MongoTokenStore) SaveAll(ctx context.Context, tokens []session.Token) error {
	models := make([]mongo.WriteModel, 0, len(tokens))
	for i := range tokens {
		tok := tokens[i]
		if err := tok.Validate(); err != nil {
			return err
		}
		doc := mongoToken{
			Scope:      string(tok.Scope),
			Headers:    tok.Headers,
			AcquiredAt: tok.AcquiredAt.UTC(),
			ExpiresAt:  tok.ExpiresAt.UTC(),
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc.Scope}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	write := func(sc context.Context) error {
		_, err := s.coll.BulkWrite(sc, models, options.BulkWrite().SetOrdered(true))
		return err
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return write(ctx)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, write(sc)
	})
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 20 {
		// IllegalOperation: standalone server không có transaction
		return write(ctx)
	}
	return err
}

// Close ngắt kết nối MongoDB
func (s *MongoTokenStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
