package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// checkpointDoc is the mongo document layout. A unique index on
// checkpoint_id enforces store-wide id uniqueness; the compound
// (thread_id, created_at desc, checkpoint_id desc) index backs
// list/latest/cleanup.
type checkpointDoc struct {
	CheckpointID string    `bson:"checkpoint_id"`
	ThreadID     string    `bson:"thread_id"`
	WorkflowID   string    `bson:"workflow_id"`
	StateData    []byte    `bson:"state_data"`
	Metadata     []byte    `bson:"metadata"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

// MongoStore is a durable backend over a mongo collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	codec  *Codec
	logger *zap.Logger
}

var newestFirstSort = bson.D{
	{Key: "created_at", Value: -1},
	{Key: "checkpoint_id", Value: -1},
}

// NewMongoStore connects to mongo, ensures the indexes, and returns the
// store.
func NewMongoStore(ctx context.Context, cfg Config, codec *Codec, logger *zap.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	if codec == nil {
		codec = NewCodec(cfg.Compression)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dbName := cfg.Mongo.Database
	if dbName == "" {
		dbName = "threadflow"
	}
	collName := cfg.Mongo.Collection
	if collName == "" {
		collName = "checkpoints"
	}

	store := &MongoStore{
		client: client,
		coll:   client.Database(dbName).Collection(collName),
		codec:  codec,
		logger: logger.With(zap.String("store", "mongo")),
	}
	if err := store.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "checkpoint_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "thread_id", Value: 1},
				{Key: "created_at", Value: -1},
				{Key: "checkpoint_id", Value: -1},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create checkpoint indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) toDoc(record *Record) (*checkpointDoc, error) {
	state, err := s.codec.Encode(record.StateData)
	if err != nil {
		return nil, err
	}
	meta, err := s.codec.Encode(record.Metadata)
	if err != nil {
		return nil, err
	}
	return &checkpointDoc{
		CheckpointID: record.ID,
		ThreadID:     record.ThreadID,
		WorkflowID:   record.WorkflowID,
		StateData:    state,
		Metadata:     meta,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}, nil
}

func (s *MongoStore) fromDoc(doc *checkpointDoc) (*Record, error) {
	rec := &Record{
		ID:         doc.CheckpointID,
		ThreadID:   doc.ThreadID,
		WorkflowID: doc.WorkflowID,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
	if len(doc.StateData) > 0 {
		if err := s.codec.Decode(doc.StateData, &rec.StateData); err != nil {
			return nil, err
		}
	}
	if len(doc.Metadata) > 0 {
		if err := s.codec.Decode(doc.Metadata, &rec.Metadata); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (s *MongoStore) Save(ctx context.Context, record *Record) error {
	if record == nil || record.ID == "" || record.ThreadID == "" {
		return ErrInvalidInput
	}
	doc, err := s.toDoc(record)
	if err != nil {
		return err
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *MongoStore) Load(ctx context.Context, threadID, checkpointID string) (*Record, error) {
	if checkpointID == "" {
		return s.LoadLatest(ctx, threadID)
	}
	var doc checkpointDoc
	err := s.coll.FindOne(ctx, bson.M{
		"thread_id":     threadID,
		"checkpoint_id": checkpointID,
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return s.fromDoc(&doc)
}

func (s *MongoStore) LoadLatest(ctx context.Context, threadID string) (*Record, error) {
	var doc checkpointDoc
	err := s.coll.FindOne(ctx, bson.M{"thread_id": threadID},
		options.FindOne().SetSort(newestFirstSort)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return s.fromDoc(&doc)
}

func (s *MongoStore) find(ctx context.Context, filter bson.M) ([]*Record, error) {
	cursor, err := s.coll.Find(ctx, filter, options.Find().SetSort(newestFirstSort))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var docs []checkpointDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoints: %w", err)
	}
	out := make([]*Record, 0, len(docs))
	for i := range docs {
		rec, err := s.fromDoc(&docs[i])
		if err != nil {
			s.logger.Warn("skipping undecodable checkpoint document",
				zap.String("checkpoint_id", docs[i].CheckpointID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MongoStore) ListByThread(ctx context.Context, threadID string) ([]*Record, error) {
	return s.find(ctx, bson.M{"thread_id": threadID})
}

func (s *MongoStore) GetByWorkflow(ctx context.Context, threadID, workflowID string) ([]*Record, error) {
	return s.find(ctx, bson.M{"thread_id": threadID, "workflow_id": workflowID})
}

func (s *MongoStore) Delete(ctx context.Context, threadID, checkpointID string) error {
	filter := bson.M{"thread_id": threadID}
	if checkpointID != "" {
		filter["checkpoint_id"] = checkpointID
	}
	res, err := s.coll.DeleteMany(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) CleanupOld(ctx context.Context, threadID string, maxCount int) ([]string, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	cursor, err := s.coll.Find(ctx, bson.M{"thread_id": threadID},
		options.Find().
			SetSort(newestFirstSort).
			SetSkip(int64(maxCount)).
			SetProjection(bson.M{"checkpoint_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to query old checkpoints: %w", err)
	}
	var docs []struct {
		CheckpointID string `bson:"checkpoint_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode old checkpoints: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.CheckpointID)
	}
	if _, err := s.coll.DeleteMany(ctx, bson.M{
		"thread_id":     threadID,
		"checkpoint_id": bson.M{"$in": ids},
	}); err != nil {
		return nil, fmt.Errorf("failed to delete old checkpoints: %w", err)
	}

	s.logger.Debug("cleaned up old checkpoints",
		zap.String("thread_id", threadID),
		zap.Int("removed", len(ids)),
	)
	return ids, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

var _ Store = (*MongoStore)(nil)
