package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"torrentresume/internal/domain"
)

// ResumeRepository stores one document per torrent holding its opaque resume
// payload.
type ResumeRepository struct {
	collection *mongo.Collection
	now        func() time.Time
}

type resumeDoc struct {
	ID        string `bson:"_id"`
	Payload   []byte `bson:"payload"`
	Size      int    `bson:"size"`
	UpdatedAt int64  `bson:"updatedAt"`
}

func NewResumeRepository(client *mongo.Client, dbName, collectionName string) *ResumeRepository {
	return &ResumeRepository{
		collection: client.Database(dbName).Collection(collectionName),
		now:        time.Now,
	}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *ResumeRepository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "updatedAt", Value: -1}},
	})
	return err
}

// Save upserts the record, replacing any previous payload.
func (r *ResumeRepository) Save(ctx context.Context, rec domain.ResumeRecord) error {
	doc := toDoc(rec, r.now())
	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"_id": doc.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

// Remove deletes the record. Removing an unknown id is not an error.
func (r *ResumeRepository) Remove(ctx context.Context, id domain.TorrentID) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": string(id)})
	return err
}

func (r *ResumeRepository) List(ctx context.Context) ([]domain.TorrentID, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []resumeDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return idsFromDocs(docs), nil
}

func (r *ResumeRepository) Load(ctx context.Context, id domain.TorrentID) ([]byte, error) {
	var doc resumeDoc
	if err := r.collection.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return fromDoc(doc).Payload, nil
}

func toDoc(rec domain.ResumeRecord, now time.Time) resumeDoc {
	return resumeDoc{
		ID:        string(rec.ID),
		Payload:   rec.Payload,
		Size:      len(rec.Payload),
		UpdatedAt: now.UTC().Unix(),
	}
}

func fromDoc(doc resumeDoc) domain.ResumeRecord {
	return domain.ResumeRecord{
		ID:      domain.TorrentID(doc.ID),
		Payload: doc.Payload,
	}
}

// idsFromDocs drops documents whose key is not a valid info-hash.
func idsFromDocs(docs []resumeDoc) []domain.TorrentID {
	ids := make([]domain.TorrentID, 0, len(docs))
	for _, doc := range docs {
		id, err := domain.ParseTorrentID(doc.ID)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
