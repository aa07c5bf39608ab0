package eventlog

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bapcai02/NovaChat-sub000/module/chat/event"
	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

const eventCollection = "channel_events"

type mongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore 事件日志的 Mongo 实现。
// 唯一索引：(channel_id, seq) 与 (event_id)。
func NewMongoStore(ctx context.Context, db *mongo.Database) (Store, error) {
	s := &mongoStore{coll: db.Collection(eventCollection)}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, errs.WrapMsg(err, "ensure event indexes")
	}
	return s, nil
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "channel_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_channel_seq"),
		},
		{
			Keys:    bson.D{{Key: "event_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_event_id"),
		},
	})
	return err
}

func (s *mongoStore) Insert(ctx context.Context, e *event.Event) error {
	_, err := s.coll.InsertOne(ctx, e)
	return err
}

func (s *mongoStore) MaxSeq(ctx context.Context, channelID string) (uint64, error) {
	var doc struct {
		Seq uint64 `bson:"seq"`
	}
	err := s.coll.FindOne(ctx,
		bson.M{"channel_id": channelID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}).SetProjection(bson.M{"seq": 1, "_id": 0}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (s *mongoStore) Range(ctx context.Context, channelID string, fromSeq, toSeq uint64, limit int) ([]*event.Event, error) {
	if fromSeq > toSeq {
		return nil, nil
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{
		"channel_id": channelID,
		"seq":        bson.M{"$gte": fromSeq, "$lte": toSeq},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*event.Event
	for cur.Next(ctx) {
		e := &event.Event{}
		if err := cur.Decode(e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, cur.Err()
}

func (s *mongoStore) IsDupSeq(err error) bool {
	// event_id 是 uuid，重复键冲突基本只可能来自 (channel_id, seq)
	return mongo.IsDuplicateKeyError(err)
}

func (s *mongoStore) IsTransient(err error) bool {
	return mongo.IsNetworkError(err) || mongo.IsTimeout(err)
}
