package member

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

const memberCollection = "channel_members"

type mongoTable struct {
	coll *mongo.Collection
}

// NewMongoTable 成员表的 Mongo 实现。
// Join 幂等靠 upsert + $setOnInsert；ack 单调靠 $max。
func NewMongoTable(ctx context.Context, db *mongo.Database) (Table, error) {
	t := &mongoTable{coll: db.Collection(memberCollection)}
	ictx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := t.coll.Indexes().CreateOne(ictx, mongo.IndexModel{
		Keys:    bson.D{{Key: "channel_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_channel_user"),
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "ensure member indexes")
	}
	return t, nil
}

func (t *mongoTable) Join(ctx context.Context, channelID, userID, role string, cursorStart uint64) (bool, error) {
	filter := bson.M{"channel_id": channelID, "user_id": userID}
	update := bson.M{
		"$setOnInsert": bson.M{
			"channel_id":     channelID,
			"user_id":        userID,
			"role":           role,
			"joined_at_ms":   time.Now().UnixMilli(),
			"last_acked_seq": cursorStart,
		},
	}
	res, err := t.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return false, err
	}
	return res.UpsertedCount > 0, nil
}

func (t *mongoTable) Leave(ctx context.Context, channelID, userID string) error {
	_, err := t.coll.DeleteOne(ctx, bson.M{"channel_id": channelID, "user_id": userID})
	return err
}

func (t *mongoTable) Members(ctx context.Context, channelID string) ([]Membership, error) {
	cur, err := t.coll.Find(ctx, bson.M{"channel_id": channelID},
		options.Find().SetSort(bson.D{{Key: "user_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []Membership
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *mongoTable) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	err := t.coll.FindOne(ctx, bson.M{"channel_id": channelID, "user_id": userID},
		options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *mongoTable) AckSequence(ctx context.Context, channelID, userID string, seq uint64) error {
	// $max：乱序到达的旧 ack 天然被忽略
	_, err := t.coll.UpdateOne(ctx,
		bson.M{"channel_id": channelID, "user_id": userID},
		bson.M{"$max": bson.M{"last_acked_seq": seq}},
	)
	return err
}

func (t *mongoTable) Cursor(ctx context.Context, channelID, userID string) (uint64, error) {
	var doc struct {
		LastAckedSeq uint64 `bson:"last_acked_seq"`
	}
	err := t.coll.FindOne(ctx, bson.M{"channel_id": channelID, "user_id": userID},
		options.FindOne().SetProjection(bson.M{"last_acked_seq": 1, "_id": 0})).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.LastAckedSeq, nil
}
