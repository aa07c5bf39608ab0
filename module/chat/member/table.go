package member

import (
	"context"
)

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Membership 频道成员行。last_acked_seq 只由投递侧 ack 推进，且单调不回退。
type Membership struct {
	ChannelID    string `json:"channel_id" bson:"channel_id"`
	UserID       string `json:"user_id" bson:"user_id"`
	Role         string `json:"role" bson:"role"`
	JoinedAtMS   int64  `json:"joined_at_ms" bson:"joined_at_ms"`
	LastAckedSeq uint64 `json:"last_acked_seq" bson:"last_acked_seq"`
}

// Table 成员表。
//
// 语义：
//   - Join 幂等：已在频道内时第二次调用是 no-op（created=false），不是错误。
//   - Leave 后重新 Join，游标重置为 join 时刻频道的当前 seq（不回看离开期间历史）。
//   - AckSequence 单调：低于已存值的 ack 被忽略（容忍乱序到达的确认）。
type Table interface {
	Join(ctx context.Context, channelID, userID, role string, cursorStart uint64) (created bool, err error)
	Leave(ctx context.Context, channelID, userID string) error
	Members(ctx context.Context, channelID string) ([]Membership, error)
	IsMember(ctx context.Context, channelID, userID string) (bool, error)
	AckSequence(ctx context.Context, channelID, userID string, seq uint64) error
	Cursor(ctx context.Context, channelID, userID string) (uint64, error)
}
