package event

import (
	"github.com/goccy/go-json"

	"github.com/bapcai02/NovaChat-sub000/tools/decode"
	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

// Kind 封闭事件类型枚举。payload 形状随 kind 固定，不做自由 JSON。
type Kind int32

const (
	KindUnknown Kind = iota
	KindMessageCreated
	KindMessageEdited
	KindMessageDeleted
	KindReactionAdded
	KindReactionRemoved
	KindMemberJoined
	KindMemberLeft
	// KindNoop 内部占位事件：多节点下失败的 append 收不回已被超越的号时，
	// 用它补在该 seq 上保持日志连续。只由 eventlog 生成，客户端不可提交。
	KindNoop
)

var kindNames = map[Kind]string{
	KindMessageCreated:  "message_created",
	KindMessageEdited:   "message_edited",
	KindMessageDeleted:  "message_deleted",
	KindReactionAdded:   "reaction_added",
	KindReactionRemoved: "reaction_removed",
	KindMemberJoined:    "member_joined",
	KindMemberLeft:      "member_left",
	KindNoop:            "noop",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Event 一条已定序的不可变事实。追加后不再修改，更正走新事件。
type Event struct {
	ID          string `json:"id" bson:"event_id"`
	ChannelID   string `json:"channel_id" bson:"channel_id"`
	Seq         uint64 `json:"seq" bson:"seq"`
	Kind        Kind   `json:"kind" bson:"kind"`
	ActorID     string `json:"actor_id" bson:"actor_id"`
	Payload     []byte `json:"payload" bson:"payload"`
	CreatedAtMS int64  `json:"created_at_ms" bson:"created_at_ms"`
}

// Clone 浅拷贝 + payload 深拷贝；投递路径上事件只读，拷贝仅存储层需要。
func (e *Event) Clone() *Event {
	cp := *e
	if e.Payload != nil {
		cp.Payload = append([]byte(nil), e.Payload...)
	}
	return &cp
}

// ===== payload 形状 =====

type MessageCreatedPayload struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	ThreadID  string `json:"thread_id,omitempty"` // 线程回复：父消息ID
}

type MessageEditedPayload struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
}

type ReactionPayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type MemberJoinedPayload struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type MemberLeftPayload struct {
	UserID string `json:"user_id"`
}

// ValidatePayload 在进 Sequencer/EventLog 之前做显式校验，而不是落库钩子里。
func ValidatePayload(kind Kind, raw []byte) error {
	if len(raw) == 0 {
		return errs.ErrInvalidPayload.WithDetail("empty payload")
	}
	switch kind {
	case KindMessageCreated:
		p, err := decode.DecodeJSON[MessageCreatedPayload](raw)
		if err != nil {
			return errs.ErrInvalidPayload.WrapMsg(err.Error())
		}
		if p.MessageID == "" || p.Text == "" {
			return errs.ErrInvalidPayload.WithDetail("message_id/text required")
		}
	case KindMessageEdited:
		p, err := decode.DecodeJSON[MessageEditedPayload](raw)
		if err != nil {
			return errs.ErrInvalidPayload.WrapMsg(err.Error())
		}
		if p.MessageID == "" || p.Text == "" {
			return errs.ErrInvalidPayload.WithDetail("message_id/text required")
		}
	case KindMessageDeleted:
		p, err := decode.DecodeJSON[MessageDeletedPayload](raw)
		if err != nil {
			return errs.ErrInvalidPayload.WrapMsg(err.Error())
		}
		if p.MessageID == "" {
			return errs.ErrInvalidPayload.WithDetail("message_id required")
		}
	case KindReactionAdded, KindReactionRemoved:
		p, err := decode.DecodeJSON[ReactionPayload](raw)
		if err != nil {
			return errs.ErrInvalidPayload.WrapMsg(err.Error())
		}
		if p.MessageID == "" || p.Emoji == "" {
			return errs.ErrInvalidPayload.WithDetail("message_id/emoji required")
		}
	case KindMemberJoined:
		p, err := decode.DecodeJSON[MemberJoinedPayload](raw)
		if err != nil {
			return errs.ErrInvalidPayload.WrapMsg(err.Error())
		}
		if p.UserID == "" {
			return errs.ErrInvalidPayload.WithDetail("user_id required")
		}
	case KindMemberLeft:
		p, err := decode.DecodeJSON[MemberLeftPayload](raw)
		if err != nil {
			return errs.ErrInvalidPayload.WrapMsg(err.Error())
		}
		if p.UserID == "" {
			return errs.ErrInvalidPayload.WithDetail("user_id required")
		}
	case KindNoop:
		// 内部事件，不接受外部提交
		return errs.ErrInvalidPayload.WithDetail("noop is internal")
	default:
		return errs.ErrInvalidPayload.WithDetail("unknown kind")
	}
	return nil
}

// MarshalPayload 把固定形状序列化为事件体。
func MarshalPayload(v any) ([]byte, error) {
	return json.Marshal(v)
}
