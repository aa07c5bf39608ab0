package errs

// 错误码分段：1xx 通用；2xx 鉴权；5xx 序列/日志/回放
const (
	ServerInternalError = 500
	ArgsError           = 400

	TokenInvalidError = 201
	TokenExpiredError = 202
	NotMemberError    = 203

	SequencerUnavailableError = 501
	AppendFailedError         = 502
	CatchUpFailedError        = 503
	InvalidPayloadError       = 504
	ChannelClosedError        = 505
	SessionClosedError        = 506
)

var (
	ErrInternal = NewCodeError(ServerInternalError, "server internal error")
	ErrArgs     = NewCodeError(ArgsError, "args invalid")

	ErrTokenInvalid = NewCodeError(TokenInvalidError, "token invalid")
	ErrTokenExpired = NewCodeError(TokenExpiredError, "token expired")
	ErrNotMember    = NewCodeError(NotMemberError, "user is not a channel member")

	// 计数器存储不可达：本次 append 失败，可重试
	ErrSequencerUnavailable = NewCodeError(SequencerUnavailableError, "sequencer unavailable")
	// 事件落库重试耗尽：调用方不得假定事件已写入
	ErrAppendFailed = NewCodeError(AppendFailedError, "event append failed")
	// 回放读取失败：会话保持未连接，客户端退避重试
	ErrCatchUpFailed = NewCodeError(CatchUpFailedError, "catch-up replay failed")
	ErrInvalidPayload = NewCodeError(InvalidPayloadError, "event payload invalid")
	ErrChannelClosed  = NewCodeError(ChannelClosedError, "channel pipeline closed")
	ErrSessionClosed  = NewCodeError(SessionClosedError, "delivery session closed")
)
