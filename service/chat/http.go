package chat

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bapcai02/NovaChat-sub000/middleware"
	"github.com/bapcai02/NovaChat-sub000/module/chat/event"
	"github.com/bapcai02/NovaChat-sub000/service/storage"
	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
	"github.com/bapcai02/NovaChat-sub000/tools/security"
)

// ApiServer REST 入口：历史拉取、成员管理、ack、在线查询。
// 实时链路走 ws，这里只承载请求/响应型操作。
type ApiServer struct {
	core     *Core
	presence storage.Presence
	jwt      security.Options
}

func NewApiServer(core *Core, presence storage.Presence, jwt security.Options) *ApiServer {
	return &ApiServer{core: core, presence: presence, jwt: jwt}
}

func (s *ApiServer) Attach(r *gin.Engine) {
	api := r.Group("/api", middleware.JWTAuth(s.jwt))
	{
		api.POST("/channels/:channel/events", s.submitEvent)
		api.GET("/channels/:channel/events", s.history)
		api.POST("/channels/:channel/ack", s.ack)
		api.POST("/channels/:channel/join", s.join)
		api.POST("/channels/:channel/leave", s.leave)
		api.GET("/channels/:channel/members", s.listMembers)
		api.GET("/presence/:user", s.lookupPresence)
	}
}

// ===== 响应封装 =====

type apiResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func respOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, apiResp{Code: 0, Msg: "ok", Data: data})
}

func respErr(c *gin.Context, err error) {
	code := errs.Code(err)
	status := http.StatusInternalServerError
	switch code {
	case errs.ArgsError, errs.InvalidPayloadError:
		status = http.StatusBadRequest
	case errs.TokenInvalidError, errs.TokenExpiredError:
		status = http.StatusUnauthorized
	case errs.NotMemberError:
		status = http.StatusForbidden
	}
	c.JSON(status, apiResp{Code: code, Msg: err.Error()})
}

// ===== handlers =====

type submitReq struct {
	Kind    string `json:"kind" binding:"required"`
	Payload any    `json:"payload" binding:"required"`
}

func (s *ApiServer) submitEvent(c *gin.Context) {
	var req submitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		respErr(c, errs.ErrArgs.WrapMsg(err.Error()))
		return
	}
	payload, err := event.MarshalPayload(req.Payload)
	if err != nil {
		respErr(c, errs.ErrInvalidPayload.WrapMsg(err.Error()))
		return
	}
	ev, err := s.core.SubmitEvent(c.Request.Context(),
		c.Param("channel"), middleware.UserID(c), event.ParseKind(req.Kind), payload)
	if err != nil {
		respErr(c, err)
		return
	}
	respOK(c, ev)
}

func (s *ApiServer) history(c *gin.Context) {
	from := parseSeq(c.Query("from"))
	to := parseSeq(c.Query("to"))
	events, err := s.core.History(c.Request.Context(),
		c.Param("channel"), middleware.UserID(c), from, to)
	if err != nil {
		respErr(c, err)
		return
	}
	respOK(c, gin.H{"events": events, "count": len(events)})
}

type ackReq struct {
	Seq uint64 `json:"seq" binding:"required"`
}

func (s *ApiServer) ack(c *gin.Context) {
	var req ackReq
	if err := c.ShouldBindJSON(&req); err != nil {
		respErr(c, errs.ErrArgs.WrapMsg(err.Error()))
		return
	}
	if err := s.core.Ack(c.Request.Context(), c.Param("channel"), middleware.UserID(c), req.Seq); err != nil {
		respErr(c, err)
		return
	}
	respOK(c, nil)
}

type joinReq struct {
	Role string `json:"role"`
}

func (s *ApiServer) join(c *gin.Context) {
	var req joinReq
	_ = c.ShouldBindJSON(&req) // body 可省，role 默认 member
	ev, err := s.core.JoinChannel(c.Request.Context(), c.Param("channel"), middleware.UserID(c), req.Role)
	if err != nil {
		respErr(c, err)
		return
	}
	respOK(c, ev)
}

func (s *ApiServer) leave(c *gin.Context) {
	ev, err := s.core.LeaveChannel(c.Request.Context(), c.Param("channel"), middleware.UserID(c))
	if err != nil {
		respErr(c, err)
		return
	}
	respOK(c, ev)
}

func (s *ApiServer) listMembers(c *gin.Context) {
	members, err := s.core.Members().Members(c.Request.Context(), c.Param("channel"))
	if err != nil {
		respErr(c, errs.Wrap(err))
		return
	}
	respOK(c, gin.H{"members": members, "count": len(members)})
}

func (s *ApiServer) lookupPresence(c *gin.Context) {
	if s.presence == nil {
		respOK(c, gin.H{"online": false})
		return
	}
	node, online, err := s.presence.Lookup(c.Request.Context(), c.Param("user"))
	if err != nil {
		respErr(c, err)
		return
	}
	respOK(c, gin.H{"online": online, "node": node})
}

func parseSeq(s string) uint64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
