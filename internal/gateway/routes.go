package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/guildgate/internal/dispatch"
	"github.com/danmuck/guildgate/internal/guildstate"
	"github.com/danmuck/guildgate/internal/protocol"
	"github.com/danmuck/guildgate/internal/shard"
	"github.com/danmuck/guildgate/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type dispatchRequest struct {
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

func (s *Service) registerRoutes() {
	r := s.engine
	r.GET("/gateway", s.handleGateway)
	r.GET("/gateway/bot", s.handleGatewayBot)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"uptime":      time.Since(s.appeared).String(),
			"node":        s.cfg.Gateway.Node,
			"connections": s.mgr.Connections(),
			"streams":     s.mgr.Streams(),
			"revision":    s.disp.Revision(),
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		ready := s.router.AllReady()
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":  ready,
			"node":   s.cfg.Gateway.Node,
			"shards": s.router.Snapshot(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	internal := r.Group("/internal", s.requireInternalToken)
	internal.GET("/shards", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"count": s.router.Count(), "shards": s.router.Snapshot()})
	})
	internal.POST("/shards/:shard_id/ready", s.handleShardReady)
	internal.POST("/shards/:shard_id/unready", s.handleShardUnready)
	internal.PUT("/guilds/:guild_id", s.handlePutGuild)
	internal.DELETE("/guilds/:guild_id", s.handleDeleteGuild)
	internal.POST("/guilds/:guild_id/dispatch", s.handleDispatch)
}

// handleGateway upgrades first so that negotiation failures reach the
// client as close codes rather than HTTP errors.
func (s *Service) handleGateway(c *gin.Context) {
	params, perr := protocol.ParseQuery(c.Request.URL.Query())
	ws, err := transport.Upgrade(&s.upgrader, c.Writer, c.Request, s.cfg.Gateway.MaxMessageBytes, s.cfg.Gateway.WriteTimeout)
	if err != nil {
		log.Debug().Err(err).Str("remote", c.ClientIP()).Msg("gateway.upgrade_failed")
		return
	}
	if perr != nil {
		code := protocol.NegotiationCloseCode(perr)
		log.Debug().Err(perr).Int("close_code", int(code)).Msg("gateway.negotiation_failed")
		_ = ws.Close(int(code), perr.Error())
		return
	}
	_ = s.mgr.Serve(context.WithoutCancel(c.Request.Context()), ws, "websocket", params)
}

func (s *Service) handleGatewayBot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"url":    s.gatewayURL(c.Request),
		"shards": s.router.Count(),
		"session_start_limit": gin.H{
			"total":       s.cfg.Session.IdentifyLimit.Count,
			"reset_after": s.cfg.Session.IdentifyLimit.Window.Milliseconds(),
		},
	})
}

func (s *Service) gatewayURL(r *http.Request) string {
	if u := strings.TrimSpace(s.cfg.Gateway.PublicURL); u != "" {
		return u
	}
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + "/gateway"
}

func (s *Service) requireInternalToken(c *gin.Context) {
	want := s.cfg.Gateway.InternalToken
	if want == "" {
		c.Next()
		return
	}
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func shardParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("shard_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "shard_id must be an integer"})
		return 0, false
	}
	return id, true
}

func (s *Service) handleShardReady(c *gin.Context) {
	id, ok := shardParam(c)
	if !ok {
		return
	}
	drained, err := s.disp.MarkReady(id)
	if err != nil {
		c.JSON(shardStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"shard_id": id, "ready": true, "drained": drained})
}

func (s *Service) handleShardUnready(c *gin.Context) {
	id, ok := shardParam(c)
	if !ok {
		return
	}
	if err := s.disp.MarkUnready(id); err != nil {
		c.JSON(shardStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"shard_id": id, "ready": false})
}

func shardStatus(err error) int {
	if errors.Is(err, shard.ErrInvalidShard) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// handlePutGuild commits a full guild document to storage and publishes
// it as the cache's next version.
func (s *Service) handlePutGuild(c *gin.Context) {
	guildID := c.Param("guild_id")
	var g guildstate.Guild
	if err := c.ShouldBindJSON(&g); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := s.cache.Update(c.Request.Context(), guildID, func(ctx context.Context, current guildstate.Guild) (guildstate.Guild, error) {
		g.ID = guildID
		if g.Version <= current.Version {
			g.Version = current.Version + 1
		}
		if err := g.Validate(); err != nil {
			return guildstate.Guild{}, err
		}
		return g, s.store.PutGuild(ctx, g)
	})
	switch {
	case errors.Is(err, guildstate.ErrInvalidGuild):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"guild_id": guildID, "version": snap.Version()})
}

// handleDeleteGuild removes the guild from storage, tells its subscribers,
// and forgets the cached copy.
func (s *Service) handleDeleteGuild(c *gin.Context) {
	guildID := c.Param("guild_id")
	if err := s.store.DeleteGuild(c.Request.Context(), guildID); err != nil && !errors.Is(err, guildstate.ErrNotFound) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	payload, _ := json.Marshal(protocol.GuildPayload{ID: guildID})
	receipt, err := s.disp.Submit(c.Request.Context(), guildID, protocol.EventGuildDelete, payload)
	if err != nil {
		c.JSON(submitStatus(err), gin.H{"error": err.Error()})
		return
	}
	s.cache.Remove(guildID)
	c.JSON(receiptStatus(receipt), receipt)
}

// handleDispatch is the mutation intake: the REST tier posts each
// committed change here for fan-out.
func (s *Service) handleDispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	receipt, err := s.disp.Submit(c.Request.Context(), c.Param("guild_id"), req.Type, req.Payload)
	if err != nil {
		c.JSON(submitStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(receiptStatus(receipt), receipt)
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrInvalidEnvelope):
		return http.StatusBadRequest
	case errors.Is(err, shard.ErrNotOwned):
		return http.StatusMisdirectedRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// receiptStatus is 202 for envelopes parked behind a shard that is not
// ready yet.
func receiptStatus(r dispatch.Receipt) int {
	if r.Queued {
		return http.StatusAccepted
	}
	return http.StatusOK
}
