package adminapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zentalk/core/internal/model"
)

// DiscussionSummary is the wire shape of one discussion row.
type DiscussionSummary struct {
	Peer          string `json:"peer"`
	Direction     string `json:"direction"`
	Status        string `json:"status"`
	WeAccepted    bool   `json:"weAccepted"`
	UnreadCount   int    `json:"unreadCount"`
	LastMessageAt string `json:"lastMessageAt,omitempty"`
	UpdatedAt     string `json:"updatedAt"`
}

// handleListDiscussions handles GET /api/v1/discussions.
func (s *Server) handleListDiscussions(c *gin.Context) {
	discussions, err := s.store.ListAllDiscussions(s.owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]DiscussionSummary, 0, len(discussions))
	for _, d := range discussions {
		summary := DiscussionSummary{
			Peer:        d.Peer.String(),
			Direction:   d.Direction.String(),
			Status:      d.Status.String(),
			WeAccepted:  d.WeAccepted,
			UnreadCount: d.UnreadCount,
			UpdatedAt:   d.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if d.HasLastMessage {
			summary.LastMessageAt = d.LastMessageAt.UTC().Format(time.RFC3339)
		}
		out = append(out, summary)
	}

	c.JSON(http.StatusOK, gin.H{"discussions": out, "count": len(out)})
}

// handlePeerSession handles GET /api/v1/discussions/:peer/session.
func (s *Server) handlePeerSession(c *gin.Context) {
	peer, err := model.ParseUserId(c.Param("peer"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}

	status := s.sessions.PeerSessionStatus(peer)
	c.JSON(http.StatusOK, gin.H{"peer": peer.String(), "sessionStatus": status.String()})
}

// handleQueueDepth handles GET /api/v1/queue/depth, reporting how many
// outgoing messages are backlogged in each retry-relevant status.
func (s *Server) handleQueueDepth(c *gin.Context) {
	statuses := []model.MessageStatus{model.MessageWaitingSession, model.MessageReady, model.MessageSending, model.MessageFailed}
	depths := make(map[string]int, len(statuses))
	for _, st := range statuses {
		items, err := s.store.ListMessagesByOwnerAndStatus(s.owner, st)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		depths[st.String()] = len(items)
	}
	c.JSON(http.StatusOK, gin.H{"queueDepth": depths})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(s.startedAt).String(),
	})
}
