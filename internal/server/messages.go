package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/psky-social/relay/internal/store"
	"go.uber.org/zap"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 100
	chatCollection      = "social.psky.chat.message"
)

type getMessagesQuery struct {
	URI    string `form:"uri"`
	Limit  *int   `form:"limit" binding:"omitempty,min=1,max=100"`
	Cursor *int   `form:"cursor" binding:"omitempty,min=0"`
}

type getMessagesResponse struct {
	Cursor   int                  `json:"cursor"`
	Messages []messageViewPayload `json:"messages"`
}

type messageViewPayload struct {
	DID       string          `json:"did"`
	RKey      string          `json:"rkey"`
	CID       string          `json:"cid"`
	Room      *string         `json:"room,omitempty"`
	Content   string          `json:"content"`
	Facets    json.RawMessage `json:"facets,omitempty"`
	Reply     json.RawMessage `json:"reply,omitempty"`
	Handle    string          `json:"handle"`
	Nickname  *string         `json:"nickname,omitempty"`
	IndexedAt int64           `json:"indexedAt"`
	UpdatedAt *int64          `json:"updatedAt,omitempty"`
}

func (h *httpHandler) handleGetMessages(c *gin.Context) {
	var query getMessagesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	limit := defaultMessageLimit
	if query.Limit != nil {
		limit = *query.Limit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	offset := 0
	if query.Cursor != nil {
		offset = *query.Cursor
	}

	views, err := h.messages.ListMessages(c.Request.Context(), store.MessageQuery{
		Collection: chatCollection,
		Room:       query.URI,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		h.logger.Error("failed to list messages", zap.String("room", query.URI), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	response := getMessagesResponse{
		Cursor:   offset + len(views),
		Messages: make([]messageViewPayload, 0, len(views)),
	}
	for _, view := range views {
		response.Messages = append(response.Messages, messageViewPayload{
			DID:       view.DID,
			RKey:      view.RKey(),
			CID:       view.CID,
			Room:      view.Room,
			Content:   view.Content,
			Facets:    rawJSON(view.Facets),
			Reply:     rawJSON(view.Reply),
			Handle:    view.Handle,
			Nickname:  view.Nickname,
			IndexedAt: view.IndexedAt,
			UpdatedAt: view.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, response)
}

func rawJSON(column []byte) json.RawMessage {
	if len(column) == 0 || string(column) == "null" {
		return nil
	}
	return json.RawMessage(column)
}
