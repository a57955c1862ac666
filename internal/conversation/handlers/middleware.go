package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/token"
)

const (
	contextAgentID        = "agentID"
	contextConversationID = "tokenConversationID"
)

// agentAuth authenticates an in-conversation agent by bearer token and binds
// the request to the token's (conversation, agent) pair. Routes carrying a
// conversation id param get the pair checked against it.
func agentAuth(tokens *token.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		value, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || value == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		record, err := tokens.Validate(c.Request.Context(), value)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		if id := c.Param("id"); id != "" && id != record.ConversationID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token is not valid for this conversation"})
			return
		}

		c.Set(contextAgentID, record.AgentID)
		c.Set(contextConversationID, record.ConversationID)
		c.Next()
	}
}

func boundAgentID(c *gin.Context) string {
	return c.GetString(contextAgentID)
}

func boundConversationID(c *gin.Context) string {
	return c.GetString(contextConversationID)
}
