package handlers

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telecare-signaling/internal/middleware"
	"github.com/mossy-p/telecare-signaling/internal/models"
	"github.com/mossy-p/telecare-signaling/internal/redis"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// GetPresence reports whether an identity currently has a signaling connection.
// The doctor portal uses it to grey out the call button.
func (h *Hub) GetPresence(c *gin.Context) {
	identity := c.Param("identity")

	online, err := h.store.IsOnline(c.Request.Context(), identity)
	if err != nil {
		log.Error().Err(err).Str("identity", identity).Msg("presence lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Presence lookup failed"})
		return
	}

	c.JSON(http.StatusOK, models.Presence{Identity: identity, Online: online})
}

// GetRoom returns the parties of a call room. Only a party may look it up.
func (h *Hub) GetRoom(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	name := c.Param("room")

	room, err := h.store.Room(c.Request.Context(), name)
	if errors.Is(err, redis.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("room", name).Msg("room lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Room lookup failed"})
		return
	}

	if !slices.Contains(room.Invitees, userID) && !slices.Contains(room.Members, userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this room"})
		return
	}

	c.JSON(http.StatusOK, room)
}
