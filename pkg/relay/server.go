package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter builds the HTTP surface of a relay instance: the websocket
// endpoint, a health probe, and a read-only members listing per room.
func NewRouter(hub *Hub, log *zap.Logger) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/collab/ws", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request)
	})

	router.GET("/api/rooms/:room/members", func(c *gin.Context) {
		members, err := hub.Members(c.Request.Context(), c.Param("room"))
		if err != nil {
			log.Warn("members lookup failed", zap.String("room", c.Param("room")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "presence unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"room": c.Param("room"), "members": members})
	})

	return router
}
