package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/CyberFlameGO/envkey/internal/envkey"
	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
	"github.com/CyberFlameGO/envkey/internal/httputil"
)

// upgrader upgrades HTTP connections to websocket. Clients are command-line
// processes, not browsers, so origin checks do not apply.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// deviceSocketHandler subscribes a device connection to its org's change
// feed. The connection receives forward patches for every committed action
// in the caller's scope; inbound frames act as activity heartbeats.
func (s *Server) deviceSocketHandler(c *gin.Context) {
	orgID := c.Query("orgId")
	userID := c.Query("userId")
	deviceID := c.Query("deviceId")
	if orgID == "" || userID == "" || deviceID == "" {
		httputil.HandleErrorGin(c, apperrors.Wrap(apperrors.ErrInvalidInput, "orgId, userId and deviceId must not be blank"), s.logger)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	client := s.hub.RegisterDevice(orgID, userID, deviceID, conn)
	s.logger.Info("device connected",
		slog.String("org_id", orgID),
		slog.String("user_id", userID),
		slog.String("device_id", deviceID),
	)

	// Read pump. Devices send no payloads; any inbound frame re-arms the
	// idle-lock timer, and a read error means the connection is gone.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		s.lock.Touch()
	}

	s.hub.Unregister(client)
	s.logger.Info("device disconnected",
		slog.String("org_id", orgID),
		slog.String("device_id", deviceID),
	)
}

// envkeySocketHandler subscribes a credential consumer to its env-updated and
// invalidation feed. The caller identifies itself by the full envkey id part;
// only the hash is ever stored, so lookup goes through the hash index.
func (s *Server) envkeySocketHandler(c *gin.Context) {
	idPart := c.Param("envkeyIdPart")
	envkeyID := s.lookupEnvkeyID(idPart)
	if envkeyID == "" {
		httputil.HandleErrorGin(c, apperrors.Wrap(apperrors.ErrNotFound, "envkey not found"), s.logger)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	client := s.hub.RegisterEnvkey(envkeyID, conn)
	s.logger.Info("envkey consumer connected", slog.String("envkey_id", envkeyID))

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.hub.Unregister(client)
	s.logger.Info("envkey consumer disconnected", slog.String("envkey_id", envkeyID))
}

// lookupEnvkeyID resolves a full envkey id part to the live credential node
// carrying its hash. Returns empty when no active credential matches.
func (s *Server) lookupEnvkeyID(idPart string) string {
	if idPart == "" {
		return ""
	}
	hash := envkey.HashIDPart(idPart)

	for _, orgID := range s.store.OrgIDs() {
		g, _, err := s.store.Snapshot(orgID)
		if err != nil {
			continue
		}
		for _, key := range graphDomain.NodesOfType[*graphDomain.GeneratedEnvkey](g) {
			if key.EnvkeyIDPartHash == hash {
				return key.ID
			}
		}
	}
	return ""
}
