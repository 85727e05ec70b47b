package wsocket

import (
	"net/http"
	"time"

	"dream_analyzer_go_backend/internal/models"
	"dream_analyzer_go_backend/internal/utils/broker"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

// Handler pushes a user's account events over a websocket.
type Handler struct {
	broker       *broker.Broker
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

func NewHandler(messageBroker *broker.Broker, upgrader websocket.Upgrader, pingInterval time.Duration) *Handler {
	return &Handler{
		broker:       messageBroker,
		upgrader:     upgrader,
		pingInterval: pingInterval,
	}
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request, user *models.User) {
	log := zerolog.Ctx(r.Context()).With().Str("userID", user.ID.String()).Logger()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	topic := broker.AccountTopic(user.ID.String())
	events := h.broker.Subscribe(topic)
	defer h.broker.Unsubscribe(topic, events)
	log.Debug().Msg("Websocket connected")

	pongWait := 2 * h.pingInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Clients never send anything we act on; reading only surfaces closes
	// and keeps pong handling alive.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			log.Debug().Msg("Websocket closed by client")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				log.Debug().Err(err).Msg("Error sending account event")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Msg("Error sending ping")
				return
			}
		}
	}
}
