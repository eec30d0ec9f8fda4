package authority

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"offsync/internal/models"
	"offsync/internal/privacy"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 5 * time.Second

func (a *Authority) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if a.token != "" && q.Get("token") != a.token {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	deviceID := q.Get("deviceId")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		a.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	c := &client{conn: conn, deviceID: deviceID}
	a.clientsMu.Lock()
	a.clients[c] = struct{}{}
	total := len(a.clients)
	a.clientsMu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"device_id": privacy.MaskDeviceID(deviceID),
		"clients":   total,
	}).Info("Device connected")

	go a.readLoop(c)
}

func (a *Authority) readLoop(c *client) {
	defer a.removeClient(c)

	for {
		_, data, err := c.conn.Read(a.ctx)
		if err != nil {
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case models.FramePing:
			a.send(c, models.Frame{Type: models.FramePong, Timestamp: a.now().UnixMilli()})
		case models.FrameSyncCompleted:
			a.Broadcast(models.Frame{
				Type:               models.FrameSyncNotification,
				DeviceID:           c.deviceID,
				ChangedEntityTypes: frame.ChangedEntityTypes,
				Timestamp:          a.now().UnixMilli(),
			}, c.deviceID)
		}
	}
}

func (a *Authority) removeClient(c *client) {
	a.clientsMu.Lock()
	_, ok := a.clients[c]
	delete(a.clients, c)
	a.clientsMu.Unlock()

	if ok {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		a.logger.WithField("device_id", privacy.MaskDeviceID(c.deviceID)).Info("Device disconnected")
	}
}

func (a *Authority) send(c *client, frame models.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(a.ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		a.logger.WithError(err).WithField("device_id", privacy.MaskDeviceID(c.deviceID)).Debug("Failed to write frame")
		a.removeClient(c)
	}
}

// Broadcast sends frame to every connected device except the excluded one.
func (a *Authority) Broadcast(frame models.Frame, exclude string) {
	a.clientsMu.Lock()
	targets := make([]*client, 0, len(a.clients))
	for c := range a.clients {
		if c.deviceID != exclude {
			targets = append(targets, c)
		}
	}
	a.clientsMu.Unlock()

	for _, c := range targets {
		a.send(c, frame)
	}
}

// DropConnections closes every persistent channel without shutting the
// authority down, as a network blip would.
func (a *Authority) DropConnections() {
	a.clientsMu.Lock()
	clients := make([]*client, 0, len(a.clients))
	for c := range a.clients {
		clients = append(clients, c)
	}
	a.clientsMu.Unlock()

	for _, c := range clients {
		a.removeClient(c)
	}
}
