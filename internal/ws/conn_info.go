package ws

import "time"

// ConnInfo describes one authenticated websocket connection.
type ConnInfo struct {
	ConnID      string
	UserID      int64
	Username    string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// lifecyclePayload is the body of ws_connect / ws_disconnect / ws_error
// events published to the events exchange.
func (i ConnInfo) lifecyclePayload(event, reason string) map[string]interface{} {
	return map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     i.ConnID,
			"duration_ms": time.Since(i.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   i.UserID,
			"device_id": i.DeviceID,
			"ip":        i.IP,
		},
	}
}
