package observability

import (
	"net"
	"net/http"
	"strings"
)

// ClientMeta is what a request tells us about the calling device.
type ClientMeta struct {
	DeviceID  string
	RequestID string
	IP        string
}

// ClientMetaFromRequest reads device, request id and client address headers.
// The websocket handshake has no body, so the device id may also come from
// the device_id query parameter.
func ClientMetaFromRequest(r *http.Request) ClientMeta {
	deviceID := r.Header.Get("X-Device-Id")
	if deviceID == "" {
		deviceID = r.URL.Query().Get("device_id")
	}
	return ClientMeta{
		DeviceID:  deviceID,
		RequestID: r.Header.Get("X-Request-Id"),
		IP:        clientIP(r),
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
