package loadbalancer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// StickySessionManager issues signed affinity cookies so a load balancer in
// front of several gateway instances keeps a client's token request and the
// websocket connect that follows it on the same instance.
type StickySessionManager struct {
	secretKey  []byte
	cookieName string
	maxAge     int
}

func NewStickySessionManager(secretKey, cookieName string, maxAge int) *StickySessionManager {
	return &StickySessionManager{
		secretKey:  []byte(secretKey),
		cookieName: cookieName,
		maxAge:     maxAge,
	}
}

// SessionID returns the request's existing affinity id when its cookie is
// valid, or derives a fresh one.
func (s *StickySessionManager) SessionID(r *http.Request) string {
	cookie, err := r.Cookie(s.cookieName)
	if err == nil && cookie.Value != "" {
		if id, ok := s.verify(cookie.Value); ok {
			return id
		}
	}
	return s.deriveSessionID(r)
}

// SetSessionCookie writes the signed affinity cookie to the response.
func (s *StickySessionManager) SetSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    s.sign(sessionID),
		Path:     "/",
		MaxAge:   s.maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// deriveSessionID hashes client address and user agent so the same client
// lands on a stable id before any cookie exists.
func (s *StickySessionManager) deriveSessionID(r *http.Request) string {
	data := fmt.Sprintf("%s:%s", clientAddr(r), r.Header.Get("User-Agent"))
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:16])
}

func (s *StickySessionManager) sign(sessionID string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(sessionID))
	return fmt.Sprintf("%s.%s", sessionID, hex.EncodeToString(mac.Sum(nil)))
}

func (s *StickySessionManager) verify(cookieValue string) (string, bool) {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return "", false
	}
	if !hmac.Equal([]byte(cookieValue), []byte(s.sign(parts[0]))) {
		return "", false
	}
	return parts[0], true
}

func clientAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
