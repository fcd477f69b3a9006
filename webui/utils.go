package webui

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
)

func generateRandomToken() (string, error) {
	b := make([]byte, 32) // 256 Bit Token
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func isWebSocketRequest(r *http.Request) bool {
	upgrade := r.Header.Get("Upgrade")
	return upgrade != "" && (strings.ToLower(upgrade) == "websocket")
}
