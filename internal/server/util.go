package server

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
)

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// stripScheme converts a CORS origin ("https://ui.example.com") into the
// host pattern form the websocket library matches against.
func stripScheme(origin string) string {
	if i := strings.Index(origin, "://"); i >= 0 {
		return origin[i+3:]
	}
	return origin
}
