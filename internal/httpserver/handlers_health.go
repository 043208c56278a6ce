package httpserver

import (
	"net/http"
	"time"

	"github.com/routstr/proxy/pkg/responders"
)

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(serverStartTime).String(),
	})
}
