package servers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/astrafetch/astrafetch-go/src/instance"
)

var heartbeatInterval = 30 * time.Second

// sseHandler 推送合并后的 entries_changed 事件
func sseHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	hub := instance.GetInstance(r.Context()).Events()
	clientCh, cancel := hub.Subscribe(100)
	defer cancel()

	fmt.Fprintf(w, "event: connected\ndata: {\"message\":\"SSE connected\",\"clients\":%d}\n\n", hub.Clients())
	flusher.Flush()

	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer heartbeatTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeatTicker.C:
			fmt.Fprintf(w, ":heartbeat\n\n")
			flusher.Flush()

		case msg, ok := <-clientCh:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
			flusher.Flush()
		}
	}
}
