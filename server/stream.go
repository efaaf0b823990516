package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jupark12/docflow/common"
	"github.com/jupark12/docflow/progress"
)

// serveSSE writes the subscription as a text/event-stream until the stream
// closes, the client goes away or the session reaches its maximum duration.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, sub *progress.Subscription) {
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		common.RespondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	deadline := time.NewTimer(s.opts.StreamMaxDuration)
	defer deadline.Stop()
	keepalive := time.NewTicker(s.opts.KeepAlive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			fmt.Fprint(w, "event: timeout\ndata: {}\n\n")
			flusher.Flush()
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Payload())
			if err != nil {
				s.log.Error("stream.marshal_failed", "subject_id", ev.SubjectID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
