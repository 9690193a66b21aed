package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/monoklix/mediaproxy/internal/audit"
	"github.com/monoklix/mediaproxy/internal/upstream"
)

const maxDownloadErrorBodyBytes = 64 * 1024

// handleDownload relays a remote media file to the client as a live byte
// stream. The route exists so browsers can fetch generated video from
// storage hosts that do not answer cross-origin requests.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := newRequestID()
	w.Header().Set("X-Request-Id", requestID)

	start := time.Now()
	username := usernameFor(r)
	ctx, root := s.startSpan(r.Context(), "mediaproxy.download", trace.SpanKindServer, map[string]interface{}{
		"http.method": r.Method,
		"http.route":  "/api/veo/download-video",
	})
	defer root.End()

	ev := &audit.Event{
		RequestID: requestID,
		Route:     "/api/veo/download-video",
		Method:    r.Method,
		Username:  username,
	}
	defer func() {
		ev.DurationMs = float64(time.Since(start).Milliseconds())
		setSpanAttrs(root, map[string]interface{}{
			"mediaproxy.decision": string(ev.Decision),
			"http.status_code":    ev.Status,
		})
		s.emitAudit(ev)
		s.telemetry.RecordRequestMetrics("download", string(ev.Decision), ev.DurationMs, 0, 0)
	}()

	videoURL := r.URL.Query().Get("url")
	if videoURL == "" {
		s.logf(username, "[download] no url provided")
		ev.Decision = audit.DecisionBadRequest
		ev.Status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, upstream.ErrorBody{Error: "Video URL is required"})
		return
	}

	s.debugf(username, "[download] fetching %s", videoURL)

	resp, err := s.forwarder.Get(ctx, videoURL)
	if err != nil {
		s.logf(username, "[download] fetch failed: %v", err)
		ev.Decision = audit.DecisionLocalError
		ev.Status = http.StatusInternalServerError
		writeJSON(w, http.StatusInternalServerError, upstream.ErrorBody{Error: err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxDownloadErrorBodyBytes))
		s.logf(username, "[download] source returned %d", resp.StatusCode)
		ev.Decision = audit.DecisionUpstreamError
		ev.Status = resp.StatusCode
		ev.UpstreamStatus = resp.StatusCode
		writeJSON(w, resp.StatusCode, upstream.ErrorBody{
			Error:   "Failed to download: " + http.StatusText(resp.StatusCode),
			Details: string(body),
		})
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	filename := fmt.Sprintf("monoklix-video-%d.mp4", time.Now().UnixMilli())

	w.Header().Set("Content-Type", contentType)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filename))
	w.Header().Set("Accept-Ranges", "bytes")

	written, err := streamBody(w, resp.Body)
	ev.UpstreamStatus = resp.StatusCode
	if err != nil {
		s.logf(username, "[download] stream interrupted after %d bytes: %v", written, err)
		if written == 0 {
			// Nothing flushed yet, so an error status can still go out.
			w.Header().Del("Content-Length")
			w.Header().Del("Content-Disposition")
			ev.Decision = audit.DecisionLocalError
			ev.Status = http.StatusInternalServerError
			writeJSON(w, http.StatusInternalServerError, upstream.ErrorBody{Error: "Error streaming video"})
			return
		}
		// Headers are gone; truncate and let the client notice.
		ev.Decision = audit.DecisionLocalError
		ev.Status = http.StatusOK
		return
	}

	ev.Decision = audit.DecisionAllow
	ev.Status = http.StatusOK
	s.debugf(username, "[download] streamed %d bytes", written)
}

// streamBody copies the source to the client chunk by chunk, flushing as it
// goes so large media never buffers in memory.
func streamBody(w http.ResponseWriter, body io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, nil
			}
			return written, err
		}
	}
}
