package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/smoothfeed/internal/app/metrics"
)

const (
	minStreamInterval = 50 * time.Millisecond
	streamWriteWait   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// stream pushes the smoothed answer of a feed over a websocket every interval
// until the client goes away. Bad parameters and unknown feeds are rejected
// with a JSON error before the upgrade.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	feedID := mux.Vars(r)["feed"]
	query := r.URL.Query()

	period, err := parsePeriod(query.Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParameter, err)
		return
	}
	interval := h.streamInterval
	if raw := strings.TrimSpace(query.Get("interval")); raw != "" {
		interval, err = time.ParseDuration(raw)
		if err != nil || interval < minStreamInterval {
			writeError(w, http.StatusBadRequest, codeInvalidParameter,
				fmt.Errorf("interval must be a duration of at least %s", minStreamInterval))
			return
		}
	}

	first, err := h.svc.SmoothedAnswer(r.Context(), feedID, period, nil)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		return
	}
	defer conn.Close()

	metrics.StreamOpened()
	defer metrics.StreamClosed()

	log := h.log.WithField("feed_id", feedID).WithField("request_id", RequestID(r.Context()))
	log.Debug("stream opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var msg interface{} = newSmoothedResponse(first)
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.WithError(err).Debug("stream write failed")
			return
		}

		select {
		case <-ctx.Done():
			log.Debug("stream closed by client")
			return
		case <-ticker.C:
		}

		ans, err := h.svc.SmoothedAnswer(ctx, feedID, period, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			_, code := classify(err)
			msg = errorBody{Error: err.Error(), Code: code}
			continue
		}
		msg = newSmoothedResponse(ans)
	}
}
