package reports_api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/publicbridge/alertcore/internal/broker/messages"
	"github.com/publicbridge/alertcore/internal/geo"
	"github.com/publicbridge/alertcore/internal/hub"
	"github.com/publicbridge/alertcore/internal/models"
)

// liveFeed streams report events over SSE. Filters come from query
// params: ?bbox=minLat,minLon,maxLat,maxLon and ?categories=fire,flood.
// The client's read side doubles as the heartbeat: every comment frame we
// manage to write refreshes the subscriber lease.
func (a *ReportsAPI) liveFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter, err := parseFilter(r.URL.Query().Get("bbox"), r.URL.Query().Get("categories"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub := a.hub.Subscribe(filter)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected subscriber=%d\n\n", sub.ID())
	flusher.Flush()

	ctx := r.Context()
	heartbeat := time.NewTicker(a.sseHeartbeat)
	defer heartbeat.Stop()

	events := make(chan streamItem)
	go func() {
		defer close(events)
		for {
			ev, err := sub.Next(ctx)
			select {
			case events <- streamItem{ev: ev, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			sub.Touch()
		case item, ok := <-events:
			if !ok {
				return
			}
			if item.err != nil {
				if errors.Is(item.err, hub.ErrSubscriberOverflow) {
					fmt.Fprint(w, "event: overflow\ndata: {\"error\":\"event queue overflow, resubscribe\"}\n\n")
					flusher.Flush()
				}
				return
			}
			b, err := json.Marshal(item.ev)
			if err != nil {
				slog.Error("marshal live event", "error", err.Error())
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", item.ev.Type, b); err != nil {
				return
			}
			flusher.Flush()
			sub.Touch()
		}
	}
}

type streamItem struct {
	ev  *messages.ReportEvent
	err error
}

func parseFilter(bbox, categories string) (hub.Filter, error) {
	var f hub.Filter

	if bbox != "" {
		parts := strings.Split(bbox, ",")
		if len(parts) != 4 {
			return f, errors.New("bbox wants minLat,minLon,maxLat,maxLon")
		}
		vals := make([]float64, 4)
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return f, errors.New("bbox has a non-numeric bound")
			}
			vals[i] = v
		}
		box := &geo.BoundingBox{MinLat: vals[0], MinLon: vals[1], MaxLat: vals[2], MaxLon: vals[3]}
		if !box.Valid() {
			return f, errors.New("bbox bounds are out of range or inverted")
		}
		f.BBox = box
	}

	if categories != "" {
		for _, raw := range strings.Split(categories, ",") {
			c := models.Category(strings.TrimSpace(raw))
			if !c.Valid() {
				return f, errors.New("unknown category " + string(c))
			}
			f.Categories = append(f.Categories, c)
		}
	}

	return f, nil
}
