package tmc

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MinStreamInterval is the shortest period between streamed captures
const MinStreamInterval = 10 * time.Millisecond

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamFrame summarizes one capture of a stream
type StreamFrame struct {
	CaptureID    string     `json:"capture_id,omitempty"`
	Channel      string     `json:"channel"`
	Samples      int        `json:"samples"`
	TimeRange    [2]float64 `json:"time_range"`
	VoltageRange [2]float64 `json:"voltage_range"`
	Error        string     `json:"error,omitempty"`
	Stamp        int64      `json:"stamp"`
}

// Stream upgrades to a websocket and sends a StreamFrame per capture of the
// channel in the query string, at most one per interval (default 1s).  A
// count > 0 ends the stream after that many frames; otherwise it runs until
// the client goes away
func (h HTTPOscilloscope) Stream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channel := q.Get("channel")
	if channel == "" {
		channel = "CHAN1"
	}
	interval := time.Second
	if s := q.Get("interval"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		interval = d
	}
	if interval < MinStreamInterval {
		interval = MinStreamInterval
	}
	var count int
	if s := q.Get("count"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "count must be a non-negative integer", http.StatusBadRequest)
			return
		}
		count = n
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// reads only to notice the client leaving
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	h.Log.Debug("stream started", zap.String("channel", channel), zap.Duration("interval", interval))
	lim := rate.NewLimiter(rate.Every(interval), 1)
	for n := 0; count == 0 || n < count; n++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		frame := StreamFrame{Channel: channel}
		c, id, err := h.capture(ctx, channel, nil)
		if err != nil {
			frame.Error = err.Error()
		} else {
			frame.CaptureID = id
			frame.Samples = c.Len()
			frame.TimeRange = c.TimeRange()
			frame.VoltageRange = c.VoltageRange()
		}
		frame.Stamp = time.Now().UnixMilli()
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
