package web

import (
	_ "embed"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

//go:embed static/index.html
var indexHTML []byte

const mjpegBoundary = "frame"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// CurrentData is the document behind /current_data and /ws.
type CurrentData struct {
	Whitelist int      `json:"whitelist"`
	Blacklist int      `json:"blacklist"`
	Unknown   int      `json:"unknown"`
	Log       []string `json:"log"`
	Degraded  bool     `json:"degraded"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (s *Server) snapshot() CurrentData {
	report := s.reporter.Report(s.opts.Recent)
	data := CurrentData{
		Whitelist: report.Whitelist,
		Blacklist: report.Blacklist,
		Unknown:   report.Unknown,
		Log:       report.Log,
	}
	if data.Log == nil {
		data.Log = []string{}
	}
	if s.monitor != nil {
		data.Degraded = s.monitor.Status().Degraded
	}
	return data
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func (s *Server) currentData(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.monitor != nil && s.monitor.Status().Degraded {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "no pipeline attached"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"pipeline": s.monitor.Status(),
		"viewers":  s.hub.Subscribers(),
	})
}

// videoFeed streams annotated frames as multipart/x-mixed-replace.
func (s *Server) videoFeed(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc.Flush()

	for {
		frame, err := sub.Next(r.Context())
		if err != nil {
			return
		}
		if err := writePart(w, frame); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := w.Write([]byte("--" + mjpegBoundary + "\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// live pushes CurrentData every PushInterval until the client goes away.
func (s *Server) live(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error", err)
		return
	}
	defer c.Close()

	// Reads are only used to notice the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.PushInterval)
	defer ticker.Stop()

	for {
		c.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.WriteJSON(s.snapshot()); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				log.Println("Error writing to client", err)
			}
			return
		}
		select {
		case <-ticker.C:
		case <-closed:
			return
		case <-s.hub.done:
			c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case <-r.Context().Done():
			return
		}
	}
}
