package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meeting-voice-lab/internal/logging"
)

const (
	maxFrameBytes = 1 << 20
	writeWait     = 10 * time.Second
)

// Server accepts client websockets on "/" and serves /healthz and /metrics.
type Server struct {
	rec      Recognizer
	upgrader websocket.Upgrader
	metrics  *Metrics
	registry *prometheus.Registry
}

// NewServer builds a relay for rec. Metrics go to a private registry exposed
// on /metrics.
func NewServer(rec Recognizer) *Server {
	reg := prometheus.NewRegistry()
	return &Server{
		rec: rec,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 4 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics:  NewMetrics(reg),
		registry: reg,
	}
}

func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler routes the relay's endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", s.serveWS)
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("relay: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	id := uuid.NewString()
	logging.Infow("relay: client connected", logging.ConnFields(id, r.RemoteAddr)...)
	s.metrics.Connections.Inc()
	defer s.metrics.Connections.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	b := &bridge{id: id, conn: conn, rec: s.rec, metrics: s.metrics, ctx: ctx}
	defer func() {
		cancel()
		b.shutdown()
		_ = conn.Close()
		logging.Infow("relay: client disconnected", logging.ConnFields(id, r.RemoteAddr)...)
	}()
	b.readLoop()
}
