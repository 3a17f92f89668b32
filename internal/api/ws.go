package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"juttled/internal/apperrors"
	"juttled/internal/endpoint"
	"juttled/internal/protocol"
)

// socketServer upgrades requests into endpoints.
type socketServer struct {
	upgrader websocket.Upgrader
	cfg      endpoint.Config
}

func newSocketServer(cfg endpoint.Config) *socketServer {
	return &socketServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		cfg: cfg,
	}
}

// accept upgrades the request. On failure the upgrader has already answered
// the client and nil is returned.
func (s *socketServer) accept(w http.ResponseWriter, r *http.Request) *endpoint.Endpoint {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "path", r.URL.Path, "error", err)
		return nil
	}
	return endpoint.New(endpoint.NewWebsocketConn(ws, s.cfg.WriteTimeout), s.cfg)
}

func isWebsocket(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// SubscribeJob attaches a websocket to a job. An unknown job id gets a
// single {err} message and the socket is closed.
func (h *Handler) SubscribeJob(w http.ResponseWriter, r *http.Request) {
	ep := h.sockets.accept(w, r)
	if ep == nil {
		return
	}
	id := r.PathValue("job_id")
	if !h.jobs.AddEndpointToJob(ep, id) {
		ep.Send(protocol.NoSuchJob{Err: apperrors.JobNotFound(id).Error()})
		ep.Close(false)
	}
}

// SubscribeObserver handles the websocket on /api/v0/observers/{observer_id}
func (h *Handler) SubscribeObserver(w http.ResponseWriter, r *http.Request) {
	ep := h.sockets.accept(w, r)
	if ep == nil {
		return
	}
	h.observers.AddEndpointToObserver(ep, r.PathValue("observer_id"))
}

// Rendezvous handles the websocket on /rendezvous/{topic}
func (h *Handler) Rendezvous(w http.ResponseWriter, r *http.Request) {
	ep := h.sockets.accept(w, r)
	if ep == nil {
		return
	}
	h.topics.AddEndpointToTopic(ep, r.PathValue("topic"))
}
