package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/interfaces"
	"github.com/ternarybob/neurareport/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// ProgressHandler streams a job's progress events over a websocket
type ProgressHandler struct {
	scheduler interfaces.JobScheduler
	events    interfaces.EventService
	logger    arbor.ILogger
}

func NewProgressHandler(scheduler interfaces.JobScheduler, events interfaces.EventService, logger arbor.ILogger) *ProgressHandler {
	return &ProgressHandler{
		scheduler: scheduler,
		events:    events,
		logger:    logger,
	}
}

// HandleJobStream serves /ws/jobs/{id}. The stream ends after the terminal
// event; a job that is already terminal gets its terminal event straight away.
func (h *ProgressHandler) HandleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	// Subscribe before loading so a terminal event cannot slip between the two
	stream, unsubscribe := h.events.Subscribe(jobID)
	defer unsubscribe()

	job, err := h.scheduler.Get(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	h.logger.Debug().Str("job_id", jobID).Str("remote", r.RemoteAddr).Msg("Progress stream opened")

	if job.Status.IsTerminal() {
		h.write(conn, terminalEvent(job))
		h.close(conn)
		return
	}

	// Reader detects the client going away and answers pongs
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case event, ok := <-stream:
			if !ok {
				h.resync(r, conn, jobID)
				return
			}
			if err := h.write(conn, event); err != nil {
				return
			}
			if event.Event == models.EventTerminal {
				h.close(conn)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// resync ends a stream whose subscription was closed under it. The job record
// decides: a finished job still gets its terminal event, a running one is closed
// with try-again-later so the client reconnects.
func (h *ProgressHandler) resync(r *http.Request, conn *websocket.Conn, jobID string) {
	job, err := h.scheduler.Get(r.Context(), jobID)
	if err == nil && job.Status.IsTerminal() {
		if h.write(conn, terminalEvent(job)) == nil {
			h.close(conn)
		}
		return
	}

	h.logger.Debug().Str("job_id", jobID).Msg("Progress subscription closed, asking client to reconnect")
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "progress stream interrupted"))
}

func (h *ProgressHandler) write(conn *websocket.Conn, event models.ProgressEvent) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(event); err != nil {
		h.logger.Debug().Err(err).Str("job_id", event.JobID).Msg("Progress stream write failed")
		return err
	}
	return nil
}

func (h *ProgressHandler) close(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
}

func terminalEvent(job *models.Job) models.ProgressEvent {
	ts := time.Now().UTC()
	if job.CompletedAt != nil {
		ts = *job.CompletedAt
	}
	return models.ProgressEvent{
		Event:     models.EventTerminal,
		JobID:     job.ID,
		Status:    string(job.Status),
		Message:   job.Error,
		Artifacts: job.Artifacts,
		Timestamp: ts,
	}
}
