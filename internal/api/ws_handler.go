package api

import (
	"net/http"
	"time"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Время на запись одного сообщения клиенту.
	writeWait = 10 * time.Second
	// Время ожидания следующего pong от клиента.
	pongWait = 60 * time.Second
	// Период пингов, меньше pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Клиент ничего не присылает, кроме управляющих кадров.
	maxMessageSize = 512
	// Период перечитывания статуса из БД. События хаба приходят только от воркеров
	// этого экземпляра, задачу другого экземпляра видно лишь через БД.
	statusRefreshPeriod = 5 * time.Second
)

// JobEventsHandler транслирует изменения статуса задачи по websocket.
type JobEventsHandler struct {
	service        interfaces.JobService
	hub            *EventHub
	upgrader       websocket.Upgrader
	statusInterval time.Duration
	logger         *zap.Logger
}

// NewJobEventsHandler создает обработчик. Пустой allowedOrigins разрешает любой Origin.
func NewJobEventsHandler(service interfaces.JobService, hub *EventHub, allowedOrigins []string, logger *zap.Logger) *JobEventsHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &JobEventsHandler{
		service: service,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
		statusInterval: statusRefreshPeriod,
		logger:         logger.Named("JobEventsHandler"),
	}
}

// Serve отправляет текущее состояние задачи, затем каждое изменение статуса до терминального.
// Изменения приходят из хаба и из периодического перечитывания статуса.
func (h *JobEventsHandler) Serve(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	// Подписка до чтения статуса: событие между чтением и подпиской не теряется.
	events, unsubscribe := h.hub.Subscribe(id)
	defer unsubscribe()

	job, err := h.service.GetStatus(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader уже ответил клиенту
		h.logger.Warn("Failed to upgrade connection", zap.String("job_id", id.String()), zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.logger.With(zap.String("job_id", id.String()))
	log.Debug("Job events stream opened")

	closed := make(chan struct{})
	go readPump(conn, closed, log)

	if err := writeEvent(conn, models.EventFromJob(job)); err != nil || job.Status.IsTerminal() {
		closeStream(conn)
		return
	}

	ctx := c.Request.Context()
	last := job.Status
	// deliver пишет событие с новым статусом и сообщает, что поток пора завершить.
	deliver := func(event models.JobEvent) bool {
		if event.Status == last {
			return false
		}
		last = event.Status
		if err := writeEvent(conn, event); err != nil {
			log.Warn("Failed to write job event", zap.Error(err))
			return true
		}
		if event.Status.IsTerminal() {
			closeStream(conn)
			return true
		}
		return false
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	refresh := time.NewTicker(h.statusInterval)
	defer refresh.Stop()
	for {
		select {
		case <-closed:
			log.Debug("Client closed job events stream")
			return
		case <-ctx.Done():
			return
		case event := <-events:
			if deliver(event) {
				return
			}
		case <-refresh.C:
			current, err := h.service.GetStatus(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("Failed to refresh job status", zap.Error(err))
				}
				continue
			}
			if deliver(models.EventFromJob(current)) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, event models.JobEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(event)
}

func closeStream(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
}

// readPump обрабатывает pong и закрытие соединения клиентом.
func readPump(conn *websocket.Conn, closed chan<- struct{}, log *zap.Logger) {
	defer close(closed)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("Job events read error", zap.Error(err))
			}
			return
		}
	}
}
