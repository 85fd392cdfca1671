package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/service"
)

const websocketWriteWait = 10 * time.Second

func (h *WorkflowHandler) snapshotEvent() dto.WorkflowEventResponse {
	state := h.workflow.State()
	event := dto.WorkflowEventResponse{
		Type:  service.EventStateSnapshot,
		State: state,
		At:    time.Now().UTC(),
	}
	if state.Job != nil {
		event.JobID = state.Job.ID
	}
	return event
}

func (h *WorkflowHandler) stream(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(middleware.RequestContext(c))
	events, cleanup := h.workflow.Subscribe()
	observability.StreamClientsActive().Inc()
	initial := h.snapshotEvent()
	interval := h.keepAlive

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			cleanup()
			cancel()
			observability.StreamClientsActive().Dec()
		}()

		if err := writeWorkflowEvent(w, initial); err != nil {
			return
		}

		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				if err := writeWorkflowEvent(w, event); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write workflow event")
					return
				}
			case <-ticker.C:
				if err := writeKeepAlive(w); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write stream keepalive")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}

func (h *WorkflowHandler) registerWebsocket(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws", websocket.New(h.serveWebsocket))
}

func (h *WorkflowHandler) serveWebsocket(conn *websocket.Conn) {
	events, cleanup := h.workflow.Subscribe()
	observability.StreamClientsActive().Inc()
	correlation, _ := conn.Locals("correlation_id").(string)
	log := h.logger.With().Str("correlation_id", correlation).Logger()
	log.Info().Msg("workflow websocket connected")

	// The reader only detects the peer going away; inbound messages are ignored.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		cleanup()
		_ = conn.Close()
		<-closed
		observability.StreamClientsActive().Dec()
		log.Info().Msg("workflow websocket disconnected")
	}()

	if err := h.writeSocketEvent(conn, h.snapshotEvent()); err != nil {
		return
	}

	ticker := time.NewTicker(h.keepAlive / 2)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := h.writeSocketEvent(conn, event); err != nil {
				log.Debug().Err(err).Msg("failed to write websocket event")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(websocketWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (h *WorkflowHandler) writeSocketEvent(conn *websocket.Conn, event dto.WorkflowEventResponse) error {
	if err := conn.SetWriteDeadline(time.Now().Add(websocketWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}

func writeWorkflowEvent(w *bufio.Writer, event dto.WorkflowEventResponse) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return w.Flush()
}
