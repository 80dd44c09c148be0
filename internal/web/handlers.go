package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/voxdraft/voxdraft/internal/bridge"
	"github.com/voxdraft/voxdraft/internal/prd"
	"github.com/voxdraft/voxdraft/internal/state"
	"github.com/voxdraft/voxdraft/internal/store"
)

type sessionResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    string    `json:"status"`
}

type stateResponse struct {
	Version   int64           `json:"version"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
	State     json.RawMessage `json:"state"`
}

type messageResponse struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type transcriptResponse struct {
	Messages []messageResponse `json:"messages"`
}

type exportResponse struct {
	Path string `json:"path"`
}

type flowResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Diagram     string `json:"diagram"`
}

type flowsResponse struct {
	Flows []flowResponse `json:"flows"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) createSession(c echo.Context) error {
	sess, err := s.store.CreateSession(c.Request().Context())
	if err != nil {
		return s.internalError(c, "creating session", err)
	}
	s.log.Info("session created", "session_id", sess.ID)
	return c.JSON(http.StatusCreated, sessionResponse{
		ID:        sess.ID,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
		Status:    bridge.StateIdle,
	})
}

func (s *Server) getSession(c echo.Context) error {
	id := c.Param("id")
	sess, err := s.store.GetSession(c.Request().Context(), id)
	if errors.Is(err, store.ErrSessionNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "session not found"})
	}
	if err != nil {
		return s.internalError(c, "loading session", err)
	}
	return c.JSON(http.StatusOK, sessionResponse{
		ID:        sess.ID,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
		Status:    s.manager.Status(sess.ID),
	})
}

func (s *Server) startSession(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.GetSession(c.Request().Context(), id); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "session not found"})
		}
		return s.internalError(c, "loading session", err)
	}

	if err := s.manager.Start(c.Request().Context(), id); err != nil {
		if s.manager.Status(id) != bridge.StateIdle {
			return c.JSON(http.StatusConflict, errorResponse{Error: "session already running"})
		}
		return s.internalError(c, "starting voice session", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": s.manager.Status(id)})
}

func (s *Server) stopSession(c echo.Context) error {
	id := c.Param("id")
	if err := s.manager.Stop(c.Request().Context(), id); err != nil {
		if errors.Is(err, bridge.ErrNotActive) {
			return c.JSON(http.StatusConflict, errorResponse{Error: "session is not running"})
		}
		return s.internalError(c, "stopping voice session", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": s.manager.Status(id)})
}

// getState returns the latest design-state snapshot. A session that has not
// produced a snapshot yet reports version 0 with the blank document so the
// UI can always render something.
func (s *Server) getState(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.GetSession(c.Request().Context(), id); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "session not found"})
		}
		return s.internalError(c, "loading session", err)
	}

	snap, err := s.store.LatestSnapshot(c.Request().Context(), id)
	if errors.Is(err, store.ErrNoSnapshot) {
		return c.JSON(http.StatusOK, stateResponse{
			Version: 0,
			State:   json.RawMessage(state.DefaultDocument()),
		})
	}
	if err != nil {
		return s.internalError(c, "loading snapshot", err)
	}
	return c.JSON(http.StatusOK, stateResponse{
		Version:   snap.ID,
		UpdatedAt: &snap.CreatedAt,
		State:     json.RawMessage(snap.StateJSON),
	})
}

func (s *Server) getTranscript(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.GetSession(c.Request().Context(), id); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "session not found"})
		}
		return s.internalError(c, "loading session", err)
	}

	msgs, err := s.store.Transcript(c.Request().Context(), id)
	if err != nil {
		return s.internalError(c, "loading transcript", err)
	}

	out := transcriptResponse{Messages: make([]messageResponse, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, messageResponse{
			Speaker:   string(m.Speaker),
			Text:      m.Text,
			Timestamp: m.Timestamp,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// getFlows renders each captured user flow as a Mermaid flowchart. A session
// whose state has no flows yet answers with an empty list so the UI can poll
// unconditionally.
func (s *Server) getFlows(c echo.Context) error {
	id := c.Param("id")
	snap, err := s.store.LatestSnapshot(c.Request().Context(), id)
	if errors.Is(err, store.ErrNoSnapshot) {
		return c.JSON(http.StatusOK, flowsResponse{Flows: []flowResponse{}})
	}
	if err != nil {
		return s.internalError(c, "loading snapshot", err)
	}

	doc, err := state.Parse(snap.StateJSON)
	if err != nil {
		return s.internalError(c, "parsing design state", err)
	}

	out := flowsResponse{Flows: []flowResponse{}}
	for _, flow := range doc.Design.UserExperience.UserFlows {
		code, err := s.diagrams.Flowchart(c.Request().Context(), flow)
		if err != nil {
			return s.internalError(c, "generating flow diagram", err)
		}
		out.Flows = append(out.Flows, flowResponse{
			Name:        flow.FlowName,
			Description: flow.Description,
			Diagram:     code,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// getPRD renders the latest snapshot as Markdown without writing a file.
func (s *Server) getPRD(c echo.Context) error {
	id := c.Param("id")
	snap, err := s.store.LatestSnapshot(c.Request().Context(), id)
	if errors.Is(err, store.ErrNoSnapshot) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "no design state captured yet"})
	}
	if err != nil {
		return s.internalError(c, "loading snapshot", err)
	}

	doc, err := state.Parse(snap.StateJSON)
	if err != nil {
		return s.internalError(c, "parsing design state", err)
	}
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(prd.Generate(doc)))
}

func (s *Server) exportPRD(c echo.Context) error {
	id := c.Param("id")
	path, err := s.exporter.Export(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNoSnapshot) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "no design state captured yet"})
		}
		if errors.Is(err, store.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "session not found"})
		}
		return s.internalError(c, "exporting document", err)
	}
	s.log.Info("document exported", "session_id", id, "path", path)
	return c.JSON(http.StatusOK, exportResponse{Path: path})
}

func (s *Server) internalError(c echo.Context, action string, err error) error {
	s.log.Error(action, "error", err, "path", c.Request().URL.Path)
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}
