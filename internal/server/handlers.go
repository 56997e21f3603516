package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"codeagent/internal/assistant"
	"codeagent/internal/models"
	"codeagent/internal/project"
	"codeagent/internal/provider"
)

func (s *Server) handleListModels(c echo.Context) error {
	store := s.assistant.Selection()

	raw := c.QueryParam("provider")
	if raw == "" {
		return c.JSON(http.StatusOK, modelsResponse{Models: store.AllModels()})
	}

	tag, err := models.ParseProviderTag(raw)
	if err != nil {
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	}
	return c.JSON(http.StatusOK, modelsResponse{Models: store.Models(tag)})
}

func (s *Server) handleRefreshModels(c echo.Context) error {
	store := s.assistant.Selection()
	store.RefreshModels(c.Request().Context())
	return c.JSON(http.StatusOK, modelsResponse{Models: store.AllModels()})
}

func (s *Server) handleGetSelection(c echo.Context) error {
	return c.JSON(http.StatusOK, s.assistant.Selection().Snapshot())
}

func (s *Server) handleSetSelection(c echo.Context) error {
	var req selectionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	store := s.assistant.Selection()
	tag := store.Active().Provider
	if req.Provider != "" {
		parsed, err := models.ParseProviderTag(req.Provider)
		if err != nil {
			return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
		}
		tag = parsed
	}

	if err := store.SetSelection(c.Request().Context(), strings.TrimSpace(req.Model), tag); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, store.Snapshot())
}

func (s *Server) handleSetCredential(c echo.Context) error {
	tag, err := models.ParseProviderTag(c.Param("provider"))
	if err != nil {
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	}

	var req credentialRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	store := s.assistant.Selection()
	if err := store.SetCredential(c.Request().Context(), tag, req.APIKey); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, store.Snapshot())
}

func (s *Server) handleCompletions(c echo.Context) error {
	var req CompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	text, opts, err := req.Compose()
	if err != nil {
		return toHTTPError(err)
	}

	if req.Stream {
		return s.streamCompletion(c, text, opts)
	}

	ctx := c.Request().Context()
	active := s.assistant.Selection().Active()
	reply, err := s.assistant.Complete(ctx, text, opts)
	if err != nil {
		return toHTTPError(err)
	}

	resp := CompletionResponse{Provider: active.Provider, Model: active.Model, Text: reply}
	resp.Code = newExtractResponse(reply).Code
	return c.JSON(http.StatusOK, resp)
}

// streamCompletion answers with server-sent events. Headers are committed on
// the first delta, so failures before any output still get a JSON error.
func (s *Server) streamCompletion(c echo.Context, text string, opts models.Options) error {
	if !s.assistant.Selection().IsUsable() {
		return toHTTPError(&provider.AuthError{Provider: s.assistant.Selection().Active().Provider})
	}

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		s.logger.Error().Msg("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		header := c.Response().Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		c.Response().WriteHeader(http.StatusOK)
	}
	emit := func(ev StreamEvent) {
		start()
		if err := writeSSEEvent(c.Response(), ev.Type, ev); err != nil {
			s.logger.Debug().Err(err).Str("event", ev.Type).Msg("failed to write SSE event")
			return
		}
		flusher.Flush()
	}

	conv := assistant.NewConversation()
	turn, err := s.assistant.Send(c.Request().Context(), conv, text, opts, func(d models.Delta) {
		emit(deltaEvent(d))
	})
	if err != nil {
		if !started {
			return toHTTPError(err)
		}
		emit(errorEvent(err))
		return nil
	}

	emit(doneEvent(turn))
	return nil
}

func (s *Server) handleExtract(c echo.Context) error {
	var req extractRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newExtractResponse(req.Text))
}

func (s *Server) handleListProjects(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"projects": s.assistant.Workspace().Projects()})
}

func (s *Server) handleCreateProject(c echo.Context) error {
	var req createProjectRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	tree, err := s.assistant.Workspace().CreateProject(req.Name)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, tree)
}

func (s *Server) handleGetProject(c echo.Context) error {
	tree, err := s.assistant.Workspace().Project(c.Param("name"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, tree)
}

func (s *Server) handleActivateProject(c echo.Context) error {
	if err := s.assistant.Workspace().SetActive(c.Param("name")); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"projects": s.assistant.Workspace().Projects()})
}

func (s *Server) handleAddFile(c echo.Context) error {
	var req addFileRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ws := s.assistant.Workspace()
	name := c.Param("name")

	var (
		tree project.Tree
		err  error
	)
	if req.Directory {
		tree, err = ws.AddDirectory(name, req.ParentPath, req.Name)
	} else {
		tree, err = ws.AddFile(name, req.ParentPath, req.Name, req.Content, req.Language)
	}
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, tree)
}

func (s *Server) handleUpdateFile(c echo.Context) error {
	var req updateFileRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	tree, err := s.assistant.Workspace().UpdateFileContent(c.Param("name"), req.Path, req.Content)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, tree)
}

func (s *Server) handleDeleteFile(c echo.Context) error {
	path := c.QueryParam("path")
	if strings.TrimSpace(path) == "" {
		return requestError{Status: http.StatusBadRequest, Message: errEmptyPath.Error(), Type: "invalid_request_error"}
	}

	tree, err := s.assistant.Workspace().DeleteFile(c.Param("name"), path)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, tree)
}

func (s *Server) handleApply(c echo.Context) error {
	var req applyRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	tree, err := s.assistant.ApplyCode(c.Param("name"), req.Path, req.Reply)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, tree)
}
