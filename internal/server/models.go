package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type modelEntry struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	OwnedBy   string `json:"owned_by"`
	Available bool   `json:"available"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleModels lists the routable model prefixes and whether each backend
// is configured.
func (s *Server) handleModels(c echo.Context) error {
	settings := s.router.Settings()
	entries := []struct {
		id, owner string
		available bool
	}{
		{"gpt", "openai", true},
		{"o3", "openai", true},
		{"o4", "openai", true},
		{"groq/", "groq", settings.Secondary},
		{"gemini/", "gemini", settings.Additional},
		{"litellm/", "litellm", settings.Gateway},
		{"ollama/", "ollama", s.tags != nil},
		{"aggregator/", "aggregator", settings.Aggregator},
		{"dummy", "openui", true},
	}

	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(entries))}
	for _, e := range entries {
		list.Data = append(list.Data, modelEntry{
			ID:        e.id,
			Object:    "model",
			OwnedBy:   e.owner,
			Available: e.available,
		})
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleOllamaTags(c echo.Context) error {
	if s.tags == nil {
		return requestError{Status: http.StatusServiceUnavailable, Code: codeAPI, Message: "ollama is not configured"}
	}
	raw, err := s.tags.Tags(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, raw)
}
