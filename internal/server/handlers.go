package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stokeworks/fastboot/internal/config"
	"github.com/stokeworks/fastboot/internal/logging"
	"github.com/stokeworks/fastboot/internal/render"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	coord  *render.Coordinator
	config *config.Config
	logger *logging.Logger
}

// NewHandlers creates a new handler set
func NewHandlers(coord *render.Coordinator, cfg *config.Config, logger *logging.Logger) *Handlers {
	return &Handlers{coord: coord, config: cfg, logger: logger}
}

// Health handles health checks
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "fastboot-renderd",
	})
}

// Render serves an application render for any path.
func (h *Handlers) Render(c *gin.Context) {
	opts := render.VisitOptions{
		Request:  clientRequest(c.Request),
		Response: &render.ClientResponse{},
	}
	if ms := h.config.Render.DeadlineMs; ms > 0 {
		opts.DestroyAppInstanceInMs = ms
	}

	result, err := h.coord.Visit(c.Request.Context(), c.Request.URL.RequestURI(), opts)
	if err != nil {
		h.logger.Error("Render failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	header := c.Writer.Header()
	for name, values := range result.Headers() {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "text/html; charset=utf-8")
	}
	c.String(result.StatusCode(), result.HTML())
}

// clientRequest maps an incoming request to the transport shape the rendered
// application consumes.
func clientRequest(r *http.Request) *render.ClientRequest {
	protocol := "http:"
	if r.TLS != nil {
		protocol = "https:"
	}

	var body string
	if r.Body != nil {
		raw, err := io.ReadAll(r.Body)
		if err == nil {
			body = string(raw)
		}
	}

	// The Host header is carried on r.Host, not in r.Header; the rendered
	// application reads it as an ordinary header.
	headers := make(map[string][]string, len(r.Header)+1)
	for name, values := range r.Header {
		headers[name] = values
	}
	if r.Host != "" {
		headers["Host"] = []string{r.Host}
	}

	return &render.ClientRequest{
		Protocol: protocol,
		Headers:  headers,
		Query:    map[string][]string(r.URL.Query()),
		Path:     r.URL.Path,
		Method:   r.Method,
		Body:     body,
	}
}
