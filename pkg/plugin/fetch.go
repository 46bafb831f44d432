package plugin

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Fetch is the network capability. Every request is written to the audit log.
type Fetch struct {
	client *http.Client
	plugin string
	audit  *slog.Logger
}

func newFetch(client *http.Client, plugin string, audit *slog.Logger) *Fetch {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetch{client: client, plugin: plugin, audit: audit}
}

// Do sends req.
func (f *Fetch) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := f.client.Do(req)
	attrs := []slog.Attr{
		slog.String("plugin", f.plugin),
		slog.String("capability", "fetch"),
		slog.String("method", req.Method),
		slog.String("url", req.URL.Redacted()),
		slog.Duration("duration", time.Since(start)),
	}
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", err.Error()))
	} else {
		attrs = append(attrs, slog.Int("status", resp.StatusCode))
	}
	f.audit.LogAttrs(req.Context(), level, "capability invoked", attrs...)
	return resp, err
}

// Fetch builds a request from method, url and body and sends it.
func (f *Fetch) Fetch(ctx context.Context, method, url string, body io.Reader, header http.Header) (*http.Response, error) {
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return f.Do(req)
}
