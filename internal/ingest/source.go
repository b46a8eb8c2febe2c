package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

var (
	// ErrStreamClosed is returned when the upstream ends the stream cleanly.
	ErrStreamClosed = errors.New("event stream closed by server")
	// ErrMalformedFrame is returned when the stream violates the event-stream format.
	ErrMalformedFrame = errors.New("malformed event-stream frame")
)

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server response: %d %s", e.Code, e.Status)
}

// IsTransportError reports whether err is a connection-level failure, which is
// retried after the short reconnect delay. Anything else counts as unexpected.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	var statusErr *StatusError
	switch {
	case errors.As(err, &netErr),
		errors.As(err, &statusErr),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, ErrStreamClosed),
		errors.Is(err, ErrMalformedFrame):
		return true
	}
	return false
}

// Source opens a connection to a server-push event stream.
type Source interface {
	// Connect opens the stream. A non-empty lastEventID asks the server to
	// resume after that event.
	Connect(ctx context.Context, lastEventID string) (io.ReadCloser, error)
}

// StreamSource connects to an HTTP event stream such as Wikimedia's recentchange feed.
type StreamSource struct {
	url       string
	userAgent string
	client    *http.Client
}

func NewStreamSource(streamURL, userAgent string) *StreamSource {
	return &StreamSource{
		url:       streamURL,
		userAgent: userAgent,
		// No client timeout: the response body stays open for the life of the stream.
		client: &http.Client{},
	}
}

// Connect issues the stream request. The returned body is closed when ctx is
// cancelled or by the caller.
func (s *StreamSource) Connect(ctx context.Context, lastEventID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating http request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	// Wikimedia requires an identifying user agent
	req.Header.Set("User-Agent", s.userAgent)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", s.url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return resp.Body, nil
}
