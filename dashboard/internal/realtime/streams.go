package realtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/auth"
)

// stream yields raw frames until the connection ends. Next returns io.EOF on a clean close.
type stream interface {
	Next() ([]byte, error)
	Close() error
}

type dialFunc func(ctx context.Context) (stream, error)

// handshakeError is a push endpoint answering with a non-success status. After a 401 the next dial
// uses a refreshed token.
type handshakeError struct {
	Transport string
	Status    int
	Body      string
}

func (e *handshakeError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s handshake failed (%d): %s", e.Transport, e.Status, e.Body)
	}
	return fmt.Sprintf("%s handshake failed (%d)", e.Transport, e.Status)
}

func (e *handshakeError) HTTPStatus() int { return e.Status }

func authHeader(ctx context.Context, tokens auth.TokenSource, refresh bool) (http.Header, error) {
	header := http.Header{}
	if tokens == nil {
		return header, nil
	}
	var (
		tok string
		err error
	)
	if refresh {
		tok, err = tokens.Refresh(ctx)
	} else {
		tok, err = tokens.Token(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain token: %w", err)
	}
	if tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	return header, nil
}

type wsStream struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (s *wsStream) Next() ([]byte, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func websocketDialer(url string, dialer *websocket.Dialer, tokens auth.TokenSource) dialFunc {
	var mu sync.Mutex
	refresh := false
	return func(ctx context.Context) (stream, error) {
		mu.Lock()
		needRefresh := refresh
		refresh = false
		mu.Unlock()

		header, err := authHeader(ctx, tokens, needRefresh)
		if err != nil {
			return nil, err
		}
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
				if resp.StatusCode == http.StatusUnauthorized {
					mu.Lock()
					refresh = true
					mu.Unlock()
				}
				return nil, &handshakeError{Transport: "websocket", Status: resp.StatusCode}
			}
			return nil, fmt.Errorf("websocket dial: %w", err)
		}
		s := &wsStream{conn: conn, done: make(chan struct{})}
		go func() {
			select {
			case <-ctx.Done():
				s.Close()
			case <-s.done:
			}
		}()
		return s, nil
	}
}

// sseStream reads "data:" lines and yields one frame per blank-line-terminated event.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *sseStream) Next() ([]byte, error) {
	var data []string
	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")
		if line == "" {
			if len(data) > 0 {
				return []byte(strings.Join(data, "\n")), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		return []byte(strings.Join(data, "\n")), nil
	}
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

func sseDialer(url string, client *http.Client, tokens auth.TokenSource) dialFunc {
	var mu sync.Mutex
	refresh := false
	return func(ctx context.Context) (stream, error) {
		mu.Lock()
		needRefresh := refresh
		refresh = false
		mu.Unlock()

		header, err := authHeader(ctx, tokens, needRefresh)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build sse request: %w", err)
		}
		req.Header = header
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("sse request failed: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized {
				mu.Lock()
				refresh = true
				mu.Unlock()
			}
			return nil, &handshakeError{Transport: "sse", Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		return &sseStream{body: resp.Body, scanner: scanner}, nil
	}
}
