package speech

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// dialOptions 控制 WebSocket 建连
type dialOptions struct {
	HandshakeTimeout time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
}

func defaultDialOptions() dialOptions {
	return dialOptions{
		HandshakeTimeout: 30 * time.Second,
		MaxRetries:       3,
		RetryDelay:       time.Second,
	}
}

// dialWithRetry 带重试的连接建立，握手被服务端拒绝（4xx）时不重试。
func dialWithRetry(ctx context.Context, opts dialOptions, url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}

	var lastErr error
	for i := 0; i < opts.MaxRetries; i++ {
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if err == nil {
			return conn, resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, resp, fmt.Errorf("websocket handshake rejected (%d): %w", resp.StatusCode, err)
		}

		log.Printf("[ASR] dial attempt %d failed: %v", i+1, err)
		if i == opts.MaxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * opts.RetryDelay):
		}
	}

	return nil, nil, fmt.Errorf("failed to connect after %d attempts, last error: %w", opts.MaxRetries, lastErr)
}
