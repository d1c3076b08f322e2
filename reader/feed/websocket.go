package feed

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"bookscope/logger"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultKeepAlive      = 20 * time.Second
	writeTimeout          = 5 * time.Second
)

// runWebSocket keeps a connection to url open until ctx is done. onConn is
// called with every new connection before reading starts and with nil once
// the connection is gone.
func runWebSocket(ctx context.Context, dialer *websocket.Dialer, url string, reconnectDelay, keepAlive, readTimeout time.Duration, log *logger.Entry, handler func([]byte), onConn func(*websocket.Conn)) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			log.WithError(err).WithField("url", url).Warn("failed to connect to feed websocket")
			if waitForReconnect(ctx, reconnectDelay) {
				return
			}
			continue
		}
		log.WithField("url", url).Info("feed websocket connected")

		extendReadDeadline(conn, readTimeout)
		conn.SetPongHandler(func(string) error {
			extendReadDeadline(conn, readTimeout)
			return nil
		})

		if onConn != nil {
			onConn(conn)
		}

		pingCancel := startPingLoop(ctx, conn, keepAlive, log)

		if err := readMessages(ctx, conn, readTimeout, handler); err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("url", url).Warn("feed websocket read loop ended")
		}

		pingCancel()
		if onConn != nil {
			onConn(nil)
		}
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		if waitForReconnect(ctx, reconnectDelay) {
			return
		}
	}
}

func extendReadDeadline(conn *websocket.Conn, timeout time.Duration) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
}

func readMessages(ctx context.Context, conn *websocket.Conn, readTimeout time.Duration, handler func([]byte)) error {
	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extendReadDeadline(conn, readTimeout)
		if handler != nil {
			handler(msg)
		}
	}
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func startPingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, log *logger.Entry) context.CancelFunc {
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}
