package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

const (
	handshakeTimeout = 15 * time.Second

	// readWait is the idle read deadline; the exchange pings well inside it.
	readWait = 3 * time.Minute

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second

	streamBuffer = 256
)

// subscribeTicks connects to <symbol>@trade and forwards trades as ticks
// until ctx is cancelled. The stream reconnects with exponential backoff; the
// returned channel closes only on cancellation.
func subscribeTicks(ctx context.Context, streamURL, symbol string, logger *slog.Logger) (<-chan domain.MarketTick, error) {
	endpoint := fmt.Sprintf("%s/%s@trade", streamURL, strings.ToLower(symbol))
	out := make(chan domain.MarketTick, streamBuffer)

	go runStream(ctx, endpoint, logger.With(slog.String("stream", "trade"), slog.String("symbol", symbol)),
		func() { close(out) },
		func(raw []byte) {
			var ev wsTradeEvent
			if err := json.Unmarshal(raw, &ev); err != nil || ev.Event != "trade" {
				return
			}
			tick, err := ev.toTick()
			if err != nil {
				return
			}
			select {
			case out <- tick:
			default:
				// A full buffer means the consumer stalled; the newest price
				// matters more than a complete history of trades.
				select {
				case <-out:
				default:
				}
				out <- tick
			}
		})
	return out, nil
}

// subscribeFills connects to the user data stream identified by listenKey and
// forwards trade-execution reports as fills.
func subscribeFills(ctx context.Context, streamURL, listenKey string, logger *slog.Logger) (<-chan domain.Fill, error) {
	endpoint := streamURL + "/" + listenKey
	out := make(chan domain.Fill, streamBuffer)

	go runStream(ctx, endpoint, logger.With(slog.String("stream", "user")),
		func() { close(out) },
		func(raw []byte) {
			var ev wsExecutionReport
			if err := json.Unmarshal(raw, &ev); err != nil || ev.Event != "executionReport" {
				return
			}
			// Only actual executions carry a fill; placements and
			// cancellations report with zero traded quantity.
			if ev.ExecType != "TRADE" {
				return
			}
			fill, err := ev.toFill()
			if err != nil {
				return
			}
			select {
			case out <- fill:
			case <-ctx.Done():
			}
		})
	return out, nil
}

// runStream owns one endpoint's connection lifecycle: dial, read, dispatch,
// reconnect on failure with exponential backoff, and onClose exactly once on
// cancellation.
func runStream(ctx context.Context, endpoint string, logger *slog.Logger, onClose func(), dispatch func([]byte)) {
	defer onClose()

	delay := reconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := dial(ctx, endpoint)
		if err != nil {
			logger.Warn("stream connect failed",
				slog.Duration("retry_in", delay), slog.Any("error", err))
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = min(delay*2, maxReconnectDelay)
			continue
		}
		delay = reconnectDelay
		logger.Info("stream connected")

		readUntilError(ctx, conn, dispatch)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		logger.Warn("stream disconnected, reconnecting", slog.Duration("retry_in", delay))
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: dial %s: %w", endpoint, err)
	}

	// The exchange pings us; answering resets the idle deadline.
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})
	return conn, nil
}

func readUntilError(ctx context.Context, conn *websocket.Conn, dispatch func([]byte)) {
	// Unblock the read when the context ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		dispatch(raw)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
