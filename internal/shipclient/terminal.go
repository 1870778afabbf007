package shipclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/shipyard/bay/internal/errs"
)

// terminalSendQueueHighWater bounds the number of frames queued for a single
// direction of the proxy before the connection is dropped outright: when
// either side's send queue exceeds this high-water mark, the connection is
// dropped rather than spilling memory. A slow reader on one side must not
// let the other side's writes pile up in unbounded memory.
const terminalSendQueueHighWater = 256

// ProxyTerminal bridges an already-upgraded client WebSocket connection to
// a Ship's own terminal WebSocket, copying frames in both directions until
// either side closes or ctx is cancelled. Resize control frames (sent as
// websocket.TextMessage JSON) pass through unmodified — the Ship agent, not
// Bay, interprets them.
func ProxyTerminal(ctx context.Context, clientConn *websocket.Conn, shipWSURL string, log *logrus.Entry) error {
	dialer := websocket.DefaultDialer
	shipConn, _, err := dialer.DialContext(ctx, shipWSURL, nil)
	if err != nil {
		return errs.Wrap(errs.KindBackendUnreachable, "dial ship terminal", err)
	}
	defer shipConn.Close()

	errCh := make(chan error, 2)
	go pumpFrames(clientConn, shipConn, errCh)
	go pumpFrames(shipConn, clientConn, errCh)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type frame struct {
	msgType int
	data    []byte
}

// pumpFrames reads frames from src and writes them to dst through a bounded
// queue. The reader and writer run as separate goroutines so a dst that
// blocks on a full TCP send buffer doesn't also block src.ReadMessage from
// detecting a close; once the queue exceeds terminalSendQueueHighWater the
// connection is dropped rather than left to grow without bound.
func pumpFrames(src, dst *websocket.Conn, errCh chan<- error) {
	queue := make(chan frame, terminalSendQueueHighWater)
	writerErr := make(chan error, 1)

	go func() {
		for f := range queue {
			if err := dst.WriteMessage(f.msgType, f.data); err != nil {
				writerErr <- err
				return
			}
		}
		writerErr <- nil
	}()

	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			close(queue)
			errCh <- err
			return
		}
		select {
		case queue <- frame{msgType, data}:
		default:
			close(queue)
			errCh <- fmt.Errorf("terminal proxy: send queue exceeded %d frames, dropping connection", terminalSendQueueHighWater)
			return
		}
		select {
		case err := <-writerErr:
			errCh <- err
			return
		default:
		}
	}
}

// Upgrader is Bay's shared WebSocket upgrader for the terminal endpoint.
// Origin checking is deliberately permissive here since the façade's
// terminal handler checks the bearer token and session before upgrading a
// connection for proxying; a failed check only upgrades to send a close
// frame.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}
