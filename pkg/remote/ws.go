package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	gorilla "github.com/gorilla/websocket"

	"github.com/stuschach/bunkr-sub005/internal/rand"
	"github.com/stuschach/bunkr-sub005/pkg/constants"
)

// DefaultDialer is the gorilla dialer used by Conn, with compression on and
// the cbor subprotocol requested.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{"cbor"},
}

// notFoundCode is the error code the remote store reports for a missing
// document.
const notFoundCode = 404

// Conn is a websocket-backed Store. Requests are CBOR RPC frames correlated
// by request id; subscription change events arrive as push frames carrying
// the subscription id they belong to.
type Conn struct {
	baseConn

	ws       *gorilla.Conn
	connLock sync.Mutex

	// Timeout bounds how long a request waits for its response after a
	// successful send. Zero disables the internal timeout; callers can
	// still use context.WithTimeout.
	Timeout time.Duration

	closeChan  chan struct{}
	closeOnce  sync.Once
	closeError error
}

// NewConn builds a Conn. Connect must be called before use.
func NewConn(p NewConnParams) *Conn {
	return &Conn{
		baseConn: baseConn{
			baseURL:     p.BaseURL,
			marshaler:   p.Marshaler,
			unmarshaler: p.Unmarshaler,
			logger:      p.Logger,

			responseChannels:     make(map[string]chan RPCResponse[cbor.RawMessage]),
			notificationChannels: make(map[string]chan Notification),
		},

		Timeout:   constants.DefaultWSTimeout,
		closeChan: make(chan struct{}),
	}
}

func (c *Conn) Connect(ctx context.Context) error {
	if err := c.preConnectionChecks(); err != nil {
		return err
	}

	ws, res, err := DefaultDialer.DialContext(ctx, fmt.Sprintf("%s/rpc", c.baseURL), nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	c.ws = ws

	go c.readLoop()
	return nil
}

// Close closes the connection. A best-effort close frame is written first so
// the server can tear down server-side subscription state promptly; if the
// write stalls past ctx the connection is closed anyway.
func (c *Conn) Close(ctx context.Context) error {
	c.connLock.Lock()
	defer c.connLock.Unlock()

	c.closeOnce.Do(func() {
		c.closeError = constants.ErrClosed
		close(c.closeChan)
	})

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- c.ws.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(constants.CloseMessageCode, ""))
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to write close message")
		}
	case <-ctx.Done():
	}

	return c.ws.Close()
}

// Get implements Store. A missing document is reported as
// constants.ErrNotFound.
func (c *Conn) Get(ctx context.Context, collection, id string) (Document, error) {
	doc, err := send[Document](ctx, c, methodGet, collection, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s/%s", constants.ErrNotFound, collection, id)
	}
	return *doc, nil
}

func (c *Conn) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	docs, err := send[[]Document](ctx, c, methodQuery, collection, q.Where, q.OrderBy, q.Desc, q.Limit)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		return nil, nil
	}
	return *docs, nil
}

func (c *Conn) Set(ctx context.Context, collection, id string, data Document, merge bool) error {
	_, err := send[cbor.RawMessage](ctx, c, methodSet, collection, id, data, merge)
	return err
}

func (c *Conn) Update(ctx context.Context, collection, id string, partial Document) error {
	_, err := send[cbor.RawMessage](ctx, c, methodUpdate, collection, id, partial)
	return err
}

func (c *Conn) Delete(ctx context.Context, collection, id string) error {
	_, err := send[cbor.RawMessage](ctx, c, methodDelete, collection, id)
	return err
}

// Subscribe implements Store. The returned Detach unsubscribes remotely and
// stops the delivery goroutine; it is idempotent.
func (c *Conn) Subscribe(ctx context.Context, path string, onChange func(Document)) (Detach, error) {
	subID, err := send[string](ctx, c, methodSubscribe, path)
	if err != nil {
		return nil, err
	}
	if subID == nil {
		return nil, errors.New("subscribe returned no subscription id")
	}

	ch, err := c.createNotificationChannel(*subID)
	if err != nil {
		// Server-side subscription exists but we cannot route it; undo.
		_, _ = send[cbor.RawMessage](ctx, c, methodUnsubscribe, *subID)
		return nil, err
	}

	go func() {
		for n := range ch {
			onChange(n.Document)
		}
	}()

	var once sync.Once
	detach := func() {
		once.Do(func() {
			c.removeNotificationChannel(*subID)

			unsubCtx, cancel := context.WithTimeout(context.Background(), c.Timeout)
			defer cancel()
			if _, err := send[cbor.RawMessage](unsubCtx, c, methodUnsubscribe, *subID); err != nil {
				c.logger.Error().Err(err).Str("subscription", *subID).Msg("unsubscribe failed")
			}
		})
	}
	return detach, nil
}

// send issues one RPC request and decodes the result into T.
func send[T any](ctx context.Context, c *Conn, method string, params ...any) (*T, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	select {
	case <-c.closeChan:
		return nil, c.closeError
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	id := rand.NewRequestID(constants.RequestIDLength)
	request := &RPCRequest{
		ID:     id,
		Method: method,
		Params: params,
	}

	responseChan, err := c.createResponseChannel(id)
	if err != nil {
		return nil, err
	}
	defer c.removeResponseChannel(id)

	if err := c.write(request); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeChan:
		return nil, c.closeError
	case res, open := <-responseChan:
		if !open {
			return nil, errors.New("response channel closed")
		}

		if res.Error != nil {
			if res.Error.Code == notFoundCode {
				return nil, fmt.Errorf("%w: %s", constants.ErrNotFound, res.Error.Message)
			}
			return nil, res.Error
		}
		if res.Result == nil {
			return nil, nil
		}

		raw, err := res.Result.MarshalCBOR()
		if err != nil {
			return nil, fmt.Errorf("send: error marshaling result: %w", err)
		}

		var out T
		if err := c.unmarshaler.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("send: error unmarshaling result: %w", err)
		}
		return &out, nil
	}
}

func (c *Conn) write(v any) error {
	data, err := c.marshaler.Marshal(v)
	if err != nil {
		return err
	}

	c.connLock.Lock()
	defer c.connLock.Unlock()
	return c.ws.WriteMessage(gorilla.BinaryMessage, data)
}

func (c *Conn) readLoop() {
	for {
		select {
		case <-c.closeChan:
			return
		default:
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				if c.handleError(err) {
					return
				}
				continue
			}
			go c.handleFrame(data)
		}
	}
}

func (c *Conn) handleError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		c.closeError = net.ErrClosed
		return true
	}
	if gorilla.IsUnexpectedCloseError(err) {
		c.closeError = io.ErrClosedPipe
		<-c.closeChan
		return true
	}

	c.logger.Error().Err(err).Msg("read failed")
	return false
}

func (c *Conn) handleFrame(data []byte) {
	var res RPCResponse[cbor.RawMessage]
	if err := c.unmarshaler.Unmarshal(data, &res); err != nil {
		c.logger.Error().Err(err).Msg("undecodable frame")
		return
	}

	if res.ID != "" {
		responseChan, ok := c.getResponseChannel(res.ID)
		if !ok {
			// Response raced with its request timing out; drop it.
			c.logger.Debug().Str("id", res.ID).Msg("no response channel")
			return
		}
		responseChan <- res
		return
	}

	// No request id: a push frame for a subscription.
	if res.Result == nil {
		c.logger.Error().Msg("push frame without result")
		return
	}

	raw, err := res.Result.MarshalCBOR()
	if err != nil {
		c.logger.Error().Err(err).Msg("error marshaling notification result")
		return
	}

	var notification Notification
	if err := c.unmarshaler.Unmarshal(raw, &notification); err != nil {
		c.logger.Error().Err(err).Msg("error unmarshaling notification")
		return
	}

	if notification.SubscriptionID == "" {
		c.logger.Error().Msg("notification without subscription id")
		return
	}

	delivered, known := c.deliverNotification(notification)
	if !known {
		// Detached concurrently with delivery.
		return
	}
	if !delivered {
		c.logger.Warn().Str("subscription", notification.SubscriptionID).Msg("notification dropped, consumer too slow")
	}
}
