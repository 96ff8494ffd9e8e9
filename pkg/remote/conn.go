package remote

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/stuschach/bunkr-sub005/internal/codec"
	"github.com/stuschach/bunkr-sub005/pkg/constants"
)

// NewConnParams configures a Conn.
type NewConnParams struct {
	BaseURL     string
	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler
	Logger      zerolog.Logger
}

// baseConn holds the request/response correlation state shared by any
// transport: a channel per in-flight request id, and a channel per active
// subscription for push notifications.
type baseConn struct {
	baseURL     string
	marshaler   codec.Marshaler
	unmarshaler codec.Unmarshaler
	logger      zerolog.Logger

	responseChannels     map[string]chan RPCResponse[cbor.RawMessage]
	responseChannelsLock sync.RWMutex

	notificationChannels     map[string]chan Notification
	notificationChannelsLock sync.RWMutex
}

func (bc *baseConn) createResponseChannel(id string) (chan RPCResponse[cbor.RawMessage], error) {
	bc.responseChannelsLock.Lock()
	defer bc.responseChannelsLock.Unlock()

	if _, ok := bc.responseChannels[id]; ok {
		return nil, fmt.Errorf("%w: %v", constants.ErrIDInUse, id)
	}

	ch := make(chan RPCResponse[cbor.RawMessage], 1)
	bc.responseChannels[id] = ch

	return ch, nil
}

func (bc *baseConn) getResponseChannel(id string) (chan RPCResponse[cbor.RawMessage], bool) {
	bc.responseChannelsLock.RLock()
	defer bc.responseChannelsLock.RUnlock()
	ch, ok := bc.responseChannels[id]
	return ch, ok
}

func (bc *baseConn) removeResponseChannel(id string) {
	bc.responseChannelsLock.Lock()
	defer bc.responseChannelsLock.Unlock()
	delete(bc.responseChannels, id)
}

func (bc *baseConn) createNotificationChannel(subscriptionID string) (chan Notification, error) {
	bc.notificationChannelsLock.Lock()
	defer bc.notificationChannelsLock.Unlock()

	if _, ok := bc.notificationChannels[subscriptionID]; ok {
		return nil, fmt.Errorf("%w: %v", constants.ErrIDInUse, subscriptionID)
	}

	ch := make(chan Notification, 16)
	bc.notificationChannels[subscriptionID] = ch

	return ch, nil
}

// deliverNotification hands n to its subscription channel, if still
// registered. Holding the read lock for the send keeps the channel from
// being closed out from under us by a concurrent detach; the buffered
// channel plus default case keeps the lock hold time bounded.
func (bc *baseConn) deliverNotification(n Notification) (delivered, known bool) {
	bc.notificationChannelsLock.RLock()
	defer bc.notificationChannelsLock.RUnlock()

	ch, ok := bc.notificationChannels[n.SubscriptionID]
	if !ok {
		return false, false
	}

	select {
	case ch <- n:
		return true, true
	default:
		return false, true
	}
}

func (bc *baseConn) removeNotificationChannel(id string) {
	bc.notificationChannelsLock.Lock()
	defer bc.notificationChannelsLock.Unlock()
	if ch, ok := bc.notificationChannels[id]; ok {
		close(ch)
		delete(bc.notificationChannels, id)
	}
}

func (bc *baseConn) preConnectionChecks() error {
	if bc.baseURL == "" {
		return constants.ErrNoBaseURL
	}

	if bc.marshaler == nil {
		return constants.ErrNoMarshaler
	}

	if bc.unmarshaler == nil {
		return constants.ErrNoUnmarshaler
	}

	return nil
}
