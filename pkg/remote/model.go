package remote

// RPCError represents an error frame returned by the remote store.
type RPCError struct {
	Code    int    `json:"code" cbor:"code"`
	Message string `json:"message,omitempty" cbor:"message,omitempty"`
}

func (r *RPCError) Error() string {
	return r.Message
}

// RPCRequest represents an outgoing RPC request.
type RPCRequest struct {
	ID     string `json:"id" cbor:"id"`
	Method string `json:"method,omitempty" cbor:"method,omitempty"`
	Params []any  `json:"params,omitempty" cbor:"params,omitempty"`
}

// RPCResponse represents an incoming RPC response. T is the concrete result
// type the caller expects.
type RPCResponse[T any] struct {
	ID     string    `json:"id" cbor:"id"`
	Error  *RPCError `json:"error,omitempty" cbor:"error,omitempty"`
	Result *T        `json:"result,omitempty" cbor:"result,omitempty"`
}

// Notification is a push frame delivered for an active subscription. The
// SubscriptionID routes it to the consumer that opened the subscription.
type Notification struct {
	SubscriptionID string   `json:"subscription" cbor:"subscription"`
	Action         string   `json:"action,omitempty" cbor:"action,omitempty"`
	Document       Document `json:"document,omitempty" cbor:"document,omitempty"`
}

const (
	methodGet         = "get"
	methodQuery       = "query"
	methodSet         = "set"
	methodUpdate      = "update"
	methodDelete      = "delete"
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
)
