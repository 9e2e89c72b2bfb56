package coap

import (
	"net"
	"time"

	"github.com/matrix-org/coapcore/blockwise"
	"github.com/matrix-org/coapcore/message"
)

// ResponseListener receives the outcome of a ClientRequest, per spec.md
// §3/§4.2/§7. Exactly one of OnResponse or OnError fires as the terminal
// callback; OnAck fires at most once before it, when the first ACK for the
// request arrives, whether that ACK is empty (a separate response follows)
// or carries a piggybacked response.
// A CoAP Reset is delivered as OnError(xerror.ErrReset), not as a distinct
// callback.
type ResponseListener interface {
	OnAck()
	OnResponse(resp message.Message)
	OnError(err error)
}

// BlockwiseResponseListener additionally observes each Block2 chunk as it
// arrives, before the final reassembled OnResponse fires.
type BlockwiseResponseListener interface {
	ResponseListener
	OnResponseBlock(block blockwise.BlockOption, msg message.Message)
}

// ClientRequest tracks one outstanding request started with SendRequest
// (spec.md §3): its token, retransmission state, and optional blockwise
// sessions for a Block1 request body or a Block2 response body.
type ClientRequest struct {
	Token    []byte
	Request  message.Message
	Meta     *Metadata
	Listener ResponseListener

	Block1 *blockwise.ClientSession
	Block2 *blockwise.ClientSession

	mid         uint16
	timer       Timer
	retries     int
	acked       bool
	cancelled   bool
	sentAt      time.Time
	destination net.Addr
}
