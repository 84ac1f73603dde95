// Package wireproto implements the channel engine's wire protocol, per
// spec §4.G: a JSON message envelope over a length-prefixed transport, a
// pending-request correlation table, and per-kind timeouts. It plays the
// role the teacher's paymentchannels/net.go plays with varint-delimited
// protobuf, generalized to length-prefixed JSON as the spec mandates.
package wireproto

import (
	"encoding/json"
	"time"
)

// Kind identifies an Envelope's message type, per §4.G.
type Kind string

const (
	KindOpenReq        Kind = "OpenReq"
	KindOpenAccept      Kind = "OpenAccept"
	KindOpenReject      Kind = "OpenReject"
	KindFundingCreated  Kind = "FundingCreated"
	KindFundingSigned   Kind = "FundingSigned"
	KindChannelReady    Kind = "ChannelReady"
	KindUpdateReq       Kind = "UpdateReq"
	KindUpdateAck       Kind = "UpdateAck"
	KindUpdateReject    Kind = "UpdateReject"
	KindCloseReq        Kind = "CloseReq"
	KindCloseAccept     Kind = "CloseAccept"
	KindCloseComplete   Kind = "CloseComplete"
	KindError           Kind = "Error"
)

// Envelope is the common wire message, per §4.G. Payload carries the
// kind-specific body as raw JSON so Correlator and the transport layer need
// not know every message shape; per-operation authentication rides inside
// the payload (UpdateReq/UpdateAck/CloseReq/CloseAccept's Signature fields)
// rather than at the envelope level, so there is no separate envelope-wide
// signature to carry here.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	ChannelID string          `json:"channelId"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// OpenReqPayload proposes a new channel.
type OpenReqPayload struct {
	Capacity      int64  `json:"capacity"`
	PkInitiator   []byte `json:"pkInitiator"`
	AddrInitiator []byte `json:"addrInitiator"`
	LockTime      uint32 `json:"lockTime"`
}

// OpenAcceptPayload accepts a proposed channel, supplying the responder's
// side of the 2-of-2.
type OpenAcceptPayload struct {
	PkResponder   []byte `json:"pkResponder"`
	AddrResponder []byte `json:"addrResponder"`
}

// OpenRejectPayload explains why an OpenReq was refused.
type OpenRejectPayload struct {
	Reason string `json:"reason"`
}

// FundingCreatedPayload tells the responder which outpoint funds the
// channel, before it has confirmed.
type FundingCreatedPayload struct {
	FundingTxid string `json:"fundingTxid"`
	FundingVout uint32 `json:"fundingVout"`
}

// FundingSignedPayload acknowledges FundingCreated. It carries no signature:
// the channel's first real commitment is only built by the first
// SendPay/RecvPay, per I3's "Sequence 0, no signatures" zero state, so there
// is nothing to countersign yet.
type FundingSignedPayload struct{}

// ChannelReadyPayload confirms both sides hold a valid first commitment.
type ChannelReadyPayload struct{}

// UpdateReqPayload proposes a new balance split at Sequence.
type UpdateReqPayload struct {
	BalInitiator int64  `json:"balInitiator"`
	BalResponder int64  `json:"balResponder"`
	Signature    []byte `json:"signature"`
}

// UpdateAckPayload countersigns an UpdateReq.
type UpdateAckPayload struct {
	Signature []byte `json:"signature"`
}

// UpdateRejectPayload explains why an UpdateReq was refused.
type UpdateRejectPayload struct {
	Reason string `json:"reason"`
}

// CloseReqPayload proposes cooperative settlement at the current balances.
type CloseReqPayload struct {
	Signature []byte `json:"signature"`
}

// CloseAcceptPayload countersigns a CloseReq's settlement transaction.
type CloseAcceptPayload struct {
	Signature []byte `json:"signature"`
}

// CloseCompletePayload reports the broadcast settlement txid.
type CloseCompletePayload struct {
	Txid string `json:"txid"`
}

// ErrorPayload reports a protocol-level failure: Reason is a short tag
// naming the step that failed (the engine sends "funding-rejected" and
// "close-failed"), Detail the underlying error text. Reason is not one of
// channel.Error's Reason values.
type ErrorPayload struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// NewEnvelope builds an Envelope around payload, marshaling it to the
// Payload field.
func NewEnvelope(kind Kind, channelID string, sequence uint64, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Kind:      kind,
		ChannelID: channelID,
		Sequence:  sequence,
		Timestamp: time.Now(),
		Payload:   raw,
	}, nil
}

// Decode unmarshals e.Payload into out.
func (e Envelope) Decode(out interface{}) error {
	return json.Unmarshal(e.Payload, out)
}
