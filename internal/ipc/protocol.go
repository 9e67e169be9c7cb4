// Package ipc provides the framed request/response protocol carried between
// the Parent Coordinator and the enclave over AF_VSOCK, and between enclave
// peers during key exchange.
//
// The protocol is designed for:
//   - Request/response pattern for the four enclave RPCs
//   - JSON payload encoding, for easy inspection at the vsock boundary
//   - A fixed-size header so a reader never has to buffer an unbounded
//     amount of data to find a message boundary
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Protocol version for compatibility checking.
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x454e4356 // "ENCV" - enclave vsock
)

// MessageType identifies the type of IPC message.
type MessageType uint16

const (
	// Control messages.
	MsgPing      MessageType = 0x0001
	MsgPong      MessageType = 0x0002
	MsgHandshake MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError     MessageType = 0x0005
	MsgShutdown  MessageType = 0x0006

	// Enclave RPCs.
	MsgInitialize         MessageType = 0x0100
	MsgInitializeResp     MessageType = 0x0101
	MsgPublicKey          MessageType = 0x0102
	MsgPublicKeyResp      MessageType = 0x0103
	MsgExportKeys         MessageType = 0x0104
	MsgExportKeysResp     MessageType = 0x0105
	MsgSendNotification   MessageType = 0x0106
	MsgSendNotificationResp MessageType = 0x0107
)

// Header is the fixed-size message header (16 bytes).
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 16

// MaxPayloadSize bounds a single message payload, and so an
// attacker-controlled length field. It covers an export_keys response (one
// sealed secret key and an attestation document) and a send_notification
// batch of encrypted recipients plus its payload; a message whose payload
// exceeds 1MiB is rejected.
const MaxPayloadSize = 1 << 20

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// NewJSONMessage encodes v as JSON and wraps it in a Message.
func NewJSONMessage(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ipc: marshal payload: %w", err)
	}
	return NewMessage(msgType, requestID, payload), nil
}

// Decode unmarshals the message payload as JSON into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("ipc: empty payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("ipc: invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("ipc: unsupported protocol version: %d", h.Version)
	}
	if h.Length > MaxPayloadSize {
		return nil, fmt.Errorf("ipc: payload too large: %d bytes", h.Length)
	}

	return h, nil
}

// Write writes the message to w.
func (m *Message) Write(w io.Writer) error {
	m.Header.Length = uint32(len(m.Payload))
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// HandshakeRequest is sent by the Parent Coordinator to open a session.
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse acknowledges a handshake.
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// ErrorResponse is sent when an RPC fails.
type ErrorResponse struct {
	Code    string `json:"code"` // matches an enclaveerr sentinel name
	Message string `json:"message"`
}

// InitializeRequest starts the genesis-or-join protocol for a track.
type InitializeRequest struct {
	TrackName    string   `json:"track_name"`
	RequiredPCRs []string `json:"required_pcrs"`
	PeerAddrs    []string `json:"peer_addrs,omitempty"`
}

// InitializeResponse reports the outcome of initialization.
type InitializeResponse struct {
	Role      string `json:"role"` // "genesis" or "joined"
	PublicKey []byte `json:"public_key"`
}

// PublicKeyRequest requests the enclave's static X25519 public key and a
// fresh attestation document binding it.
type PublicKeyRequest struct {
	Nonce []byte `json:"nonce"`
}

// PublicKeyResponse carries the public key and its attestation.
type PublicKeyResponse struct {
	PublicKey   []byte `json:"public_key"`
	Attestation []byte `json:"attestation"`
}

// ExportKeysRequest is sent by a joining peer, presenting its own
// attestation document so the holder can verify it before sealing the
// track secret to the peer's public key.
type ExportKeysRequest struct {
	PeerAttestation []byte `json:"peer_attestation"`
}

// ExportKeysResponse carries the track secret sealed to the requesting
// peer's ephemeral public key.
type ExportKeysResponse struct {
	SealedSecret []byte `json:"sealed_secret"`
	Attestation  []byte `json:"attestation"`
}

// EncryptedPushId is ciphertext produced by hybrid-encrypting a push
// provider device identifier against the track's public key (§4.B). Only a
// holder of the track SecretKey can recover the plaintext.
type EncryptedPushId []byte

// SendNotificationRequest asks the enclave to decrypt and deliver a batch
// of push notifications sharing one topic, sender identity, and payload,
// matching spec.md §6's `{ topic, recipients, payload }` wire shape.
type SendNotificationRequest struct {
	Topic      string            `json:"topic"`
	SenderHMAC []byte            `json:"sender_hmac"`
	Recipients []EncryptedPushId `json:"recipients"`
	Payload    []byte            `json:"payload"`
}

// NotificationJob is one recipient's delivery attempt within a
// SendNotificationRequest: the batch-wide topic, sender HMAC, and payload,
// paired with that recipient's own encrypted push identifier.
type NotificationJob struct {
	Topic      string
	SenderHMAC []byte
	Recipient  EncryptedPushId
	Payload    []byte
}

// SendNotificationResponse reports the delivered/failed counts for a batch,
// per spec.md §6. Results carries the per-recipient outcome for audit
// logging; the wire contract callers depend on is Delivered/Failed.
type SendNotificationResponse struct {
	Delivered uint64               `json:"delivered"`
	Failed    uint64               `json:"failed"`
	Results   []NotificationResult `json:"results,omitempty"`
}

// NotificationResult is the outcome of one recipient, identified by its
// position in the request's Recipients list.
type NotificationResult struct {
	Index  int    `json:"index"`
	Status string `json:"status"` // "delivered", "failed_transient", "failed_permanent"
	Error  string `json:"error,omitempty"`
}
