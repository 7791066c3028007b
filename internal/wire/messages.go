// Package wire encodes and decodes the SSH connection-protocol messages
// (RFC 4254, message numbers 80-100) exchanged between two endpoints.
//
// Marshalling is delegated to golang.org/x/crypto/ssh, which understands the
// `sshtype` and `ssh:"rest"` struct tags used below.
package wire

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Message numbers.
const (
	MsgGlobalRequest       = 80
	MsgRequestSuccess      = 81
	MsgRequestFailure      = 82
	MsgChannelOpen         = 90
	MsgChannelOpenConfirm  = 91
	MsgChannelOpenFailure  = 92
	MsgChannelWindowAdjust = 93
	MsgChannelData         = 94
	MsgChannelExtendedData = 95
	MsgChannelEOF          = 96
	MsgChannelClose        = 97
	MsgChannelRequest      = 98
	MsgChannelSuccess      = 99
	MsgChannelFailure      = 100
)

// ExtendedDataStderr is the only extended data type defined by RFC 4254.
const ExtendedDataStderr = 1

// ErrEmptyPacket is returned by Decode for a zero-length packet.
var ErrEmptyPacket = errors.New("wire: empty packet")

// GlobalRequestMsg is SSH_MSG_GLOBAL_REQUEST.
type GlobalRequestMsg struct {
	Type      string `sshtype:"80"`
	WantReply bool
	Data      []byte `ssh:"rest"`
}

// GlobalRequestSuccessMsg is SSH_MSG_REQUEST_SUCCESS.
type GlobalRequestSuccessMsg struct {
	Data []byte `ssh:"rest" sshtype:"81"`
}

// GlobalRequestFailureMsg is SSH_MSG_REQUEST_FAILURE.
type GlobalRequestFailureMsg struct {
	Data []byte `ssh:"rest" sshtype:"82"`
}

// ChannelOpenMsg is SSH_MSG_CHANNEL_OPEN. PeersID is the sender's channel.
type ChannelOpenMsg struct {
	ChanType         string `sshtype:"90"`
	PeersID          uint32
	PeersWindow      uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

// ChannelOpenConfirmMsg is SSH_MSG_CHANNEL_OPEN_CONFIRMATION.
type ChannelOpenConfirmMsg struct {
	PeersID          uint32 `sshtype:"91"`
	MyID             uint32
	MyWindow         uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

// ChannelOpenFailureMsg is SSH_MSG_CHANNEL_OPEN_FAILURE.
type ChannelOpenFailureMsg struct {
	PeersID  uint32 `sshtype:"92"`
	Reason   uint32
	Message  string
	Language string
}

// WindowAdjustMsg is SSH_MSG_CHANNEL_WINDOW_ADJUST.
type WindowAdjustMsg struct {
	PeersID         uint32 `sshtype:"93"`
	AdditionalBytes uint32
}

// ChannelDataMsg is SSH_MSG_CHANNEL_DATA. Length must equal len(Rest).
type ChannelDataMsg struct {
	PeersID uint32 `sshtype:"94"`
	Length  uint32
	Rest    []byte `ssh:"rest"`
}

// ChannelExtendedDataMsg is SSH_MSG_CHANNEL_EXTENDED_DATA.
type ChannelExtendedDataMsg struct {
	PeersID  uint32 `sshtype:"95"`
	DataType uint32
	Length   uint32
	Rest     []byte `ssh:"rest"`
}

// ChannelEOFMsg is SSH_MSG_CHANNEL_EOF.
type ChannelEOFMsg struct {
	PeersID uint32 `sshtype:"96"`
}

// ChannelCloseMsg is SSH_MSG_CHANNEL_CLOSE.
type ChannelCloseMsg struct {
	PeersID uint32 `sshtype:"97"`
}

// ChannelRequestMsg is SSH_MSG_CHANNEL_REQUEST.
type ChannelRequestMsg struct {
	PeersID             uint32 `sshtype:"98"`
	Request             string
	WantReply           bool
	RequestSpecificData []byte `ssh:"rest"`
}

// ChannelRequestSuccessMsg is SSH_MSG_CHANNEL_SUCCESS.
type ChannelRequestSuccessMsg struct {
	PeersID uint32 `sshtype:"99"`
}

// ChannelRequestFailureMsg is SSH_MSG_CHANNEL_FAILURE.
type ChannelRequestFailureMsg struct {
	PeersID uint32 `sshtype:"100"`
}

// Encode marshals one of the message structs of this package into a packet
// payload, type byte first.
func Encode(msg any) []byte {
	return ssh.Marshal(msg)
}

// Data builds a CHANNEL_DATA packet. The payload is copied.
func Data(recipient uint32, p []byte) []byte {
	return ssh.Marshal(&ChannelDataMsg{PeersID: recipient, Length: uint32(len(p)), Rest: p})
}

// ExtendedData builds a CHANNEL_EXTENDED_DATA packet. The payload is copied.
func ExtendedData(recipient, dataType uint32, p []byte) []byte {
	return ssh.Marshal(&ChannelExtendedDataMsg{PeersID: recipient, DataType: dataType, Length: uint32(len(p)), Rest: p})
}

// Decode parses a packet payload into a pointer to one of the message
// structs of this package. Message numbers outside 80-100 are rejected.
func Decode(packet []byte) (any, error) {
	if len(packet) == 0 {
		return nil, ErrEmptyPacket
	}

	var msg any
	switch packet[0] {
	case MsgGlobalRequest:
		msg = new(GlobalRequestMsg)
	case MsgRequestSuccess:
		msg = new(GlobalRequestSuccessMsg)
	case MsgRequestFailure:
		msg = new(GlobalRequestFailureMsg)
	case MsgChannelOpen:
		msg = new(ChannelOpenMsg)
	case MsgChannelOpenConfirm:
		msg = new(ChannelOpenConfirmMsg)
	case MsgChannelOpenFailure:
		msg = new(ChannelOpenFailureMsg)
	case MsgChannelWindowAdjust:
		msg = new(WindowAdjustMsg)
	case MsgChannelData:
		msg = new(ChannelDataMsg)
	case MsgChannelExtendedData:
		msg = new(ChannelExtendedDataMsg)
	case MsgChannelEOF:
		msg = new(ChannelEOFMsg)
	case MsgChannelClose:
		msg = new(ChannelCloseMsg)
	case MsgChannelRequest:
		msg = new(ChannelRequestMsg)
	case MsgChannelSuccess:
		msg = new(ChannelRequestSuccessMsg)
	case MsgChannelFailure:
		msg = new(ChannelRequestFailureMsg)
	default:
		return nil, fmt.Errorf("wire: unsupported message type %d", packet[0])
	}

	if err := ssh.Unmarshal(packet, msg); err != nil {
		return nil, fmt.Errorf("wire: decode message type %d: %w", packet[0], err)
	}

	switch m := msg.(type) {
	case *ChannelDataMsg:
		if int(m.Length) != len(m.Rest) {
			return nil, fmt.Errorf("wire: data length %d does not match payload %d", m.Length, len(m.Rest))
		}
	case *ChannelExtendedDataMsg:
		if int(m.Length) != len(m.Rest) {
			return nil, fmt.Errorf("wire: extended data length %d does not match payload %d", m.Length, len(m.Rest))
		}
	}
	return msg, nil
}

// Recipient returns the channel id a channel-scoped message is addressed to.
// ok is false for global and open messages.
func Recipient(msg any) (id uint32, ok bool) {
	switch m := msg.(type) {
	case *ChannelOpenConfirmMsg:
		return m.PeersID, true
	case *ChannelOpenFailureMsg:
		return m.PeersID, true
	case *WindowAdjustMsg:
		return m.PeersID, true
	case *ChannelDataMsg:
		return m.PeersID, true
	case *ChannelExtendedDataMsg:
		return m.PeersID, true
	case *ChannelEOFMsg:
		return m.PeersID, true
	case *ChannelCloseMsg:
		return m.PeersID, true
	case *ChannelRequestMsg:
		return m.PeersID, true
	case *ChannelRequestSuccessMsg:
		return m.PeersID, true
	case *ChannelRequestFailureMsg:
		return m.PeersID, true
	}
	return 0, false
}

var typeNames = map[byte]string{
	MsgGlobalRequest:       "global_request",
	MsgRequestSuccess:      "request_success",
	MsgRequestFailure:      "request_failure",
	MsgChannelOpen:         "channel_open",
	MsgChannelOpenConfirm:  "channel_open_confirm",
	MsgChannelOpenFailure:  "channel_open_failure",
	MsgChannelWindowAdjust: "window_adjust",
	MsgChannelData:         "data",
	MsgChannelExtendedData: "extended_data",
	MsgChannelEOF:          "eof",
	MsgChannelClose:        "close",
	MsgChannelRequest:      "channel_request",
	MsgChannelSuccess:      "channel_success",
	MsgChannelFailure:      "channel_failure",
}

// TypeName returns a short label for the message type of packet, used for
// metrics and logs.
func TypeName(packet []byte) string {
	if len(packet) == 0 {
		return "empty"
	}
	if name, ok := typeNames[packet[0]]; ok {
		return name
	}
	return "unknown"
}
