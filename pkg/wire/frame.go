package wire

import "encoding/json"

// Event names exchanged over the socket.
const (
	EventAuthenticate      = "authenticate"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventCheckUserStatus   = "check_user_status"
	EventSendMessage       = "send_message"
	EventReceiveMessage    = "receive_message"
	EventUserOnlineStatus  = "user_online_status"
	EventMessageRead       = "message_read"
	EventError             = "error"
	EventAck               = "ack"
)

// Frame is the envelope for every event in both directions. A request that wants an
// acknowledgement carries a non-zero Ack id; the reply is a Frame with Event "ack", the
// same id and an AckResponse as Data.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   int64           `json:"ack,omitempty"`
}

// NewFrame marshals payload into a frame.
func NewFrame(event string, payload any, ack int64) (Frame, error) {
	f := Frame{Event: event, Ack: ack}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	f.Data = data
	return f, nil
}

// AckResponse is the acknowledgement body: {success, data?, error?}.
type AckResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewAck builds an ack frame answering request id.
func NewAck(id int64, success bool, data any, errMsg string) (Frame, error) {
	resp := AckResponse{Success: success, Error: errMsg}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Frame{}, err
		}
		resp.Data = raw
	}
	return NewFrame(EventAck, resp, id)
}
