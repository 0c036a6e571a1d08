package session

import (
	"fmt"

	"github.com/goccy/go-json"
)

const (
	EventPing          = "ping"
	EventStatus        = "status"
	EventSignal        = "signal"
	EventRestart       = "restart"
	EventRawInput      = "raw_input"
	EventSageRawInput  = "sage_raw_input"
	EventStartSession  = "start_session"
	EventExecuteCode   = "execute_code"
	EventSaveBlob      = "save_blob"
	SessionTypeDefault = "sage"

	// ErrorKilled is the error reported to every pending callback when the socket of its session goes away.
	ErrorKilled = "killed"
)

// MessageKind tags every message sent over a session socket.
type MessageKind byte

const (
	KindJSON MessageKind = 'j'
	KindBlob MessageKind = 'b'
)

func (k MessageKind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindBlob:
		return "blob"
	default:
		return fmt.Sprintf("MessageKind(%d)", byte(k))
	}
}

// Message is a single message read from or written to a session socket.
//
// JSON is set for KindJSON messages. BlobID and Blob are set for KindBlob messages.
type Message struct {
	Kind   MessageKind
	JSON   map[string]interface{}
	BlobID string
	Blob   []byte
}

func NewJSONMessage(payload map[string]interface{}) *Message {
	return &Message{Kind: KindJSON, JSON: payload}
}

func NewBlobMessage(id string, blob []byte) *Message {
	return &Message{Kind: KindBlob, BlobID: id, Blob: blob}
}

func (m *Message) String() string {
	switch m.Kind {
	case KindJSON:
		encoded, _ := json.Marshal(m.JSON)
		return fmt.Sprintf("Message[json, %s]", encoded)
	case KindBlob:
		return fmt.Sprintf("Message[blob, uuid=%s, %d bytes]", m.BlobID, len(m.Blob))
	default:
		return fmt.Sprintf("Message[%v]", m.Kind)
	}
}

// Operation is a request passed to Session.Call. Its "event" field selects how it is handled.
type Operation map[string]interface{}

func (o Operation) Event() string {
	event, _ := o["event"].(string)
	return event
}

// CorrelationKey identifies the Operation among the pending operations of its Session, or is the empty string
// if the Operation has no id. Ids of any JSON type are kept as the caller chose them; the key is their JSON
// encoding, so that the string "7" and the number 7 are distinct ids.
func (o Operation) CorrelationKey() string {
	return correlationKey(o["id"])
}

func correlationKey(id interface{}) string {
	if id == nil {
		return ""
	}

	encoded, err := json.Marshal(id)
	if err != nil {
		return fmt.Sprintf("%v", id)
	}

	return string(encoded)
}

// Response is a message delivered to the Callback of an Operation.
type Response map[string]interface{}

// Done reports whether this is the final Response for its Operation.
func (r Response) Done() bool {
	done, _ := r["done"].(bool)
	return done
}

// Error returns the "error" field of the Response, or the empty string.
func (r Response) Error() string {
	switch v := r["error"].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Callback receives the responses to an Operation. It may be invoked several times for a single Operation;
// the last invocation carries done=true.
type Callback func(Response)

func killedResponse() Response {
	return Response{"done": true, "error": ErrorKilled}
}
