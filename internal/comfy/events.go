package comfy

import "github.com/bytedance/sonic"

// EventType tags the push-channel frames the client acts on.
type EventType string

const (
	// EventExecuting reports the node currently running. A nil node id
	// means the whole job finished executing.
	EventExecuting EventType = "executing"

	// EventExecuted reports a node that produced output artifacts.
	EventExecuted EventType = "executed"
)

// ImageRef describes one generated artifact as the backend addresses it.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Event is a parsed push-channel frame.
type Event struct {
	Type EventType

	// Node is the executing node id; nil marks generation finished.
	// Only meaningful for EventExecuting.
	Node *string

	// Images are the artifact descriptors carried by EventExecuted.
	Images []ImageRef
}

// GenerationFinished reports the frame that clears the generating indicator.
func (e Event) GenerationFinished() bool {
	return e.Type == EventExecuting && e.Node == nil
}

// wireFrame is the inbound JSON shape shared by all recognized frame types.
type wireFrame struct {
	Type string `json:"type"`
	Data struct {
		Node   *string `json:"node"`
		Output struct {
			Images []ImageRef `json:"images"`
		} `json:"output"`
	} `json:"data"`
}

// ParseEvent decodes one inbound frame. Unrecognized or malformed frames
// return ok=false and are dropped by the caller; they must never take down
// the connection.
func ParseEvent(data []byte) (Event, bool) {
	var frame wireFrame
	if err := sonic.Unmarshal(data, &frame); err != nil {
		return Event{}, false
	}
	switch EventType(frame.Type) {
	case EventExecuting:
		return Event{Type: EventExecuting, Node: frame.Data.Node}, true
	case EventExecuted:
		return Event{Type: EventExecuted, Images: frame.Data.Output.Images}, true
	default:
		return Event{}, false
	}
}
