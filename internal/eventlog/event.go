package eventlog

// Event is a decoded log entry. The concrete type is either Created or Unknown.
type Event interface {
	isEvent()
}

// Created announces that a thought record was persisted.
type Created struct {
	ThoughtID string
}

// Unknown is any entry that does not decode as a known event. Drainers
// acknowledge and discard it.
type Unknown struct {
	Type   string
	Reason string
}

func (Created) isEvent() {}
func (Unknown) isEvent() {}

// CreatedFields returns the fields of a thought.created entry.
func CreatedFields(thoughtID string) map[string]string {
	return map[string]string{
		FieldType:      TypeThoughtCreated,
		FieldThoughtID: thoughtID,
	}
}

// Decode maps an entry onto the Event variants.
func Decode(e Entry) Event {
	typ := e.Fields[FieldType]
	switch typ {
	case TypeThoughtCreated:
		id := e.Fields[FieldThoughtID]
		if id == "" {
			return Unknown{Type: typ, Reason: "missing thought_id"}
		}
		return Created{ThoughtID: id}
	case "":
		return Unknown{Reason: "missing type"}
	default:
		return Unknown{Type: typ, Reason: "unsupported type"}
	}
}
