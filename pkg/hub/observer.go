package hub

import "github.com/aleka07/twinclient/pkg/model"

// IncomingMessageObserver narrows what cloud-to-device messages reach the orchestrator.
type IncomingMessageObserver interface {
	// PropertyKeys lists the custom properties to forward. Empty forwards all of them.
	PropertyKeys() []string
	// Filter returns false for messages that should be rejected without being forwarded.
	Filter(msg *model.Message) bool
}

// KeysObserver forwards every message with only the listed custom properties.
type KeysObserver []string

func (k KeysObserver) PropertyKeys() []string   { return k }
func (KeysObserver) Filter(*model.Message) bool { return true }

func restrictProperties(props map[string]string, keys []string) map[string]string {
	if len(keys) == 0 {
		return props
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := props[k]; ok {
			out[k] = v
		}
	}
	return out
}
