package types

import "time"

const (
	SignalOnline  = "connectivity.online"
	SignalOffline = "connectivity.offline"
)

type Signal struct {
	Name      string            `json:"name"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	MessageID string            `json:"message_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type SignalHandler func(signal *Signal)

type SignalPublisher interface {
	Publish(name, source string) error
}

type SignalBus interface {
	LifecycleManager
	SignalPublisher
	Subscribe(name string, handler SignalHandler) (func(), error)
}
