// Package broker fans device events out to observers such as the admin SSE
// stream. Each device has its own topic; ordering is preserved per topic.
package broker

import (
	"context"
	"encoding/json"
	"time"
)

// Broker publishes and replays events per topic.
type Broker interface {
	// Publish appends data to topic and returns the event id assigned to it.
	Publish(ctx context.Context, topic string, data []byte) (eventID string, err error)

	// Subscribe streams events on topic. With an empty lastEventID the stream
	// starts at the next published event; otherwise it resumes right after it.
	Subscribe(ctx context.Context, topic string, lastEventID string) (Stream, error)

	// Cleanup drops every stored event and subscription for topic.
	Cleanup(ctx context.Context, topic string) error
}

// Stream is an ordered view of one topic. It is meant for a single consumer.
type Stream interface {
	// Next blocks until an event is available. It returns io.EOF once the
	// stream has been closed.
	Next(ctx context.Context) (Event, error)
	Close() error
}

type Event struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

// DeviceTopic is the topic device events are published on.
func DeviceTopic(deviceID string) string {
	return "device:" + deviceID
}

// Kinds of DeviceEvent.
const (
	KindConnected    = "device_connected"
	KindDisconnected = "device_disconnected"
	KindStatus       = "status_update"
	KindNotification = "notification"
)

// DeviceEvent is the payload stored on a device topic.
type DeviceEvent struct {
	Kind      string          `json:"kind"`
	DeviceID  string          `json:"device_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PublishDevice encodes ev and publishes it on the device's topic.
func PublishDevice(ctx context.Context, b Broker, ev DeviceEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return b.Publish(ctx, DeviceTopic(ev.DeviceID), data)
}
