package telegraph

import (
	"encoding/json"
)

// inbound push frames are json objects `{kind, payload}`
// unknown kinds are ignored for forward compatibility

const (
	EventKindMessageCreated       = "message.created"
	EventKindMessageStatusChanged = "message.statusChanged"
	EventKindTypingChanged        = "typing.changed"
	EventKindChannelUpdated       = "channel.updated"
	EventKindChannelMemberChanged = "channel.memberChanged"
	EventKindChannelDeleted       = "channel.deleted"
)

type PushEvent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewPushEvent(kind string, payload any) (*PushEvent, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &PushEvent{
		Kind:    kind,
		Payload: payloadBytes,
	}, nil
}

type MessageCreatedEvent struct {
	Message Message `json:"message"`
	// echo of the client-assigned id from the create-message request,
	// present when the message originated from this client
	TempId *Id `json:"temp_id,omitempty"`
}

type MessageStatusChangedEvent struct {
	MessageId Id            `json:"message_id"`
	ChannelId Id            `json:"channel_id"`
	UserId    Id            `json:"user_id"`
	Status    DeliveryState `json:"status"`
}

type TypingChangedEvent struct {
	ChannelId Id   `json:"channel_id"`
	UserId    Id   `json:"user_id"`
	Typing    bool `json:"typing"`
}

type ChannelUpdatedEvent struct {
	Channel Channel `json:"channel"`
}

type ChannelMemberChangedEvent struct {
	Channel Channel `json:"channel"`
}

type ChannelDeletedEvent struct {
	ChannelId Id `json:"channel_id"`
}
