package telegraph

import (
	"time"
)

type ChannelType = string

const (
	ChannelTypePrivate ChannelType = "private"
	ChannelTypeGroup   ChannelType = "group"
)

type MemberRole = string

const (
	MemberRoleOwner  MemberRole = "owner"
	MemberRoleAdmin  MemberRole = "admin"
	MemberRoleMember MemberRole = "member"
)

type ChannelMember struct {
	UserId   Id         `json:"user_id"`
	Username string     `json:"username"`
	Role     MemberRole `json:"role"`
}

// a named conversation scope containing members and messages
// invariant: exactly one member has `MemberRoleOwner` and `OwnerId`
// matches that member. The platform enforces this; `Validate` is a
// client-side sanity check applied to refreshed channel state.
type Channel struct {
	Id            Id              `json:"id"`
	Type          ChannelType     `json:"type"`
	Name          string          `json:"name,omitempty"`
	OwnerId       Id              `json:"owner_id"`
	Members       []ChannelMember `json:"members"`
	SecurityLabel string          `json:"security_label,omitempty"`
	CreateTime    time.Time       `json:"created_at"`
}

func (self *Channel) Member(userId Id) *ChannelMember {
	for i := range self.Members {
		if self.Members[i].UserId == userId {
			return &self.Members[i]
		}
	}
	return nil
}

func (self *Channel) Validate() bool {
	ownerCount := 0
	ownerMatches := false
	for _, member := range self.Members {
		if member.Role == MemberRoleOwner {
			ownerCount += 1
			if member.UserId == self.OwnerId {
				ownerMatches = true
			}
		}
	}
	return ownerCount == 1 && ownerMatches
}

type DeliveryState = string

const (
	DeliveryStateSent      DeliveryState = "sent"
	DeliveryStateDelivered DeliveryState = "delivered"
	DeliveryStateRead      DeliveryState = "read"
	// local-only. An optimistic send whose create request failed.
	// the entry stays visible for user-initiated retry or removal.
	DeliveryStateFailed DeliveryState = "failed"
)

func deliveryStateRank(state DeliveryState) int {
	switch state {
	case DeliveryStateSent:
		return 0
	case DeliveryStateDelivered:
		return 1
	case DeliveryStateRead:
		return 2
	default:
		return -1
	}
}

// delivery state is monotonically non-decreasing per message per reader
// returns the next state, which is `current` when the transition would
// move backward or involves the local-only failed state
func AdvanceDeliveryState(current DeliveryState, next DeliveryState) DeliveryState {
	currentRank := deliveryStateRank(current)
	nextRank := deliveryStateRank(next)
	if currentRank < 0 || nextRank < 0 {
		return current
	}
	if nextRank <= currentRank {
		return current
	}
	return next
}

type Message struct {
	Id            Id            `json:"id"`
	ChannelId     Id            `json:"channel_id"`
	SenderId      Id            `json:"sender_id"`
	Content       string        `json:"content"`
	CreateTime    time.Time     `json:"created_at"`
	Edited        bool          `json:"edited,omitempty"`
	DeliveryState DeliveryState `json:"status"`

	// true while an optimistic send awaits its create-message response.
	// a pending message either confirms (server id/timestamp substituted
	// in place) or fails (`DeliveryStateFailed`). Never set on messages
	// received from the platform.
	Pending bool `json:"-"`
}

type User struct {
	Id       Id     `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Bio      string `json:"bio,omitempty"`
}
