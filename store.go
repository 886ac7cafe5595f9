package telegraph

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type ChatStoreSettings struct {
	HistoryPageSize int
	// at most one typing=true is emitted per channel per this window
	TypingDebounce time.Duration
	// trailing typing=false after this much local inactivity
	TypingIdleTimeout time.Duration
	// remote typing entries without an explicit stop expire after this
	TypingExpiry time.Duration
}

func DefaultChatStoreSettings() *ChatStoreSettings {
	return &ChatStoreSettings{
		HistoryPageSize:   50,
		TypingDebounce:    3 * time.Second,
		TypingIdleTimeout: 3 * time.Second,
		TypingExpiry:      6 * time.Second,
	}
}

type localTypingState struct {
	lastSendTime time.Time
	idleTimer    *time.Timer
}

// single source of truth for channel, message, typing, and unread state.
// reconciles three independent event sources - local optimistic actions,
// api responses, and push events - into one consistent state.
//
// constructed per session and closed at logout. All state mutation happens
// under one mutex and change callbacks fire after the mutation is complete,
// so subscribers never observe a half-applied update.
type ChatStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	api        *TelegraphApi
	transport  *PushTransport
	selfUserId Id

	settings *ChatStoreSettings

	changeCallbacks *CallbackList[func()]
	errorCallbacks  *CallbackList[func(error)]

	mutex           sync.Mutex
	channels        []Channel
	activeChannelId *Id
	// per channel, ordered by non-decreasing create time
	messages      map[Id][]Message
	historyLoaded map[Id]bool
	// increments on every selection change. A history fetch result is
	// applied only if its generation is still current, so only the most
	// recently requested channel's history ever lands.
	historyGeneration int
	// channel id -> message id -> read receipt already issued this session
	acked        map[Id]map[Id]bool
	unread       map[Id]int
	typingRemote map[Id]map[Id]time.Time
	typingLocal  map[Id]*localTypingState

	unsubEvents func()
}

func NewChatStoreWithDefaults(ctx context.Context, api *TelegraphApi, transport *PushTransport, selfUserId Id) *ChatStore {
	return NewChatStore(ctx, api, transport, selfUserId, DefaultChatStoreSettings())
}

func NewChatStore(ctx context.Context, api *TelegraphApi, transport *PushTransport, selfUserId Id, settings *ChatStoreSettings) *ChatStore {
	cancelCtx, cancel := context.WithCancel(ctx)

	chatStore := &ChatStore{
		ctx:             cancelCtx,
		cancel:          cancel,
		api:             api,
		transport:       transport,
		selfUserId:      selfUserId,
		settings:        settings,
		changeCallbacks: NewCallbackList[func()](),
		errorCallbacks:  NewCallbackList[func(error)](),
		messages:        map[Id][]Message{},
		historyLoaded:   map[Id]bool{},
		acked:           map[Id]map[Id]bool{},
		unread:          map[Id]int{},
		typingRemote:    map[Id]map[Id]time.Time{},
		typingLocal:     map[Id]*localTypingState{},
	}

	chatStore.unsubEvents = transport.AddEventCallback(chatStore.handleEvent)

	return chatStore
}

func (self *ChatStore) AddChangeCallback(callback func()) func() {
	return self.changeCallbacks.Add(callback)
}

// action failures surface here as store-visible error state.
// a permission rejection from the platform is a normal error, not a defect.
func (self *ChatStore) AddErrorCallback(callback func(error)) func() {
	return self.errorCallbacks.Add(callback)
}

func (self *ChatStore) notifyChange() {
	for _, callback := range self.changeCallbacks.Get() {
		callback()
	}
}

func (self *ChatStore) notifyError(err error) {
	glog.Infof("[store]action error = %s\n", err)
	for _, callback := range self.errorCallbacks.Get() {
		callback(err)
	}
	// a missing channel/message means local state drifted from the platform
	var notFoundErr *NotFoundError
	if errors.As(err, &notFoundErr) {
		self.LoadChannels()
	}
}

// channel-scoped failure. A not-found reconciles just that channel
// instead of reloading the whole list.
func (self *ChatStore) notifyChannelError(channelId Id, err error) {
	glog.Infof("[store]action error %s = %s\n", channelId, err)
	for _, callback := range self.errorCallbacks.Get() {
		callback(err)
	}
	var notFoundErr *NotFoundError
	if errors.As(err, &notFoundErr) {
		self.RefreshChannel(channelId)
	}
}

func (self *ChatStore) Close() {
	self.unsubEvents()
	self.cancel()

	self.mutex.Lock()
	for _, typingState := range self.typingLocal {
		if typingState.idleTimer != nil {
			typingState.idleTimer.Stop()
		}
	}
	self.typingLocal = map[Id]*localTypingState{}
	self.mutex.Unlock()
}

// view accessors. Each returns a snapshot safe to use off the store.

func (self *ChatStore) Channels() []Channel {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.channels)
}

func (self *ChatStore) ActiveChannel() *Channel {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.activeChannelId == nil {
		return nil
	}
	if i := self.channelIndexLocked(*self.activeChannelId); 0 <= i {
		channel := self.channels[i]
		return &channel
	}
	return nil
}

func (self *ChatStore) Messages(channelId Id) []Message {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.messages[channelId])
}

func (self *ChatStore) UnreadCounts() map[Id]int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Clone(self.unread)
}

// currently-typing user ids for the channel, expired entries filtered out
func (self *ChatStore) TypingUserIds(channelId Id) []Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	now := time.Now()
	typingUserIds := []Id{}
	for userId, expiry := range self.typingRemote[channelId] {
		if now.Before(expiry) {
			typingUserIds = append(typingUserIds, userId)
		}
	}
	return typingUserIds
}

func (self *ChatStore) channelIndexLocked(channelId Id) int {
	return slices.IndexFunc(self.channels, func(channel Channel) bool {
		return channel.Id == channelId
	})
}

// fetches the full channel list and replaces the local list wholesale.
// the active selection is preserved by id when still present.
func (self *ChatStore) LoadChannels() {
	self.api.GetChannels(NewApiCallback[*GetChannelsResult](func(result *GetChannelsResult, err error) {
		if err != nil {
			for _, callback := range self.errorCallbacks.Get() {
				callback(err)
			}
			return
		}

		self.mutex.Lock()
		self.channels = result.Channels
		if self.activeChannelId != nil {
			if i := self.channelIndexLocked(*self.activeChannelId); i < 0 {
				self.clearChannelStateLocked(*self.activeChannelId)
				self.activeChannelId = nil
			}
		}
		self.mutex.Unlock()

		self.notifyChange()
	}))
}

// fetches one channel and reconciles local state with the response:
// current platform state is upserted, a not-found removes the channel
func (self *ChatStore) RefreshChannel(channelId Id) {
	self.api.GetChannel(&GetChannelArgs{ChannelId: channelId}, NewApiCallback[*GetChannelResult](func(result *GetChannelResult, err error) {
		if err != nil {
			var notFoundErr *NotFoundError
			if errors.As(err, &notFoundErr) {
				self.mutex.Lock()
				self.removeChannelLocked(channelId)
				self.mutex.Unlock()
				self.notifyChange()
				return
			}
			for _, callback := range self.errorCallbacks.Get() {
				callback(err)
			}
			return
		}

		self.mutex.Lock()
		self.upsertChannelLocked(result.Channel)
		self.mutex.Unlock()

		self.notifyChange()
	}))
}

func (self *ChatStore) LoadUnread() {
	self.api.GetUnread(NewApiCallback[*GetUnreadResult](func(result *GetUnreadResult, err error) {
		if err != nil {
			for _, callback := range self.errorCallbacks.Get() {
				callback(err)
			}
			return
		}

		self.mutex.Lock()
		self.unread = result.Unread
		if self.unread == nil {
			self.unread = map[Id]int{}
		}
		self.mutex.Unlock()

		self.notifyChange()
	}))
}

// switches focus and asynchronously loads message history when not cached.
// switching again before the load completes discards the stale result.
func (self *ChatStore) SetActiveChannel(channelId Id) {
	self.mutex.Lock()
	if self.activeChannelId != nil {
		self.stopLocalTypingLocked(*self.activeChannelId)
	}
	nextChannelId := channelId
	self.activeChannelId = &nextChannelId
	self.historyGeneration += 1
	generation := self.historyGeneration
	needFetch := !self.historyLoaded[channelId]
	self.mutex.Unlock()

	self.notifyChange()

	if !needFetch {
		return
	}

	self.api.GetMessages(
		&GetMessagesArgs{
			ChannelId: channelId,
			Limit:     self.settings.HistoryPageSize,
		},
		NewApiCallback[*GetMessagesResult](func(result *GetMessagesResult, err error) {
			if err != nil {
				self.notifyChannelError(channelId, err)
				return
			}

			self.mutex.Lock()
			if self.historyGeneration != generation {
				// a newer selection superseded this fetch
				self.mutex.Unlock()
				glog.V(2).Infof("[store]discard stale history %s\n", channelId)
				return
			}

			history := slices.Clone(result.Messages)
			sort.SliceStable(history, func(i int, j int) bool {
				return history[i].CreateTime.Before(history[j].CreateTime)
			})
			// keep optimistic entries that are not part of server history
			for _, message := range self.messages[channelId] {
				if message.Pending || message.DeliveryState == DeliveryStateFailed {
					history = append(history, message)
				}
			}
			self.messages[channelId] = history
			self.historyLoaded[channelId] = true
			self.mutex.Unlock()

			self.notifyChange()
		}),
	)
}

func (self *ChatStore) ClearActiveChannel() {
	self.mutex.Lock()
	if self.activeChannelId != nil {
		self.stopLocalTypingLocked(*self.activeChannelId)
	}
	self.activeChannelId = nil
	self.historyGeneration += 1
	self.mutex.Unlock()

	self.notifyChange()
}

// loads the page of history before the oldest cached message
func (self *ChatStore) LoadOlderMessages(channelId Id) {
	self.mutex.Lock()
	channelMessages := self.messages[channelId]
	if len(channelMessages) == 0 {
		self.mutex.Unlock()
		return
	}
	before := channelMessages[0].CreateTime
	generation := self.historyGeneration
	self.mutex.Unlock()

	self.api.GetMessages(
		&GetMessagesArgs{
			ChannelId: channelId,
			Before:    &before,
			Limit:     self.settings.HistoryPageSize,
		},
		NewApiCallback[*GetMessagesResult](func(result *GetMessagesResult, err error) {
			if err != nil {
				self.notifyChannelError(channelId, err)
				return
			}

			self.mutex.Lock()
			if self.historyGeneration != generation {
				self.mutex.Unlock()
				return
			}
			older := slices.Clone(result.Messages)
			sort.SliceStable(older, func(i int, j int) bool {
				return older[i].CreateTime.Before(older[j].CreateTime)
			})
			self.messages[channelId] = append(older, self.messages[channelId]...)
			self.mutex.Unlock()

			self.notifyChange()
		}),
	)
}

// appends an optimistic message with a temporary id and issues the create
// request. On success the server id and timestamp are substituted in place
// under the store mutex, so no subscriber ever sees both entries. On
// failure the entry transitions to failed and stays visible.
func (self *ChatStore) SendMessage(channelId Id, content string) Id {
	tempId := NewId()

	message := Message{
		Id:            tempId,
		ChannelId:     channelId,
		SenderId:      self.selfUserId,
		Content:       content,
		CreateTime:    time.Now(),
		DeliveryState: DeliveryStateSent,
		Pending:       true,
	}

	self.mutex.Lock()
	self.messages[channelId] = append(self.messages[channelId], message)
	self.mutex.Unlock()

	self.notifyChange()

	self.sendMessageRequest(channelId, content, tempId)

	return tempId
}

func (self *ChatStore) sendMessageRequest(channelId Id, content string, tempId Id) {
	self.api.SendMessage(
		&SendMessageArgs{
			ChannelId: channelId,
			Content:   content,
			TempId:    tempId,
		},
		NewApiCallback[*SendMessageResult](func(result *SendMessageResult, err error) {
			self.mutex.Lock()
			i := slices.IndexFunc(self.messages[channelId], func(message Message) bool {
				return message.Id == tempId
			})
			if i < 0 {
				// already confirmed via the push event, or removed
				self.mutex.Unlock()
				return
			}
			if err != nil {
				self.messages[channelId][i].DeliveryState = DeliveryStateFailed
				self.messages[channelId][i].Pending = false
				self.mutex.Unlock()
				self.notifyChange()
				self.notifyChannelError(channelId, err)
				return
			}

			confirmed := &self.messages[channelId][i]
			confirmed.Id = result.Message.Id
			confirmed.CreateTime = result.Message.CreateTime
			confirmed.DeliveryState = AdvanceDeliveryState(DeliveryStateSent, result.Message.DeliveryState)
			confirmed.Edited = result.Message.Edited
			confirmed.Pending = false
			self.mutex.Unlock()

			self.notifyChange()
		}),
	)
}

// re-issues the create request for a failed optimistic message
func (self *ChatStore) RetryMessage(channelId Id, messageId Id) {
	self.mutex.Lock()
	i := slices.IndexFunc(self.messages[channelId], func(message Message) bool {
		return message.Id == messageId
	})
	if i < 0 || self.messages[channelId][i].DeliveryState != DeliveryStateFailed {
		self.mutex.Unlock()
		return
	}
	self.messages[channelId][i].DeliveryState = DeliveryStateSent
	self.messages[channelId][i].Pending = true
	content := self.messages[channelId][i].Content
	self.mutex.Unlock()

	self.notifyChange()

	self.sendMessageRequest(channelId, content, messageId)
}

// removes a failed optimistic message locally
func (self *ChatStore) RemoveFailedMessage(channelId Id, messageId Id) {
	self.mutex.Lock()
	i := slices.IndexFunc(self.messages[channelId], func(message Message) bool {
		return message.Id == messageId
	})
	if i < 0 || self.messages[channelId][i].DeliveryState != DeliveryStateFailed {
		self.mutex.Unlock()
		return
	}
	self.messages[channelId] = slices.Delete(self.messages[channelId], i, i+1)
	self.mutex.Unlock()

	self.notifyChange()
}

func (self *ChatStore) DeleteMessage(channelId Id, messageId Id) {
	self.api.DeleteMessage(
		&DeleteMessageArgs{MessageId: messageId},
		NewApiCallback[*DeleteMessageResult](func(result *DeleteMessageResult, err error) {
			if err != nil {
				self.notifyChannelError(channelId, err)
				return
			}

			self.mutex.Lock()
			i := slices.IndexFunc(self.messages[channelId], func(message Message) bool {
				return message.Id == messageId
			})
			if 0 <= i {
				self.messages[channelId] = slices.Delete(self.messages[channelId], i, i+1)
			}
			self.mutex.Unlock()

			self.notifyChange()
		}),
	)
}

// issues a read receipt for every displayed message from another sender not
// yet read. Exactly one receipt per message id per session: the acked set
// makes duplicate processing (e.g. repeated view renders) a no-op.
func (self *ChatStore) MarkChannelRead(channelId Id) {
	self.mutex.Lock()
	acked := self.acked[channelId]
	if acked == nil {
		acked = map[Id]bool{}
		self.acked[channelId] = acked
	}

	toAck := []Id{}
	channelMessages := self.messages[channelId]
	for i := range channelMessages {
		message := &channelMessages[i]
		if message.SenderId == self.selfUserId {
			continue
		}
		if message.Pending || message.DeliveryState == DeliveryStateFailed {
			continue
		}
		if message.DeliveryState == DeliveryStateRead {
			continue
		}
		if acked[message.Id] {
			continue
		}
		acked[message.Id] = true
		message.DeliveryState = AdvanceDeliveryState(message.DeliveryState, DeliveryStateRead)
		toAck = append(toAck, message.Id)
	}

	// decrement by the number of newly read messages, never below zero
	if 0 < len(toAck) {
		nextUnread := self.unread[channelId] - len(toAck)
		if nextUnread < 0 {
			nextUnread = 0
		}
		self.unread[channelId] = nextUnread
	}
	self.mutex.Unlock()

	if len(toAck) == 0 {
		return
	}

	self.notifyChange()

	for _, messageId := range toAck {
		self.api.MarkMessageRead(
			&MarkMessageReadArgs{
				ChannelId: channelId,
				MessageId: messageId,
			},
			NewApiCallback[*MarkMessageReadResult](func(result *MarkMessageReadResult, err error) {
				if err != nil {
					self.notifyChannelError(channelId, err)
				}
			}),
		)
	}
}

// call on local input. Emits typing=true at most once per debounce window
// and schedules the trailing typing=false after the idle timeout.
// the timers are owned by the store and canceled on channel switch and
// close, so a stale indicator never fires for an inactive channel.
func (self *ChatStore) NotifyLocalTyping(channelId Id) {
	now := time.Now()

	self.mutex.Lock()
	typingState := self.typingLocal[channelId]
	if typingState == nil {
		typingState = &localTypingState{}
		self.typingLocal[channelId] = typingState
	}

	shouldSend := typingState.lastSendTime.IsZero() ||
		self.settings.TypingDebounce <= now.Sub(typingState.lastSendTime)
	if shouldSend {
		typingState.lastSendTime = now
	}

	if typingState.idleTimer != nil {
		typingState.idleTimer.Stop()
	}
	typingState.idleTimer = time.AfterFunc(self.settings.TypingIdleTimeout, func() {
		self.mutex.Lock()
		if typingState := self.typingLocal[channelId]; typingState != nil {
			typingState.lastSendTime = time.Time{}
		}
		self.mutex.Unlock()
		self.sendTyping(channelId, false)
	})
	self.mutex.Unlock()

	if shouldSend {
		self.sendTyping(channelId, true)
	}
}

// must be called with the mutex held
func (self *ChatStore) stopLocalTypingLocked(channelId Id) {
	typingState := self.typingLocal[channelId]
	if typingState == nil {
		return
	}
	if typingState.idleTimer != nil {
		typingState.idleTimer.Stop()
		typingState.idleTimer = nil
	}
	typingState.lastSendTime = time.Time{}
}

// typing is fire-and-forget over the push channel, with the http endpoint
// as the fallback while the push channel is down
func (self *ChatStore) sendTyping(channelId Id, typing bool) {
	if self.ctx.Err() != nil {
		return
	}
	if self.transport.State() == TransportStateConnected {
		event, err := NewPushEvent(EventKindTypingChanged, &TypingChangedEvent{
			ChannelId: channelId,
			UserId:    self.selfUserId,
			Typing:    typing,
		})
		if err == nil {
			self.transport.SendEvent(event)
			return
		}
	}
	self.api.SendTyping(
		&SendTypingArgs{
			ChannelId: channelId,
			Typing:    typing,
		},
		NewNoopApiCallback[*SendTypingResult](),
	)
}

// channel mutations. Each issues one request; on success the affected
// channel state refreshes from the response payload.

func (self *ChatStore) CreateChannel(args *CreateChannelArgs) {
	self.api.CreateChannel(args, NewApiCallback[*CreateChannelResult](func(result *CreateChannelResult, err error) {
		if err != nil {
			self.notifyError(err)
			return
		}

		self.mutex.Lock()
		self.upsertChannelLocked(result.Channel)
		self.mutex.Unlock()

		self.notifyChange()
	}))
}

func (self *ChatStore) AddMember(channelId Id, username string) {
	self.api.AddMember(
		&AddMemberArgs{
			ChannelId: channelId,
			Username:  username,
		},
		NewApiCallback[*AddMemberResult](func(result *AddMemberResult, err error) {
			self.applyChannelResult(channelId, result == nil, err, func() Channel { return result.Channel })
		}),
	)
}

func (self *ChatStore) RemoveMember(channelId Id, userId Id) {
	self.api.RemoveMember(
		&RemoveMemberArgs{
			ChannelId: channelId,
			UserId:    userId,
		},
		NewApiCallback[*RemoveMemberResult](func(result *RemoveMemberResult, err error) {
			self.applyChannelResult(channelId, result == nil, err, func() Channel { return result.Channel })
		}),
	)
}

func (self *ChatStore) PromoteMember(channelId Id, userId Id) {
	self.api.PromoteMember(
		&PromoteMemberArgs{
			ChannelId: channelId,
			UserId:    userId,
		},
		NewApiCallback[*PromoteMemberResult](func(result *PromoteMemberResult, err error) {
			self.applyChannelResult(channelId, result == nil, err, func() Channel { return result.Channel })
		}),
	)
}

func (self *ChatStore) DemoteMember(channelId Id, userId Id) {
	self.api.DemoteMember(
		&DemoteMemberArgs{
			ChannelId: channelId,
			UserId:    userId,
		},
		NewApiCallback[*DemoteMemberResult](func(result *DemoteMemberResult, err error) {
			self.applyChannelResult(channelId, result == nil, err, func() Channel { return result.Channel })
		}),
	)
}

func (self *ChatStore) UpdateChannelName(channelId Id, name string) {
	self.api.UpdateChannel(
		&UpdateChannelArgs{
			ChannelId: channelId,
			Name:      name,
		},
		NewApiCallback[*UpdateChannelResult](func(result *UpdateChannelResult, err error) {
			self.applyChannelResult(channelId, result == nil, err, func() Channel { return result.Channel })
		}),
	)
}

func (self *ChatStore) DeleteChannel(channelId Id) {
	self.api.DeleteChannel(
		&DeleteChannelArgs{ChannelId: channelId},
		NewApiCallback[*DeleteChannelResult](func(result *DeleteChannelResult, err error) {
			if err != nil {
				self.notifyChannelError(channelId, err)
				return
			}

			self.mutex.Lock()
			self.removeChannelLocked(channelId)
			self.mutex.Unlock()

			self.notifyChange()
		}),
	)
}

func (self *ChatStore) applyChannelResult(channelId Id, missing bool, err error, channelFn func() Channel) {
	if err != nil {
		self.notifyChannelError(channelId, err)
		return
	}
	if missing {
		return
	}

	self.mutex.Lock()
	self.upsertChannelLocked(channelFn())
	self.mutex.Unlock()

	self.notifyChange()
}

// must be called with the mutex held
func (self *ChatStore) upsertChannelLocked(channel Channel) {
	if !channel.Validate() {
		glog.Infof("[store]channel %s failed owner invariant\n", channel.Id)
	}
	if i := self.channelIndexLocked(channel.Id); 0 <= i {
		self.channels[i] = channel
	} else {
		self.channels = append(self.channels, channel)
	}
}

// must be called with the mutex held
func (self *ChatStore) removeChannelLocked(channelId Id) {
	if i := self.channelIndexLocked(channelId); 0 <= i {
		self.channels = slices.Delete(self.channels, i, i+1)
	}
	self.clearChannelStateLocked(channelId)
	if self.activeChannelId != nil && *self.activeChannelId == channelId {
		// falls back to "no channel selected"
		self.activeChannelId = nil
		self.historyGeneration += 1
	}
}

// must be called with the mutex held
func (self *ChatStore) clearChannelStateLocked(channelId Id) {
	self.stopLocalTypingLocked(channelId)
	delete(self.messages, channelId)
	delete(self.historyLoaded, channelId)
	delete(self.acked, channelId)
	delete(self.unread, channelId)
	delete(self.typingRemote, channelId)
	delete(self.typingLocal, channelId)
}

// push event application

func (self *ChatStore) handleEvent(event *PushEvent) {
	switch event.Kind {
	case EventKindMessageCreated:
		var messageCreated MessageCreatedEvent
		if err := json.Unmarshal(event.Payload, &messageCreated); err != nil {
			glog.Infof("[store]drop %s = %s\n", event.Kind, err)
			return
		}
		self.applyMessageCreated(&messageCreated)
	case EventKindMessageStatusChanged:
		var statusChanged MessageStatusChangedEvent
		if err := json.Unmarshal(event.Payload, &statusChanged); err != nil {
			glog.Infof("[store]drop %s = %s\n", event.Kind, err)
			return
		}
		self.applyMessageStatusChanged(&statusChanged)
	case EventKindTypingChanged:
		var typingChanged TypingChangedEvent
		if err := json.Unmarshal(event.Payload, &typingChanged); err != nil {
			glog.Infof("[store]drop %s = %s\n", event.Kind, err)
			return
		}
		self.applyTypingChanged(&typingChanged)
	case EventKindChannelUpdated:
		var channelUpdated ChannelUpdatedEvent
		if err := json.Unmarshal(event.Payload, &channelUpdated); err != nil {
			glog.Infof("[store]drop %s = %s\n", event.Kind, err)
			return
		}
		self.mutex.Lock()
		self.upsertChannelLocked(channelUpdated.Channel)
		self.mutex.Unlock()
		self.notifyChange()
	case EventKindChannelMemberChanged:
		var memberChanged ChannelMemberChangedEvent
		if err := json.Unmarshal(event.Payload, &memberChanged); err != nil {
			glog.Infof("[store]drop %s = %s\n", event.Kind, err)
			return
		}
		self.mutex.Lock()
		self.upsertChannelLocked(memberChanged.Channel)
		// removed from the channel: it disappears from the local list
		if memberChanged.Channel.Member(self.selfUserId) == nil {
			self.removeChannelLocked(memberChanged.Channel.Id)
		}
		self.mutex.Unlock()
		self.notifyChange()
	case EventKindChannelDeleted:
		var channelDeleted ChannelDeletedEvent
		if err := json.Unmarshal(event.Payload, &channelDeleted); err != nil {
			glog.Infof("[store]drop %s = %s\n", event.Kind, err)
			return
		}
		self.mutex.Lock()
		self.removeChannelLocked(channelDeleted.ChannelId)
		self.mutex.Unlock()
		self.notifyChange()
	default:
		// forward-compatible: unknown kinds are ignored
		glog.V(2).Infof("[store]ignore %s\n", event.Kind)
	}
}

func (self *ChatStore) applyMessageCreated(messageCreated *MessageCreatedEvent) {
	message := messageCreated.Message
	message.Pending = false

	self.mutex.Lock()
	channelMessages := self.messages[message.ChannelId]

	// dedup by id correlation, not by content matching:
	// - the server id, when the create response already substituted it
	// - the temp id echo, when the push event won the race
	i := slices.IndexFunc(channelMessages, func(existing Message) bool {
		if existing.Id == message.Id {
			return true
		}
		return messageCreated.TempId != nil && existing.Id == *messageCreated.TempId
	})
	if 0 <= i {
		existing := &channelMessages[i]
		existing.Id = message.Id
		existing.CreateTime = message.CreateTime
		existing.Edited = message.Edited
		existing.DeliveryState = AdvanceDeliveryState(existing.DeliveryState, message.DeliveryState)
		existing.Pending = false
		self.mutex.Unlock()
		self.notifyChange()
		return
	}

	// insert preserving non-decreasing create time
	insertAt := len(channelMessages)
	for 0 < insertAt && message.CreateTime.Before(channelMessages[insertAt-1].CreateTime) {
		insertAt -= 1
	}
	self.messages[message.ChannelId] = slices.Insert(channelMessages, insertAt, message)

	if message.SenderId != self.selfUserId {
		self.unread[message.ChannelId] += 1
	}
	self.mutex.Unlock()

	self.notifyChange()
}

func (self *ChatStore) applyMessageStatusChanged(statusChanged *MessageStatusChangedEvent) {
	self.mutex.Lock()
	channelMessages := self.messages[statusChanged.ChannelId]
	i := slices.IndexFunc(channelMessages, func(message Message) bool {
		return message.Id == statusChanged.MessageId
	})
	if i < 0 {
		self.mutex.Unlock()
		return
	}
	message := &channelMessages[i]
	message.DeliveryState = AdvanceDeliveryState(message.DeliveryState, statusChanged.Status)
	self.mutex.Unlock()

	self.notifyChange()
}

func (self *ChatStore) applyTypingChanged(typingChanged *TypingChangedEvent) {
	if typingChanged.UserId == self.selfUserId {
		return
	}

	self.mutex.Lock()
	channelTyping := self.typingRemote[typingChanged.ChannelId]
	if typingChanged.Typing {
		if channelTyping == nil {
			channelTyping = map[Id]time.Time{}
			self.typingRemote[typingChanged.ChannelId] = channelTyping
		}
		channelTyping[typingChanged.UserId] = time.Now().Add(self.settings.TypingExpiry)

		// prune and re-notify when the entry expires without an
		// explicit stop event
		channelId := typingChanged.ChannelId
		userId := typingChanged.UserId
		time.AfterFunc(self.settings.TypingExpiry, func() {
			if self.ctx.Err() != nil {
				return
			}
			self.mutex.Lock()
			expired := false
			if channelTyping := self.typingRemote[channelId]; channelTyping != nil {
				if expiry, ok := channelTyping[userId]; ok && !time.Now().Before(expiry) {
					delete(channelTyping, userId)
					expired = true
				}
			}
			self.mutex.Unlock()
			if expired {
				self.notifyChange()
			}
		})
	} else if channelTyping != nil {
		delete(channelTyping, typingChanged.UserId)
	}
	self.mutex.Unlock()

	self.notifyChange()
}
