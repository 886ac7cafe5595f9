package telegraph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// in-memory platform backend serving the channel/message endpoints
type testChatBackend struct {
	server *httptest.Server

	selfUserId Id

	mutex        sync.Mutex
	channels     []Channel
	history      map[Id][]Message
	olderHistory map[Id][]Message
	historyDelay map[Id]time.Duration
	unread       map[Id]int

	sendFail  atomic.Bool
	sendDelay atomic.Int64 // nanoseconds

	historyGets      atomic.Int64
	sendPosts        atomic.Int64
	readPosts        atomic.Int64
	typingTruePosts  atomic.Int64
	typingFalsePosts atomic.Int64
}

func newTestChatBackend(selfUserId Id) *testChatBackend {
	backend := &testChatBackend{
		selfUserId:   selfUserId,
		history:      map[Id][]Message{},
		olderHistory: map[Id][]Message{},
		historyDelay: map[Id]time.Duration{},
		unread:       map[Id]int{},
	}
	backend.server = httptest.NewServer(http.HandlerFunc(backend.handle))
	return backend
}

func (self *testChatBackend) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	writeJson := func(result any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}

	switch {
	case len(parts) == 1 && parts[0] == "channels" && r.Method == "GET":
		self.mutex.Lock()
		channels := append([]Channel{}, self.channels...)
		self.mutex.Unlock()
		writeJson(&GetChannelsResult{Channels: channels})

	case len(parts) == 2 && parts[0] == "channels" && r.Method == "GET":
		channelId := RequireParseId(parts[1])
		self.mutex.Lock()
		var found *Channel
		for i := range self.channels {
			if self.channels[i].Id == channelId {
				channel := self.channels[i]
				found = &channel
			}
		}
		self.mutex.Unlock()
		if found == nil {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `{"error": "no such channel"}`)
			return
		}
		writeJson(&GetChannelResult{Channel: *found})

	case len(parts) == 1 && parts[0] == "unread" && r.Method == "GET":
		self.mutex.Lock()
		unread := map[Id]int{}
		for channelId, count := range self.unread {
			unread[channelId] = count
		}
		self.mutex.Unlock()
		writeJson(&GetUnreadResult{Unread: unread})

	case len(parts) == 3 && parts[0] == "channels" && parts[2] == "messages" && r.Method == "GET":
		channelId := RequireParseId(parts[1])
		self.historyGets.Add(1)

		self.mutex.Lock()
		delay := self.historyDelay[channelId]
		var page []Message
		if r.URL.Query().Get("before") != "" {
			page = append([]Message{}, self.olderHistory[channelId]...)
		} else {
			page = append([]Message{}, self.history[channelId]...)
		}
		self.mutex.Unlock()

		if 0 < delay {
			time.Sleep(delay)
		}
		writeJson(&GetMessagesResult{Messages: page})

	case len(parts) == 3 && parts[0] == "channels" && parts[2] == "messages" && r.Method == "POST":
		channelId := RequireParseId(parts[1])
		self.sendPosts.Add(1)

		if delay := time.Duration(self.sendDelay.Load()); 0 < delay {
			time.Sleep(delay)
		}
		if self.sendFail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintf(w, `{"error": "message store unavailable"}`)
			return
		}

		var args SendMessageArgs
		json.NewDecoder(r.Body).Decode(&args)
		message := Message{
			Id:            NewId(),
			ChannelId:     channelId,
			SenderId:      self.selfUserId,
			Content:       args.Content,
			CreateTime:    time.Now(),
			DeliveryState: DeliveryStateDelivered,
		}
		writeJson(&SendMessageResult{Message: message, TempId: args.TempId})

	case len(parts) == 5 && parts[0] == "channels" && parts[2] == "messages" && parts[4] == "read" && r.Method == "POST":
		self.readPosts.Add(1)
		writeJson(&MarkMessageReadResult{})

	case len(parts) == 3 && parts[0] == "channels" && parts[2] == "typing" && r.Method == "POST":
		var args SendTypingArgs
		json.NewDecoder(r.Body).Decode(&args)
		if args.Typing {
			self.typingTruePosts.Add(1)
		} else {
			self.typingFalsePosts.Add(1)
		}
		writeJson(&SendTypingResult{})

	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `{"error": "no such route"}`)
	}
}

func (self *testChatBackend) close() {
	self.server.Close()
}

func testChannel(channelId Id, ownerId Id, memberIds ...Id) Channel {
	members := []ChannelMember{
		{UserId: ownerId, Username: "owner", Role: MemberRoleOwner},
	}
	for i, memberId := range memberIds {
		members = append(members, ChannelMember{
			UserId:   memberId,
			Username: fmt.Sprintf("member%d", i),
			Role:     MemberRoleMember,
		})
	}
	return Channel{
		Id:         channelId,
		Type:       ChannelTypeGroup,
		Name:       "ops",
		OwnerId:    ownerId,
		Members:    members,
		CreateTime: time.Now().Add(-time.Hour),
	}
}

func testMessage(channelId Id, senderId Id, content string, createTime time.Time) Message {
	return Message{
		Id:            NewId(),
		ChannelId:     channelId,
		SenderId:      senderId,
		Content:       content,
		CreateTime:    createTime,
		DeliveryState: DeliveryStateDelivered,
	}
}

type testChatEnv struct {
	backend    *testChatBackend
	api        *TelegraphApi
	transport  *PushTransport
	store      *ChatStore
	selfUserId Id
}

func newTestChatEnv(t *testing.T) *testChatEnv {
	selfUserId := NewId()
	backend := newTestChatBackend(selfUserId)

	api := NewTelegraphApiWithContext(context.Background(), backend.server.URL)
	api.SetTokens("token-a", "")

	// never connected: the store's typing emission falls back to http
	transport := NewPushTransport(context.Background(), "ws://127.0.0.1:1", api, DefaultPushTransportSettings())

	settings := &ChatStoreSettings{
		HistoryPageSize:   50,
		TypingDebounce:    200 * time.Millisecond,
		TypingIdleTimeout: 200 * time.Millisecond,
		TypingExpiry:      250 * time.Millisecond,
	}
	store := NewChatStore(context.Background(), api, transport, selfUserId, settings)

	t.Cleanup(func() {
		store.Close()
		transport.Close()
		api.Close()
		backend.close()
	})

	return &testChatEnv{
		backend:    backend,
		api:        api,
		transport:  transport,
		store:      store,
		selfUserId: selfUserId,
	}
}

func (self *testChatEnv) pushEvent(kind string, payload any) {
	event, err := NewPushEvent(kind, payload)
	if err != nil {
		panic(err)
	}
	self.store.handleEvent(event)
}

// waits until the channel's history load has landed
func (self *testChatEnv) activateAndWait(t *testing.T, channelId Id, historyLen int) {
	self.store.SetActiveChannel(channelId)
	ok := eventually(5*time.Second, func() bool {
		return len(self.store.Messages(channelId)) == historyLen
	})
	assert.Equal(t, true, ok)
}

func TestStoreLoadChannels(t *testing.T) {
	env := newTestChatEnv(t)

	channelA := testChannel(NewId(), env.selfUserId)
	channelB := testChannel(NewId(), NewId(), env.selfUserId)
	env.backend.mutex.Lock()
	env.backend.channels = []Channel{channelA, channelB}
	env.backend.mutex.Unlock()

	env.store.LoadChannels()
	ok := eventually(5*time.Second, func() bool {
		return len(env.store.Channels()) == 2
	})
	assert.Equal(t, true, ok)

	env.activateAndWait(t, channelA.Id, 0)
	assert.Equal(t, channelA.Id, env.store.ActiveChannel().Id)

	// reload with the active channel still present keeps the selection
	env.store.LoadChannels()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, channelA.Id, env.store.ActiveChannel().Id)

	// reload without it clears the selection
	env.backend.mutex.Lock()
	env.backend.channels = []Channel{channelB}
	env.backend.mutex.Unlock()
	env.store.LoadChannels()

	ok = eventually(5*time.Second, func() bool {
		return env.store.ActiveChannel() == nil
	})
	assert.Equal(t, true, ok)
	assert.Equal(t, 1, len(env.store.Channels()))
}

func TestStoreHistoryLoad(t *testing.T) {
	env := newTestChatEnv(t)

	channel := testChannel(NewId(), env.selfUserId)
	otherUserId := NewId()
	base := time.Now().Add(-time.Minute)

	first := testMessage(channel.Id, otherUserId, "first", base)
	second := testMessage(channel.Id, otherUserId, "second", base.Add(time.Second))
	older := testMessage(channel.Id, otherUserId, "older", base.Add(-time.Minute))

	env.backend.mutex.Lock()
	env.backend.channels = []Channel{channel}
	// most recent first, the way the platform returns pages
	env.backend.history[channel.Id] = []Message{second, first}
	env.backend.olderHistory[channel.Id] = []Message{older}
	env.backend.mutex.Unlock()

	env.activateAndWait(t, channel.Id, 2)

	// history is held in ascending create time
	messages := env.store.Messages(channel.Id)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "second", messages[1].Content)

	// paging backward prepends the older page
	env.store.LoadOlderMessages(channel.Id)
	ok := eventually(5*time.Second, func() bool {
		return len(env.store.Messages(channel.Id)) == 3
	})
	assert.Equal(t, true, ok)
	messages = env.store.Messages(channel.Id)
	assert.Equal(t, "older", messages[0].Content)
	assert.Equal(t, "first", messages[1].Content)

	// re-selecting a loaded channel does not refetch
	gets := env.backend.historyGets.Load()
	env.store.ClearActiveChannel()
	assert.Equal(t, true, env.store.ActiveChannel() == nil)
	env.store.SetActiveChannel(channel.Id)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, gets, env.backend.historyGets.Load())
}

func TestStoreStaleHistoryDiscarded(t *testing.T) {
	env := newTestChatEnv(t)

	channelA := testChannel(NewId(), env.selfUserId)
	channelB := testChannel(NewId(), env.selfUserId)
	otherUserId := NewId()

	env.backend.mutex.Lock()
	env.backend.channels = []Channel{channelA, channelB}
	env.backend.history[channelA.Id] = []Message{
		testMessage(channelA.Id, otherUserId, "slow channel", time.Now()),
	}
	env.backend.history[channelB.Id] = []Message{
		testMessage(channelB.Id, otherUserId, "fast channel", time.Now()),
	}
	env.backend.historyDelay[channelA.Id] = 300 * time.Millisecond
	env.backend.mutex.Unlock()

	env.store.LoadChannels()
	ok := eventually(5*time.Second, func() bool {
		return len(env.store.Channels()) == 2
	})
	assert.Equal(t, true, ok)

	// switch away before the first fetch returns
	env.store.SetActiveChannel(channelA.Id)
	env.store.SetActiveChannel(channelB.Id)

	ok = eventually(5*time.Second, func() bool {
		return len(env.store.Messages(channelB.Id)) == 1
	})
	assert.Equal(t, true, ok)

	// the superseded fetch result is dropped
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 0, len(env.store.Messages(channelA.Id)))
	assert.Equal(t, channelB.Id, env.store.ActiveChannel().Id)

	// selecting the slow channel again fetches cleanly
	env.backend.mutex.Lock()
	env.backend.historyDelay[channelA.Id] = 0
	env.backend.mutex.Unlock()
	env.activateAndWait(t, channelA.Id, 1)
	assert.Equal(t, "slow channel", env.store.Messages(channelA.Id)[0].Content)
}

func TestStoreOptimisticSendConfirm(t *testing.T) {
	env := newTestChatEnv(t)

	channel := testChannel(NewId(), env.selfUserId)
	env.backend.mutex.Lock()
	env.backend.channels = []Channel{channel}
	env.backend.history[channel.Id] = []Message{
		testMessage(channel.Id, env.selfUserId, "seed", time.Now().Add(-time.Minute)),
	}
	env.backend.mutex.Unlock()

	env.store.LoadChannels()
	env.activateAndWait(t, channel.Id, 1)

	tempId := env.store.SendMessage(channel.Id, "hello there")

	// visible immediately with the temporary id
	messages := env.store.Messages(channel.Id)
	assert.Equal(t, 2, len(messages))
	assert.Equal(t, tempId, messages[1].Id)
	assert.Equal(t, true, messages[1].Pending)
	assert.Equal(t, DeliveryStateSent, messages[1].DeliveryState)

	// confirmation substitutes the server identity in place
	ok := eventually(5*time.Second, func() bool {
		messages := env.store.Messages(channel.Id)
		return len(messages) == 2 && !messages[1].Pending
	})
	assert.Equal(t, true, ok)

	messages = env.store.Messages(channel.Id)
	assert.Equal(t, 2, len(messages))
	assert.NotEqual(t, tempId, messages[1].Id)
	assert.Equal(t, "hello there", messages[1].Content)
	assert.Equal(t, DeliveryStateDelivered, messages[1].DeliveryState)
}

func TestStoreSendFailureRetryRemove(t *testing.T) {
	env := newTestChatEnv(t)

	channel := testChannel(NewId(), env.selfUserId)
	env.backend.mutex.Lock()
	env.backend.channels = []Channel{channel}
	env.backend.history[channel.Id] = []Message{
		testMessage(channel.Id, env.selfUserId, "seed", time.Now().Add(-time.Minute)),
	}
	env.backend.mutex.Unlock()

	env.store.LoadChannels()
	env.activateAndWait(t, channel.Id, 1)

	var errorCount atomic.Int64
	env.store.AddErrorCallback(func(err error) {
		errorCount.Add(1)
	})

	env.backend.sendFail.Store(true)
	tempId := env.store.SendMessage(channel.Id, "will fail")

	// the failed entry stays visible for retry or removal
	ok := eventually(5*time.Second, func() bool {
		messages := env.store.Messages(channel.Id)
		return len(messages) == 2 && messages[1].DeliveryState == DeliveryStateFailed
	})
	assert.Equal(t, true, ok)
	assert.Equal(t, true, 1 <= errorCount.Load())

	messages := env.store.Messages(channel.Id)
	assert.Equal(t, tempId, messages[1].Id)
	assert.Equal(t, false, messages[1].Pending)

	// retry against a recovered backend confirms the same entry
	env.backend.sendFail.Store(false)
	env.store.RetryMessage(channel.Id, tempId)

	ok = eventually(5*time.Second, func() bool {
		messages := env.store.Messages(channel.Id)
		return len(messages) == 2 &&
			!messages[1].Pending &&
			messages[1].DeliveryState == DeliveryStateDelivered
	})
	assert.Equal(t, true, ok)

	// a second failure can be dismissed
	env.backend.sendFail.Store(true)
	failedId := env.store.SendMessage(channel.Id, "dismiss me")
	ok = eventually(5*time.Second, func() bool {
		messages := env.store.Messages(channel.Id)
		return len(messages) == 3 && messages[2].DeliveryState == DeliveryStateFailed
	})
	assert.Equal(t, true, ok)

	env.store.RemoveFailedMessage(channel.Id, failedId)
	assert.Equal(t, 2, len(env.store.Messages(channel.Id)))

	// removing a non-failed message is a no-op
	env.store.RemoveFailedMessage(channel.Id, env.store.Messages(channel.Id)[1].Id)
	assert.Equal(t, 2, len(env.store.Messages(channel.Id)))
}

func TestStoreSendPushRace(t *testing.T) {
	env := newTestChatEnv(t)

	channel := testChannel(NewId(), env.selfUserId)
	env.backend.mutex.Lock()
	env.backend.channels = []Channel{channel}
	env.backend.history[channel.Id] = []Message{
		testMessage(channel.Id, env.selfUserId, "seed", time.Now().Add(-time.Minute)),
	}
	env.backend.mutex.Unlock()

	env.store.LoadChannels()
	env.activateAndWait(t, channel.Id, 1)

	// hold the create response so the push event wins the race
	env.backend.sendDelay.Store(int64(300 * time.Millisecond))

	tempId := env.store.SendMessage(channel.Id, "race")

	serverId := NewId()
	env.pushEvent(EventKindMessageCreated, &MessageCreatedEvent{
		Message: Message{
			Id:            serverId,
			ChannelId:     channel.Id,
			SenderId:      env.selfUserId,
			Content:       "race",
			CreateTime:    time.Now(),
			DeliveryState: DeliveryStateDelivered,
		},
		TempId: &tempId,
	})

	// the push event confirmed the optimistic entry in place
	messages := env.store.Messages(channel.Id)
	assert.Equal(t, 2, len(messages))
	assert.Equal(t, serverId, messages[1].Id)
	assert.Equal(t, false, messages[1].Pending)

	// the late create response finds nothing to confirm
	time.Sleep(500 * time.Millisecond)
	messages = env.store.Messages(channel.Id)
	assert.Equal(t, 2, len(messages))
	assert.Equal(t, serverId, messages[1].Id)

	// a duplicate push event with the server id is also a no-op
	env.pushEvent(EventKindMessageCreated, &MessageCreatedEvent{
		Message: Message{
			Id:            serverId,
			ChannelId:     channel.Id,
			SenderId:      env.selfUserId,
			Content:       "race",
			CreateTime:    time.Now(),
			DeliveryState: DeliveryStateDelivered,
		},
	})
	assert.Equal(t, 2, len(env.store.Messages(channel.Id)))
}

func TestStoreMarkChannelReadOnce(t *testing.T) {
	env := newTestChatEnv(t)

	channel := testChannel(NewId(), env.selfUserId)
	otherUserId := NewId()
	env.backend.mutex.Lock()
	env.backend.channels = []Channel{channel}
	env.backend.history[channel.Id] = []Message{
		testMessage(channel.Id, env.selfUserId, "seed", time.Now().Add(-time.Minute)),
	}
	env.backend.mutex.Unlock()

	env.store.LoadChannels()
	env.activateAndWait(t, channel.Id, 1)

	// three incoming messages and one own message
	base := time.Now()
	for i := 0; i < 3; i += 1 {
		env.pushEvent(EventKindMessageCreated, &MessageCreatedEvent{
			Message: testMessage(channel.Id, otherUserId, fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*time.Second)),
		})
	}
	env.pushEvent(EventKindMessageCreated, &MessageCreatedEvent{
		Message: testMessage(channel.Id, env.selfUserId, "own", base.Add(4*time.Second)),
	})

	assert.Equal(t, 3, env.store.UnreadCounts()[channel.Id])

	env.store.MarkChannelRead(channel.Id)

	// exactly one receipt per incoming message, none for own messages
	ok := eventually(5*time.Second, func() bool {
		return env.backend.readPosts.Load() == 3
	})
	assert.Equal(t, true, ok)
	assert.Equal(t, 0, env.store.UnreadCounts()[channel.Id])

	for _, message := range env.store.Messages(channel.Id) {
		if message.SenderId != env.selfUserId {
			assert.Equal(t, DeliveryStateRead, message.DeliveryState)
		}
	}

	// repeated processing issues no duplicate receipts
	env.store.MarkChannelRead(channel.Id)
	env.store.MarkChannelRead(channel.Id)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(3), env.backend.readPosts.Load())
	assert.Equal(t, 0, env.store.UnreadCounts()[channel.Id])
}

func TestStoreLoadUnread(t *testing.T) {
	env := newTestChatEnv(t)

	channelId := NewId()
	env.backend.mutex.Lock()
	env.backend.unread = map[Id]int{channelId: 7}
	env.backend.mutex.Unlock()

	env.store.LoadUnread()
	ok := eventually(5*time.Second, func() bool {
		return env.store.UnreadCounts()[channelId] == 7
	})
	assert.Equal(t, true, ok)
}

func TestStoreTypingDebounce(t *testing.T) {
	env := newTestChatEnv(t)

	channel := testChannel(NewId(), env.selfUserId)
	env.backend.mutex.Lock()
	env.backend.channels = []Channel{channel}
	env.backend.mutex.Unlock()

	env.store.LoadChannels()
	env.activateAndWait(t, channel.Id, 0)

	// a burst of keystrokes collapses into one typing=true
	for i := 0; i < 5; i += 1 {
		env.store.NotifyLocalTyping(channel.Id)
		time.Sleep(20 * time.Millisecond)
	}

	ok := eventually(time.Second, func() bool {
		return env.backend.typingTruePosts.Load() == 1
	})
	assert.Equal(t, true, ok)

	// trailing typing=false after the idle window
	ok = eventually(time.Second, func() bool {
		return env.backend.typingFalsePosts.Load() == 1
	})
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(1), env.backend.typingTruePosts.Load())

	// typing again after going idle starts a new cycle
	env.store.NotifyLocalTyping(channel.Id)
	ok = eventually(time.Second, func() bool {
		return env.backend.typingTruePosts.Load() == 2
	})
	assert.Equal(t, true, ok)
}

func TestStoreRemoteTyping(t *testing.T) {
	env := newTestChatEnv(t)

	channelId := NewId()
	otherUserId := NewId()

	// own typing echoes are ignored
	env.pushEvent(EventKindTypingChanged, &TypingChangedEvent{
		ChannelId: channelId,
		UserId:    env.selfUserId,
		Typing:    true,
	})
	assert.Equal(t, 0, len(env.store.TypingUserIds(channelId)))

	env.pushEvent(EventKindTypingChanged, &TypingChangedEvent{
		ChannelId: channelId,
		UserId:    otherUserId,
		Typing:    true,
	})
	assert.Equal(t, []Id{otherUserId}, env.store.TypingUserIds(channelId))

	// explicit stop clears immediately
	env.pushEvent(EventKindTypingChanged, &TypingChangedEvent{
		ChannelId: channelId,
		UserId:    otherUserId,
		Typing:    false,
	})
	assert.Equal(t, 0, len(env.store.TypingUserIds(channelId)))

	// without a stop the entry expires on its own
	env.pushEvent(EventKindTypingChanged, &TypingChangedEvent{
		ChannelId: channelId,
		UserId:    otherUserId,
		Typing:    true,
	})
	assert.Equal(t, 1, len(env.store.TypingUserIds(channelId)))

	ok := eventually(time.Second, func() bool {
		return len(env.store.TypingUserIds(channelId)) == 0
	})
	assert.Equal(t, true, ok)
}

func TestStoreMessageEvents(t *testing.T) {
	env := newTestChatEnv(t)

	channelId := NewId()
	otherUserId := NewId()
	base := time.Now()

	late := testMessage(channelId, otherUserId, "late", base.Add(2*time.Second))
	early := testMessage(channelId, otherUserId, "early", base)

	env.pushEvent(EventKindMessageCreated, &MessageCreatedEvent{Message: late})
	// an out-of-order arrival is inserted by create time
	env.pushEvent(EventKindMessageCreated, &MessageCreatedEvent{Message: early})

	messages := env.store.Messages(channelId)
	assert.Equal(t, 2, len(messages))
	assert.Equal(t, "early", messages[0].Content)
	assert.Equal(t, "late", messages[1].Content)
	assert.Equal(t, 2, env.store.UnreadCounts()[channelId])

	// own messages do not count as unread
	env.pushEvent(EventKindMessageCreated, &MessageCreatedEvent{
		Message: testMessage(channelId, env.selfUserId, "own", base.Add(3*time.Second)),
	})
	assert.Equal(t, 2, env.store.UnreadCounts()[channelId])

	// status moves forward only
	env.pushEvent(EventKindMessageStatusChanged, &MessageStatusChangedEvent{
		MessageId: early.Id,
		ChannelId: channelId,
		UserId:    otherUserId,
		Status:    DeliveryStateRead,
	})
	assert.Equal(t, DeliveryStateRead, env.store.Messages(channelId)[0].DeliveryState)

	env.pushEvent(EventKindMessageStatusChanged, &MessageStatusChangedEvent{
		MessageId: early.Id,
		ChannelId: channelId,
		UserId:    otherUserId,
		Status:    DeliveryStateSent,
	})
	assert.Equal(t, DeliveryStateRead, env.store.Messages(channelId)[0].DeliveryState)

	// a status change for an unknown message is a no-op
	env.pushEvent(EventKindMessageStatusChanged, &MessageStatusChangedEvent{
		MessageId: NewId(),
		ChannelId: channelId,
		Status:    DeliveryStateRead,
	})
	assert.Equal(t, 3, len(env.store.Messages(channelId)))
}

func TestStoreChannelEvents(t *testing.T) {
	env := newTestChatEnv(t)

	channelA := testChannel(NewId(), env.selfUserId)
	channelB := testChannel(NewId(), NewId(), env.selfUserId)
	env.backend.mutex.Lock()
	env.backend.channels = []Channel{channelA, channelB}
	env.backend.mutex.Unlock()

	env.store.LoadChannels()
	ok := eventually(5*time.Second, func() bool {
		return len(env.store.Channels()) == 2
	})
	assert.Equal(t, true, ok)

	// rename lands via channel.updated
	renamed := channelA
	renamed.Name = "incident response"
	env.pushEvent(EventKindChannelUpdated, &ChannelUpdatedEvent{Channel: renamed})

	channels := env.store.Channels()
	assert.Equal(t, "incident response", channels[0].Name)

	// a membership change that drops this user removes the channel
	removed := channelB
	removed.Members = removed.Members[:1]
	env.pushEvent(EventKindChannelMemberChanged, &ChannelMemberChangedEvent{Channel: removed})
	assert.Equal(t, 1, len(env.store.Channels()))

	// deleting the active channel falls back to no selection
	env.activateAndWait(t, channelA.Id, 0)
	assert.Equal(t, channelA.Id, env.store.ActiveChannel().Id)

	env.pushEvent(EventKindChannelDeleted, &ChannelDeletedEvent{ChannelId: channelA.Id})
	assert.Equal(t, 0, len(env.store.Channels()))
	assert.Equal(t, true, env.store.ActiveChannel() == nil)
	assert.Equal(t, 0, len(env.store.Messages(channelA.Id)))

	// unknown kinds and malformed payloads are dropped
	env.store.handleEvent(&PushEvent{Kind: "presence.changed", Payload: []byte(`{}`)})
	env.store.handleEvent(&PushEvent{Kind: EventKindMessageCreated, Payload: []byte(`"not an object"`)})
	assert.Equal(t, 0, len(env.store.Channels()))
}

func TestStoreRefreshChannel(t *testing.T) {
	env := newTestChatEnv(t)

	channel := testChannel(NewId(), env.selfUserId)
	env.backend.mutex.Lock()
	env.backend.channels = []Channel{channel}
	env.backend.mutex.Unlock()

	env.store.LoadChannels()
	ok := eventually(5*time.Second, func() bool {
		return len(env.store.Channels()) == 1
	})
	assert.Equal(t, true, ok)

	// refresh picks up platform-side changes for just that channel
	renamed := channel
	renamed.Name = "renamed upstream"
	env.backend.mutex.Lock()
	env.backend.channels = []Channel{renamed}
	env.backend.mutex.Unlock()

	env.store.RefreshChannel(channel.Id)
	ok = eventually(5*time.Second, func() bool {
		channels := env.store.Channels()
		return len(channels) == 1 && channels[0].Name == "renamed upstream"
	})
	assert.Equal(t, true, ok)

	// a not-found refresh removes the channel locally
	env.backend.mutex.Lock()
	env.backend.channels = []Channel{}
	env.backend.mutex.Unlock()

	env.store.RefreshChannel(channel.Id)
	ok = eventually(5*time.Second, func() bool {
		return len(env.store.Channels()) == 0
	})
	assert.Equal(t, true, ok)
}

func TestStoreMutationNotFoundReconciles(t *testing.T) {
	env := newTestChatEnv(t)

	channel := testChannel(NewId(), env.selfUserId)
	env.backend.mutex.Lock()
	env.backend.channels = []Channel{channel}
	env.backend.mutex.Unlock()

	env.store.LoadChannels()
	ok := eventually(5*time.Second, func() bool {
		return len(env.store.Channels()) == 1
	})
	assert.Equal(t, true, ok)

	// the channel disappears on the platform. A mutation 404s, which
	// triggers a single-channel refresh that confirms the removal.
	env.backend.mutex.Lock()
	env.backend.channels = []Channel{}
	env.backend.mutex.Unlock()

	var errorCount atomic.Int64
	env.store.AddErrorCallback(func(err error) {
		errorCount.Add(1)
	})

	env.store.UpdateChannelName(channel.Id, "too late")

	ok = eventually(5*time.Second, func() bool {
		return len(env.store.Channels()) == 0 && 1 <= errorCount.Load()
	})
	assert.Equal(t, true, ok)
}

func TestStoreChannelMutations(t *testing.T) {
	env := newTestChatEnv(t)

	// the backend serves no channel mutation routes, so every action
	// surfaces an error without corrupting local state
	var errorCount atomic.Int64
	env.store.AddErrorCallback(func(err error) {
		errorCount.Add(1)
	})

	env.store.UpdateChannelName(NewId(), "renamed")
	ok := eventually(5*time.Second, func() bool {
		return 1 <= errorCount.Load()
	})
	assert.Equal(t, true, ok)
	assert.Equal(t, 0, len(env.store.Channels()))
}
