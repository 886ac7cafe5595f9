package telegraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/rs/xid"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// request/response channel to the platform
//
// all mutating requests carry the bearer access token. A 401 triggers one
// token-refresh attempt with the refresh token and one retry of the
// original request; an exhausted refresh surfaces `AuthExpiredError` and
// notifies the auth-expired callbacks so the session store can clear state.
type TelegraphApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	httpClient *http.Client

	mutex        sync.Mutex
	accessToken  string
	refreshToken string

	// serializes token refresh so concurrent 401s refresh once
	refreshMutex sync.Mutex

	tokenChangeCallbacks *CallbackList[func(accessToken string, refreshToken string)]
	authExpiredCallbacks *CallbackList[func()]
}

func NewTelegraphApi(apiUrl string) *TelegraphApi {
	return NewTelegraphApiWithContext(context.Background(), apiUrl)
}

func NewTelegraphApiWithContext(ctx context.Context, apiUrl string) *TelegraphApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &TelegraphApi{
		ctx:                  cancelCtx,
		cancel:               cancel,
		apiUrl:               apiUrl,
		httpClient:           defaultClient(),
		tokenChangeCallbacks: NewCallbackList[func(accessToken string, refreshToken string)](),
		authExpiredCallbacks: NewCallbackList[func()](),
	}
}

func (self *TelegraphApi) SetTokens(accessToken string, refreshToken string) {
	self.mutex.Lock()
	self.accessToken = accessToken
	if refreshToken != "" {
		self.refreshToken = refreshToken
	}
	notifyRefreshToken := self.refreshToken
	self.mutex.Unlock()

	for _, callback := range self.tokenChangeCallbacks.Get() {
		callback(accessToken, notifyRefreshToken)
	}
}

func (self *TelegraphApi) ClearTokens() {
	self.mutex.Lock()
	self.accessToken = ""
	self.refreshToken = ""
	self.mutex.Unlock()
}

func (self *TelegraphApi) AccessToken() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.accessToken
}

func (self *TelegraphApi) refreshTokenValue() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.refreshToken
}

func (self *TelegraphApi) AddTokenChangeCallback(callback func(accessToken string, refreshToken string)) func() {
	return self.tokenChangeCallbacks.Add(callback)
}

func (self *TelegraphApi) AddAuthExpiredCallback(callback func()) func() {
	return self.authExpiredCallbacks.Add(callback)
}

func (self *TelegraphApi) Close() {
	self.cancel()
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (self *TelegraphApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go request(self, "POST", fmt.Sprintf("%s/auth/login", self.apiUrl), authLogin, &AuthLoginResult{}, callback)
}

func (self *TelegraphApi) AuthLoginSync(authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return request(self, "POST", fmt.Sprintf("%s/auth/login", self.apiUrl), authLogin, &AuthLoginResult{}, NewNoopApiCallback[*AuthLoginResult]())
}

type AuthRefreshArgs struct {
	RefreshToken string `json:"refresh_token"`
}

type AuthRefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type RegisterCallback apiCallback[*RegisterResult]

type RegisterArgs struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterResult struct {
	User User `json:"user"`
}

func (self *TelegraphApi) Register(register *RegisterArgs, callback RegisterCallback) {
	go request(self, "POST", fmt.Sprintf("%s/users/register", self.apiUrl), register, &RegisterResult{}, callback)
}

func (self *TelegraphApi) RegisterSync(register *RegisterArgs) (*RegisterResult, error) {
	return request(self, "POST", fmt.Sprintf("%s/users/register", self.apiUrl), register, &RegisterResult{}, NewNoopApiCallback[*RegisterResult]())
}

type GetMeCallback apiCallback[*GetMeResult]

type GetMeResult struct {
	User User `json:"user"`
}

func (self *TelegraphApi) GetMe(callback GetMeCallback) {
	go request(self, "GET", fmt.Sprintf("%s/users/me", self.apiUrl), nil, &GetMeResult{}, callback)
}

func (self *TelegraphApi) GetMeSync() (*GetMeResult, error) {
	return request(self, "GET", fmt.Sprintf("%s/users/me", self.apiUrl), nil, &GetMeResult{}, NewNoopApiCallback[*GetMeResult]())
}

type GetChannelsCallback apiCallback[*GetChannelsResult]

type GetChannelsResult struct {
	Channels []Channel `json:"channels"`
}

func (self *TelegraphApi) GetChannels(callback GetChannelsCallback) {
	go request(self, "GET", fmt.Sprintf("%s/channels", self.apiUrl), nil, &GetChannelsResult{}, callback)
}

func (self *TelegraphApi) GetChannelsSync() (*GetChannelsResult, error) {
	return request(self, "GET", fmt.Sprintf("%s/channels", self.apiUrl), nil, &GetChannelsResult{}, NewNoopApiCallback[*GetChannelsResult]())
}

type GetChannelCallback apiCallback[*GetChannelResult]

type GetChannelArgs struct {
	ChannelId Id `json:"-"`
}

type GetChannelResult struct {
	Channel Channel `json:"channel"`
}

func (self *TelegraphApi) GetChannel(getChannel *GetChannelArgs, callback GetChannelCallback) {
	go request(self, "GET", fmt.Sprintf("%s/channels/%s", self.apiUrl, getChannel.ChannelId), nil, &GetChannelResult{}, callback)
}

func (self *TelegraphApi) GetChannelSync(getChannel *GetChannelArgs) (*GetChannelResult, error) {
	return request(self, "GET", fmt.Sprintf("%s/channels/%s", self.apiUrl, getChannel.ChannelId), nil, &GetChannelResult{}, NewNoopApiCallback[*GetChannelResult]())
}

type CreateChannelCallback apiCallback[*CreateChannelResult]

type CreateChannelArgs struct {
	Type          ChannelType `json:"type"`
	Name          string      `json:"name,omitempty"`
	Members       []Id        `json:"members,omitempty"`
	SecurityLabel string      `json:"security_label,omitempty"`
}

type CreateChannelResult struct {
	Channel Channel `json:"channel"`
}

func (self *TelegraphApi) CreateChannel(createChannel *CreateChannelArgs, callback CreateChannelCallback) {
	go request(self, "POST", fmt.Sprintf("%s/channels", self.apiUrl), createChannel, &CreateChannelResult{}, callback)
}

func (self *TelegraphApi) CreateChannelSync(createChannel *CreateChannelArgs) (*CreateChannelResult, error) {
	return request(self, "POST", fmt.Sprintf("%s/channels", self.apiUrl), createChannel, &CreateChannelResult{}, NewNoopApiCallback[*CreateChannelResult]())
}

type UpdateChannelCallback apiCallback[*UpdateChannelResult]

type UpdateChannelArgs struct {
	ChannelId Id     `json:"-"`
	Name      string `json:"name"`
}

type UpdateChannelResult struct {
	Channel Channel `json:"channel"`
}

func (self *TelegraphApi) UpdateChannel(updateChannel *UpdateChannelArgs, callback UpdateChannelCallback) {
	go request(self, "PUT", fmt.Sprintf("%s/channels/%s", self.apiUrl, updateChannel.ChannelId), updateChannel, &UpdateChannelResult{}, callback)
}

func (self *TelegraphApi) UpdateChannelSync(updateChannel *UpdateChannelArgs) (*UpdateChannelResult, error) {
	return request(self, "PUT", fmt.Sprintf("%s/channels/%s", self.apiUrl, updateChannel.ChannelId), updateChannel, &UpdateChannelResult{}, NewNoopApiCallback[*UpdateChannelResult]())
}

type DeleteChannelCallback apiCallback[*DeleteChannelResult]

type DeleteChannelArgs struct {
	ChannelId Id `json:"-"`
}

type DeleteChannelResult struct{}

func (self *TelegraphApi) DeleteChannel(deleteChannel *DeleteChannelArgs, callback DeleteChannelCallback) {
	go request(self, "DELETE", fmt.Sprintf("%s/channels/%s", self.apiUrl, deleteChannel.ChannelId), nil, &DeleteChannelResult{}, callback)
}

func (self *TelegraphApi) DeleteChannelSync(deleteChannel *DeleteChannelArgs) (*DeleteChannelResult, error) {
	return request(self, "DELETE", fmt.Sprintf("%s/channels/%s", self.apiUrl, deleteChannel.ChannelId), nil, &DeleteChannelResult{}, NewNoopApiCallback[*DeleteChannelResult]())
}

type AddMemberCallback apiCallback[*AddMemberResult]

type AddMemberArgs struct {
	ChannelId Id     `json:"-"`
	UserId    *Id    `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
}

type AddMemberResult struct {
	Channel Channel `json:"channel"`
}

func (self *TelegraphApi) AddMember(addMember *AddMemberArgs, callback AddMemberCallback) {
	go request(self, "POST", fmt.Sprintf("%s/channels/%s/members", self.apiUrl, addMember.ChannelId), addMember, &AddMemberResult{}, callback)
}

func (self *TelegraphApi) AddMemberSync(addMember *AddMemberArgs) (*AddMemberResult, error) {
	return request(self, "POST", fmt.Sprintf("%s/channels/%s/members", self.apiUrl, addMember.ChannelId), addMember, &AddMemberResult{}, NewNoopApiCallback[*AddMemberResult]())
}

type RemoveMemberCallback apiCallback[*RemoveMemberResult]

type RemoveMemberArgs struct {
	ChannelId Id `json:"-"`
	UserId    Id `json:"-"`
}

type RemoveMemberResult struct {
	Channel Channel `json:"channel"`
}

func (self *TelegraphApi) RemoveMember(removeMember *RemoveMemberArgs, callback RemoveMemberCallback) {
	go request(self, "DELETE", fmt.Sprintf("%s/channels/%s/members/%s", self.apiUrl, removeMember.ChannelId, removeMember.UserId), nil, &RemoveMemberResult{}, callback)
}

func (self *TelegraphApi) RemoveMemberSync(removeMember *RemoveMemberArgs) (*RemoveMemberResult, error) {
	return request(self, "DELETE", fmt.Sprintf("%s/channels/%s/members/%s", self.apiUrl, removeMember.ChannelId, removeMember.UserId), nil, &RemoveMemberResult{}, NewNoopApiCallback[*RemoveMemberResult]())
}

type PromoteMemberCallback apiCallback[*PromoteMemberResult]

type PromoteMemberArgs struct {
	ChannelId Id `json:"-"`
	UserId    Id `json:"-"`
}

type PromoteMemberResult struct {
	Channel Channel `json:"channel"`
}

func (self *TelegraphApi) PromoteMember(promoteMember *PromoteMemberArgs, callback PromoteMemberCallback) {
	go request(self, "POST", fmt.Sprintf("%s/channels/%s/members/%s/promote", self.apiUrl, promoteMember.ChannelId, promoteMember.UserId), nil, &PromoteMemberResult{}, callback)
}

func (self *TelegraphApi) PromoteMemberSync(promoteMember *PromoteMemberArgs) (*PromoteMemberResult, error) {
	return request(self, "POST", fmt.Sprintf("%s/channels/%s/members/%s/promote", self.apiUrl, promoteMember.ChannelId, promoteMember.UserId), nil, &PromoteMemberResult{}, NewNoopApiCallback[*PromoteMemberResult]())
}

type DemoteMemberCallback apiCallback[*DemoteMemberResult]

type DemoteMemberArgs struct {
	ChannelId Id `json:"-"`
	UserId    Id `json:"-"`
}

type DemoteMemberResult struct {
	Channel Channel `json:"channel"`
}

func (self *TelegraphApi) DemoteMember(demoteMember *DemoteMemberArgs, callback DemoteMemberCallback) {
	go request(self, "POST", fmt.Sprintf("%s/channels/%s/members/%s/demote", self.apiUrl, demoteMember.ChannelId, demoteMember.UserId), nil, &DemoteMemberResult{}, callback)
}

func (self *TelegraphApi) DemoteMemberSync(demoteMember *DemoteMemberArgs) (*DemoteMemberResult, error) {
	return request(self, "POST", fmt.Sprintf("%s/channels/%s/members/%s/demote", self.apiUrl, demoteMember.ChannelId, demoteMember.UserId), nil, &DemoteMemberResult{}, NewNoopApiCallback[*DemoteMemberResult]())
}

type GetMessagesCallback apiCallback[*GetMessagesResult]

type GetMessagesArgs struct {
	ChannelId Id
	// return messages created strictly before this time, most recent first
	Before *time.Time
	Limit  int
}

type GetMessagesResult struct {
	Messages []Message `json:"messages"`
}

func (self *TelegraphApi) getMessagesUrl(getMessages *GetMessagesArgs) string {
	values := url.Values{}
	if getMessages.Before != nil {
		values.Set("before", getMessages.Before.UTC().Format(time.RFC3339Nano))
	}
	if 0 < getMessages.Limit {
		values.Set("limit", fmt.Sprintf("%d", getMessages.Limit))
	}
	messagesUrl := fmt.Sprintf("%s/channels/%s/messages", self.apiUrl, getMessages.ChannelId)
	if query := values.Encode(); query != "" {
		messagesUrl = fmt.Sprintf("%s?%s", messagesUrl, query)
	}
	return messagesUrl
}

func (self *TelegraphApi) GetMessages(getMessages *GetMessagesArgs, callback GetMessagesCallback) {
	go request(self, "GET", self.getMessagesUrl(getMessages), nil, &GetMessagesResult{}, callback)
}

func (self *TelegraphApi) GetMessagesSync(getMessages *GetMessagesArgs) (*GetMessagesResult, error) {
	return request(self, "GET", self.getMessagesUrl(getMessages), nil, &GetMessagesResult{}, NewNoopApiCallback[*GetMessagesResult]())
}

type SendMessageCallback apiCallback[*SendMessageResult]

type SendMessageArgs struct {
	ChannelId Id     `json:"-"`
	Content   string `json:"content"`
	// client-assigned id used to correlate the optimistic entry with the
	// server-assigned message, echoed back in the result and push event
	TempId Id `json:"temp_id"`
}

type SendMessageResult struct {
	Message Message `json:"message"`
	TempId  Id      `json:"temp_id"`
}

func (self *TelegraphApi) SendMessage(sendMessage *SendMessageArgs, callback SendMessageCallback) {
	go request(self, "POST", fmt.Sprintf("%s/channels/%s/messages", self.apiUrl, sendMessage.ChannelId), sendMessage, &SendMessageResult{}, callback)
}

func (self *TelegraphApi) SendMessageSync(sendMessage *SendMessageArgs) (*SendMessageResult, error) {
	return request(self, "POST", fmt.Sprintf("%s/channels/%s/messages", self.apiUrl, sendMessage.ChannelId), sendMessage, &SendMessageResult{}, NewNoopApiCallback[*SendMessageResult]())
}

type DeleteMessageCallback apiCallback[*DeleteMessageResult]

type DeleteMessageArgs struct {
	MessageId Id `json:"-"`
}

type DeleteMessageResult struct{}

func (self *TelegraphApi) DeleteMessage(deleteMessage *DeleteMessageArgs, callback DeleteMessageCallback) {
	go request(self, "DELETE", fmt.Sprintf("%s/messages/%s", self.apiUrl, deleteMessage.MessageId), nil, &DeleteMessageResult{}, callback)
}

func (self *TelegraphApi) DeleteMessageSync(deleteMessage *DeleteMessageArgs) (*DeleteMessageResult, error) {
	return request(self, "DELETE", fmt.Sprintf("%s/messages/%s", self.apiUrl, deleteMessage.MessageId), nil, &DeleteMessageResult{}, NewNoopApiCallback[*DeleteMessageResult]())
}

type SendTypingCallback apiCallback[*SendTypingResult]

type SendTypingArgs struct {
	ChannelId Id   `json:"-"`
	Typing    bool `json:"typing"`
}

type SendTypingResult struct{}

func (self *TelegraphApi) SendTyping(sendTyping *SendTypingArgs, callback SendTypingCallback) {
	go request(self, "POST", fmt.Sprintf("%s/channels/%s/typing", self.apiUrl, sendTyping.ChannelId), sendTyping, &SendTypingResult{}, callback)
}

type MarkMessageReadCallback apiCallback[*MarkMessageReadResult]

type MarkMessageReadArgs struct {
	ChannelId Id `json:"-"`
	MessageId Id `json:"-"`
}

type MarkMessageReadResult struct{}

func (self *TelegraphApi) MarkMessageRead(markMessageRead *MarkMessageReadArgs, callback MarkMessageReadCallback) {
	go request(self, "POST", fmt.Sprintf("%s/channels/%s/messages/%s/read", self.apiUrl, markMessageRead.ChannelId, markMessageRead.MessageId), nil, &MarkMessageReadResult{}, callback)
}

type GetUnreadCallback apiCallback[*GetUnreadResult]

type GetUnreadResult struct {
	// channel id -> count of messages from other users not yet read
	Unread map[Id]int `json:"unread"`
}

func (self *TelegraphApi) GetUnread(callback GetUnreadCallback) {
	go request(self, "GET", fmt.Sprintf("%s/unread", self.apiUrl), nil, &GetUnreadResult{}, callback)
}

func (self *TelegraphApi) GetUnreadSync() (*GetUnreadResult, error) {
	return request(self, "GET", fmt.Sprintf("%s/unread", self.apiUrl), nil, &GetUnreadResult{}, NewNoopApiCallback[*GetUnreadResult]())
}

// attempts one refresh with the refresh token. Serialized so that
// concurrent 401s trigger a single refresh; later waiters see the new
// token and skip their own attempt.
func (self *TelegraphApi) refreshAccessToken(staleAccessToken string) (string, error) {
	self.refreshMutex.Lock()
	defer self.refreshMutex.Unlock()

	if accessToken := self.AccessToken(); accessToken != staleAccessToken {
		// refreshed by another request
		return accessToken, nil
	}

	refreshToken := self.refreshTokenValue()
	if refreshToken == "" {
		return "", &AuthExpiredError{Message: "no refresh token"}
	}

	result, err := requestOnce(
		self,
		"POST",
		fmt.Sprintf("%s/auth/refresh", self.apiUrl),
		&AuthRefreshArgs{RefreshToken: refreshToken},
		&AuthRefreshResult{},
		// the refresh request itself carries no bearer token
		"",
		xid.New().String(),
	)
	if err != nil {
		var authExpiredErr *AuthExpiredError
		var validationErr *ValidationError
		if errors.As(err, &authExpiredErr) || errors.As(err, &validationErr) {
			return "", &AuthExpiredError{Message: "refresh exhausted"}
		}
		return "", err
	}

	self.SetTokens(result.AccessToken, result.RefreshToken)
	return result.AccessToken, nil
}

func request[R any](self *TelegraphApi, method string, requestUrl string, args any, result R, callback apiCallback[R]) (R, error) {
	requestId := xid.New().String()

	accessToken := self.AccessToken()
	r, err := requestOnce(self, method, requestUrl, args, result, accessToken, requestId)

	var authExpiredErr *AuthExpiredError
	if err != nil && errors.As(err, &authExpiredErr) && accessToken != "" {
		nextAccessToken, refreshErr := self.refreshAccessToken(accessToken)
		if refreshErr != nil {
			glog.Infof("[api]%s auth expired = %s\n", requestId, refreshErr)
			for _, expiredCallback := range self.authExpiredCallbacks.Get() {
				expiredCallback()
			}
			var empty R
			callback.Result(empty, refreshErr)
			return empty, refreshErr
		}
		// retry the original request once with the refreshed token
		r, err = requestOnce(self, method, requestUrl, args, result, nextAccessToken, requestId)
	}

	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(r, nil)
	return r, nil
}

func requestOnce[R any](self *TelegraphApi, method string, requestUrl string, args any, result R, accessToken string, requestId string) (R, error) {
	var empty R

	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(self.ctx, method, requestUrl, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("X-Request-Id", requestId)

	if accessToken != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", accessToken))
	}

	glog.V(2).Infof("[api]%s %s %s\n", requestId, method, requestUrl)

	r, err := self.httpClient.Do(req)
	if err != nil {
		return empty, &TransientNetworkError{Cause: err}
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return empty, &TransientNetworkError{Cause: err}
	}

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		return empty, classifyStatus(r.StatusCode, responseBodyBytes)
	}

	if len(responseBodyBytes) != 0 {
		if err := json.Unmarshal(responseBodyBytes, &result); err != nil {
			return empty, err
		}
	}

	return result, nil
}
