package telegraph

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the authenticated identity and its tokens
type Session struct {
	UserId       Id
	Username     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// owns the session lifecycle: login/registration, restore from the
// keystore, token persistence across refreshes, and logout.
// `TelegraphApi` holds the tokens for attaching credentials; this store is
// the only writer of the persisted copies.
type SessionStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      *TelegraphApi
	keystore *Keystore

	changeCallbacks *CallbackList[func(*Session)]

	mutex   sync.Mutex
	session *Session

	unsubTokenChange func()
	unsubAuthExpired func()
}

func NewSessionStore(ctx context.Context, api *TelegraphApi, keystore *Keystore) *SessionStore {
	cancelCtx, cancel := context.WithCancel(ctx)

	sessionStore := &SessionStore{
		ctx:             cancelCtx,
		cancel:          cancel,
		api:             api,
		keystore:        keystore,
		changeCallbacks: NewCallbackList[func(*Session)](),
	}

	// persist refreshed tokens so a restart restores the renewed session
	sessionStore.unsubTokenChange = api.AddTokenChangeCallback(func(accessToken string, refreshToken string) {
		sessionStore.mutex.Lock()
		if sessionStore.session != nil {
			sessionStore.session.AccessToken = accessToken
			sessionStore.session.RefreshToken = refreshToken
			if sessionToken, err := ParseSessionTokenUnverified(accessToken); err == nil {
				sessionStore.session.Expiry = sessionToken.Expiry
			}
		}
		sessionStore.mutex.Unlock()

		keystore.Set(KeystoreAccessToken, accessToken)
		keystore.Set(KeystoreRefreshToken, refreshToken)
	})

	// an exhausted refresh forces re-authentication
	sessionStore.unsubAuthExpired = api.AddAuthExpiredCallback(func() {
		glog.Infof("[session]auth expired, clearing session\n")
		sessionStore.clear()
	})

	return sessionStore
}

func (self *SessionStore) AddChangeCallback(callback func(*Session)) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *SessionStore) Session() *Session {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.session
}

func (self *SessionStore) LoginSync(userAuth string, password string) (*Session, error) {
	result, err := self.api.AuthLoginSync(&AuthLoginArgs{
		UserAuth: userAuth,
		Password: password,
	})
	if err != nil {
		return nil, err
	}
	return self.adopt(result.AccessToken, result.RefreshToken)
}

func (self *SessionStore) RegisterSync(username string, email string, password string) (*User, error) {
	result, err := self.api.RegisterSync(&RegisterArgs{
		Username: username,
		Email:    email,
		Password: password,
	})
	if err != nil {
		return nil, err
	}
	return &result.User, nil
}

// restores the session from persisted tokens. Returns nil without error
// when no tokens are stored. An invalid stored session is cleared.
func (self *SessionStore) RestoreSync() (*Session, error) {
	accessToken, ok := self.keystore.Get(KeystoreAccessToken)
	if !ok || accessToken == "" {
		return nil, nil
	}
	refreshToken, _ := self.keystore.Get(KeystoreRefreshToken)

	self.api.SetTokens(accessToken, refreshToken)

	// validate against the platform; a 401 here runs the normal
	// refresh-once path before giving up
	me, err := self.api.GetMeSync()
	if err != nil {
		self.clear()
		return nil, err
	}

	session, err := self.adopt(self.api.AccessToken(), self.api.refreshTokenValue())
	if err != nil {
		return nil, err
	}
	session.Username = me.User.Username
	return session, nil
}

func (self *SessionStore) adopt(accessToken string, refreshToken string) (*Session, error) {
	sessionToken, err := ParseSessionTokenUnverified(accessToken)
	if err != nil {
		return nil, err
	}

	session := &Session{
		UserId:       sessionToken.UserId,
		Username:     sessionToken.Username,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       sessionToken.Expiry,
	}

	self.mutex.Lock()
	self.session = session
	self.mutex.Unlock()

	self.api.SetTokens(accessToken, refreshToken)
	self.keystore.Set(KeystoreAccessToken, accessToken)
	self.keystore.Set(KeystoreRefreshToken, refreshToken)

	for _, callback := range self.changeCallbacks.Get() {
		callback(session)
	}

	return session, nil
}

// destroys the session and clears all persisted client state
func (self *SessionStore) Logout() {
	self.clear()
}

func (self *SessionStore) clear() {
	self.mutex.Lock()
	self.session = nil
	self.mutex.Unlock()

	self.api.ClearTokens()
	self.keystore.Clear()

	for _, callback := range self.changeCallbacks.Get() {
		callback(nil)
	}
}

func (self *SessionStore) Close() {
	self.unsubTokenChange()
	self.unsubAuthExpired()
	self.cancel()
}
