package telegraph

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

const (
	KeystoreAccessToken  = "access_token"
	KeystoreRefreshToken = "refresh_token"
	KeystoreTheme        = "theme"
)

// durable local key-value storage for the client:
// tokens and the ui theme preference. Cleared on logout.
// backed by a single json file under the given directory.
type Keystore struct {
	path string

	mutex  sync.Mutex
	values map[string]string
}

func NewKeystore(dir string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	keystore := &Keystore{
		path:   filepath.Join(dir, "keystore.json"),
		values: map[string]string{},
	}

	keystoreBytes, err := os.ReadFile(keystore.path)
	if err == nil {
		// a corrupt keystore is treated as empty
		json.Unmarshal(keystoreBytes, &keystore.values)
	}

	return keystore, nil
}

func (self *Keystore) Get(key string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.values[key]
	return value, ok
}

func (self *Keystore) Set(key string, value string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.values[key] = value
	return self.sync()
}

func (self *Keystore) Delete(key string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.values, key)
	return self.sync()
}

// removes all stored values, including tokens
func (self *Keystore) Clear() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.values = map[string]string{}
	return self.sync()
}

// must be called with the mutex held
func (self *Keystore) sync() error {
	keystoreBytes, err := json.Marshal(self.values)
	if err != nil {
		return err
	}
	tempPath := self.path + ".tmp"
	if err := os.WriteFile(tempPath, keystoreBytes, 0600); err != nil {
		return err
	}
	return os.Rename(tempPath, self.path)
}
