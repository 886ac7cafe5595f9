package telegraph

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func makeTestJwt(userId Id, username string, expiry time.Time) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":  userId.String(),
		"username": username,
		"exp":      expiry.Unix(),
	})
	signed, err := token.SignedString([]byte("test-signing-key"))
	if err != nil {
		panic(err)
	}
	return signed
}

// polls until the condition holds or the timeout elapses
func eventually(timeout time.Duration, condition func() bool) bool {
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return condition()
}
