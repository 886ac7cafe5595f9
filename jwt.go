package telegraph

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims of the platform access token
// parsed unverified - the platform is the verifier, the client only needs
// the identity and the expiry for scheduling
type SessionToken struct {
	UserId   Id
	Username string
	Expiry   time.Time
}

func ParseSessionTokenUnverified(accessToken string) (*SessionToken, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(accessToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionToken := &SessionToken{}

	if userIdAny, ok := claims["user_id"]; ok {
		if userIdStr, ok := userIdAny.(string); ok {
			if userId, err := ParseId(userIdStr); err == nil {
				sessionToken.UserId = userId
			}
		}
	}
	if usernameAny, ok := claims["username"]; ok {
		if username, ok := usernameAny.(string); ok {
			sessionToken.Username = username
		}
	}
	if expiry, err := claims.GetExpirationTime(); err == nil && expiry != nil {
		sessionToken.Expiry = expiry.Time
	}

	return sessionToken, nil
}
