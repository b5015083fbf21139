package realtime

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrMissingToken = errors.New("Missing token.")

// claims the hub needs from the REST auth layer token
type ByJwt struct {
	UserId    string
	ExpiresAt time.Time
}

type TokenVerifier interface {
	Verify(token string) (*ByJwt, error)
}

// HMAC verifier using the secret shared with the REST auth layer
type JwtVerifier struct {
	secret []byte
	parser *gojwt.Parser
}

func NewJwtVerifier(secret string) *JwtVerifier {
	return &JwtVerifier{
		secret: []byte(secret),
		parser: gojwt.NewParser(
			gojwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			gojwt.WithIssuedAt(),
		),
	}
}

func (self *JwtVerifier) Verify(token string) (*ByJwt, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	claims := gojwt.MapClaims{}
	_, err := self.parser.ParseWithClaims(token, claims, func(token *gojwt.Token) (any, error) {
		return self.secret, nil
	})
	if err != nil {
		return nil, err
	}

	byJwt := &ByJwt{}
	// the REST layer writes `userId`; older tokens carry `user_id`
	for _, key := range []string{"userId", "user_id"} {
		if userId, ok := claims[key].(string); ok && userId != "" {
			byJwt.UserId = userId
			break
		}
	}
	if byJwt.UserId == "" {
		return nil, errors.New("Token has no user id.")
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		byJwt.ExpiresAt = expiresAt.Time
	}
	return byJwt, nil
}

// signs a token the way the REST auth layer does. Used by the cli and tests.
func SignUserJwt(secret string, userId string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.MapClaims{
		"userId": userId,
		"iat":    now.Unix(),
	}
	if 0 < ttl {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// the `token` query parameter wins over the `Authorization: Bearer` header
func TokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

type AuthError struct {
	// no token was presented
	Required bool
	Err      error
}

func (self *AuthError) Error() string {
	if self.Required {
		return "Authentication required."
	}
	return fmt.Sprintf("Authentication failed: %s", self.Err)
}

func (self *AuthError) Unwrap() error {
	return self.Err
}

func (self *AuthError) CloseCode() int {
	if self.Required {
		return CloseAuthenticationRequired
	}
	return CloseAuthenticationFailed
}

func (self *AuthError) CloseReason() string {
	if self.Required {
		return "Authentication required"
	}
	return "Authentication failed"
}
