package mediaplane

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MaxTokenTTL is the longest lifetime a participant join token may carry.
// Requests for a longer TTL are clamped.
const MaxTokenTTL = 10 * time.Minute

// adminTokenTTL bounds the short-lived tokens minted per control API call.
const adminTokenTTL = time.Minute

// grants is the authorization payload embedded in media-plane JWTs.
type grants struct {
	// Room scopes the token to a single room. Empty for admin tokens.
	Room string `json:"room,omitempty"`

	// RoomJoin permits joining Room as a participant.
	RoomJoin bool `json:"roomJoin,omitempty"`

	// RoomAdmin permits room create/list/delete on the whole plane.
	RoomAdmin bool `json:"roomAdmin,omitempty"`
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Grants grants `json:"grants"`
}

// MintParticipantToken mints an HS256 join token for identity, scoped
// strictly to roomName. TTLs above [MaxTokenTTL] are clamped; zero or
// negative TTLs get the maximum.
func (c *Client) MintParticipantToken(identity, roomName string, ttl time.Duration) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("mediaplane: token identity must not be empty")
	}
	if roomName == "" {
		return "", fmt.Errorf("mediaplane: token room must not be empty")
	}
	if ttl <= 0 || ttl > MaxTokenTTL {
		ttl = MaxTokenTTL
	}

	now := c.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.apiKey,
			Subject:   identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Grants: grants{
			Room:     roomName,
			RoomJoin: true,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.apiSecret)
	if err != nil {
		return "", fmt.Errorf("mediaplane: sign token: %w", err)
	}
	return signed, nil
}

// adminToken mints a short-lived token carrying room admin grants for one
// control API call.
func (c *Client) adminToken() (string, error) {
	now := c.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.apiKey,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(adminTokenTTL)),
		},
		Grants: grants{RoomAdmin: true},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.apiSecret)
	if err != nil {
		return "", fmt.Errorf("mediaplane: sign admin token: %w", err)
	}
	return signed, nil
}
