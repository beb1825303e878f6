package moments

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// identity at the protocol boundary. the `init` value carries an opaque
// identity credential; an `IdentityFunction` maps it to the authenticated
// username that the server attaches as the sender on every fan-out.
// issuance lives outside the core. the jwt form here exists so that a
// deployment with a shared secret gets verified identities without an
// external issuer.

var ErrNoIdentity = errors.New("no identity")

type IdentityFunction func(value string) (string, error)

// trusts the value as the username. the development default,
// matching a deployment where an upstream proxy already authenticated.
func PlainIdentity() IdentityFunction {
	return func(value string) (string, error) {
		if value == "" {
			return "", ErrNoIdentity
		}
		return value, nil
	}
}

// the value is an hs256 token carrying a `username` claim,
// verified against the shared secret
func JwtIdentity(secret []byte) IdentityFunction {
	return func(value string) (string, error) {
		token, err := gojwt.Parse(
			value,
			func(token *gojwt.Token) (any, error) {
				return secret, nil
			},
			gojwt.WithValidMethods([]string{"HS256"}),
		)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrNoIdentity, err)
		}
		claims, ok := token.Claims.(gojwt.MapClaims)
		if !ok {
			return "", ErrNoIdentity
		}
		username, ok := claims["username"].(string)
		if !ok || username == "" {
			return "", ErrNoIdentity
		}
		return username, nil
	}
}

func NewIdentityToken(username string, secret []byte, duration time.Duration) (string, error) {
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"username": username,
		"iat":      now.Unix(),
		"exp":      now.Add(duration).Unix(),
	})
	return token.SignedString(secret)
}

// extracts the username without verifying the signature.
// client side introspection only, never an authentication path.
func ParseIdentityTokenUnverified(value string) (string, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(value, gojwt.MapClaims{})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return "", ErrNoIdentity
	}
	if username, ok := claims["username"].(string); ok {
		return username, nil
	}
	return "", ErrNoIdentity
}
