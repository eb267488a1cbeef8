package smtp

import (
	"encoding/base64"
	"errors"

	"github.com/emersion/go-sasl"
)

// ErrAuthMechanismUnsupported is returned by smtpd's authentication hook
// when no Authenticate function is configured. AUTH with a mechanism
// other than PLAIN, the only one spec.md §4.8 requires, gets a 504 reply
// from smtpd and never reaches authentication.
var ErrAuthMechanismUnsupported = errors.New("smtp: unsupported AUTH mechanism")

// Authenticator validates a decoded PLAIN identity/username/password
// triple, returning an opaque account identifier on success.
type Authenticator func(identity, username, password string) (accountID string, err error)

// AuthPlain completes an AUTH PLAIN exchange from the client's
// base64-encoded initial response, which it decodes itself before
// handing the identity/username/password triple to authenticate. It is
// a thin wrapper over emersion/go-sasl's server-side PLAIN mechanism and
// needs the whole exchange in that one response: smtpd answers AUTH
// PLAIN without an initial response with 501 and sends no 334 prompt.
func AuthPlain(initialResponseB64 string, authenticate Authenticator) (accountID string, err error) {
	raw, err := base64.StdEncoding.DecodeString(initialResponseB64)
	if err != nil {
		return "", err
	}
	var resultID string
	srv := sasl.NewPlainServer(func(identity, username, password string) error {
		id, authErr := authenticate(identity, username, password)
		resultID = id
		return authErr
	})
	_, done, err := srv.Next(raw)
	if err != nil {
		return "", err
	}
	if !done {
		return "", errors.New("smtp: AUTH PLAIN requires a single round trip")
	}
	return resultID, nil
}

// EncodeAuthPlain builds the base64 initial response for the client
// side of AUTH PLAIN. Nothing in this module calls it: the relay client
// does not authenticate to the peers it delivers to.
func EncodeAuthPlain(identity, username, password string) (string, error) {
	_, ir, err := sasl.NewPlainClient(identity, username, password).Start()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ir), nil
}
