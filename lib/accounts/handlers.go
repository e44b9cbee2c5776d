package accounts

import (
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/msgnet/network/handler"
	"github.com/ValentinKolb/msgnet/network/message"
)

// ErrMalformed is returned for request or answer bodies that do not decode
var ErrMalformed = errors.New("malformed message body")

// Install registers the registration, login and message store handlers of r on chain
func Install(chain *handler.Chain, r *Registry) {
	chain.On(message.RegistrationRequest, r.handleRegistration)
	chain.On(message.LoginRequest, r.handleLogin)
	chain.On(message.MessageStoreRequest, r.handleStore)
}

// --------------------------------------------------------------------------
// Server side
// --------------------------------------------------------------------------

func (r *Registry) handleRegistration(req message.Message) (message.Message, bool) {
	email, username, password, err := parseCredentials(&req)
	if err == nil {
		err = r.Register(email, username, password)
	}
	if err != nil {
		Logger.Debugf("[%d] registration rejected: %v", req.Origin, err)
	}
	return newAnswer(message.RegistrationAnswer, err), true
}

func (r *Registry) handleLogin(req message.Message) (message.Message, bool) {
	email, username, password, err := parseCredentials(&req)
	if err == nil {
		err = r.Login(req.Origin, email, username, password)
	}
	if err != nil {
		Logger.Debugf("[%d] login rejected: %v", req.Origin, err)
	}
	return newAnswer(message.LoginAnswer, err), true
}

func (r *Registry) handleStore(req message.Message) (message.Message, bool) {
	var stored StoredMessage
	text, err := message.ExtractString(&req)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrMalformed, err)
	} else {
		stored, err = r.Store(req.Origin, text)
	}

	reply := message.New(message.MessageStoreAnswer)
	_ = message.PushString(&reply, reason(err))
	message.Push(&reply, stored.ID)
	message.Push(&reply, err == nil)
	return reply, true
}

func parseCredentials(req *message.Message) (email, username, password string, err error) {
	if password, err = message.ExtractString(req); err != nil {
		return "", "", "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if username, err = message.ExtractString(req); err != nil {
		return "", "", "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if email, err = message.ExtractString(req); err != nil {
		return "", "", "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return email, username, password, nil
}

func newAnswer(t message.MessageType, err error) message.Message {
	reply := message.New(t)
	_ = message.PushString(&reply, reason(err))
	message.Push(&reply, err == nil)
	return reply
}

func reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// NewBroadcast encodes a stored message for delivery to other clients
func NewBroadcast(m StoredMessage) (message.Message, error) {
	b := message.New(message.MessageBroadcast)
	message.Push(&b, m.Time.UnixNano())
	message.Push(&b, m.ID)
	if err := message.PushString(&b, m.Author); err != nil {
		return b, err
	}
	if err := message.PushString(&b, m.Text); err != nil {
		return b, err
	}
	return b, nil
}

// --------------------------------------------------------------------------
// Client side
// --------------------------------------------------------------------------

// NewRegistrationRequest builds a registration request
func NewRegistrationRequest(email, username, password string) (message.Message, error) {
	return newCredentials(message.RegistrationRequest, email, username, password)
}

// NewLoginRequest builds a login request
func NewLoginRequest(email, username, password string) (message.Message, error) {
	return newCredentials(message.LoginRequest, email, username, password)
}

// NewStoreRequest builds a message store request
func NewStoreRequest(text string) (message.Message, error) {
	req := message.New(message.MessageStoreRequest)
	if err := message.PushString(&req, text); err != nil {
		return req, err
	}
	return req, nil
}

func newCredentials(t message.MessageType, email, username, password string) (message.Message, error) {
	req := message.New(t)
	for _, field := range []string{email, username, password} {
		if err := message.PushString(&req, field); err != nil {
			return req, err
		}
	}
	return req, nil
}

// ParseAnswer decodes a registration or login answer. reason is empty when ok is true.
func ParseAnswer(m message.Message) (ok bool, reason string, err error) {
	if ok, err = message.Extract[bool](&m); err != nil {
		return false, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if reason, err = message.ExtractString(&m); err != nil {
		return false, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ok, reason, nil
}

// ParseStoreAnswer decodes a message store answer
func ParseStoreAnswer(m message.Message) (ok bool, id uint64, reason string, err error) {
	if ok, err = message.Extract[bool](&m); err != nil {
		return false, 0, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if id, err = message.Extract[uint64](&m); err != nil {
		return false, 0, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if reason, err = message.ExtractString(&m); err != nil {
		return false, 0, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ok, id, reason, nil
}

// ParseBroadcast decodes a message broadcast
func ParseBroadcast(m message.Message) (StoredMessage, error) {
	var (
		s    StoredMessage
		nano int64
		err  error
	)
	if s.Text, err = message.ExtractString(&m); err != nil {
		return s, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if s.Author, err = message.ExtractString(&m); err != nil {
		return s, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if s.ID, err = message.Extract[uint64](&m); err != nil {
		return s, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if nano, err = message.Extract[int64](&m); err != nil {
		return s, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	s.Time = time.Unix(0, nano)
	return s, nil
}
