package accounts

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/msgnet/network/message"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/crypto/bcrypt"
)

var Logger = logger.GetLogger("accounts")

// Field limits in bytes
const (
	MaxEmailLength    = 254
	MaxUsernameLength = 64
	MaxPasswordLength = 128
	MaxTextLength     = 4096
)

var (
	ErrEmptyField         = errors.New("field must not be empty")
	ErrFieldTooLong       = errors.New("field too long")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrUserExists         = errors.New("username already registered")
	ErrEmailExists        = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotLoggedIn        = errors.New("not logged in")
)

// StoredMessage is a message kept by the registry
type StoredMessage struct {
	ID     uint64
	Author string
	Text   string
	Time   time.Time
}

type user struct {
	email    string
	username string
	hash     []byte
}

// Options configures a Registry
type Options struct {
	// Cost is the bcrypt cost, 0 uses bcrypt.DefaultCost
	Cost int
	// OnStored is called after a message was stored, with the connection it came from
	OnStored func(origin message.ConnID, m StoredMessage)
}

// Registry keeps users, login sessions and stored messages in memory.
// All methods are safe for concurrent use.
type Registry struct {
	opts Options

	users    *xsync.MapOf[string, *user]  // by username
	emails   *xsync.MapOf[string, string] // email -> username
	sessions *xsync.MapOf[message.ConnID, string]
	messages *xsync.MapOf[string, []StoredMessage] // by author

	nextID atomic.Uint64
}

// NewRegistry creates an empty registry
func NewRegistry(opts Options) *Registry {
	if opts.Cost == 0 {
		opts.Cost = bcrypt.DefaultCost
	}
	return &Registry{
		opts:     opts,
		users:    xsync.NewMapOf[string, *user](),
		emails:   xsync.NewMapOf[string, string](),
		sessions: xsync.NewMapOf[message.ConnID, string](),
		messages: xsync.NewMapOf[string, []StoredMessage](),
	}
}

// --------------------------------------------------------------------------
// Accounts
// --------------------------------------------------------------------------

// Register creates a user. Username and email must both be unused.
func (r *Registry) Register(email, username, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validateCredentials(email, username, password); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword(prehash(password), r.opts.Cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if _, loaded := r.emails.LoadOrStore(email, username); loaded {
		return ErrEmailExists
	}
	if _, loaded := r.users.LoadOrStore(username, &user{email: email, username: username, hash: hash}); loaded {
		r.emails.Delete(email)
		return ErrUserExists
	}

	Logger.Infof("registered user %s", username)
	return nil
}

// Login checks the credentials and binds the user to the connection. A connection that
// is already logged in is rebound.
func (r *Registry) Login(conn message.ConnID, email, username, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	u, ok := r.users.Load(username)
	if !ok || u.email != email {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, prehash(password)); err != nil {
		return ErrInvalidCredentials
	}

	r.sessions.Store(conn, username)
	Logger.Infof("[%d] logged in as %s", conn, username)
	return nil
}

// Logout drops the session of a connection
func (r *Registry) Logout(conn message.ConnID) {
	if username, ok := r.sessions.LoadAndDelete(conn); ok {
		Logger.Infof("[%d] %s logged out", conn, username)
	}
}

// User returns the username bound to a connection
func (r *Registry) User(conn message.ConnID) (string, bool) {
	return r.sessions.Load(conn)
}

// Users returns the number of registered users
func (r *Registry) Users() int {
	return r.users.Size()
}

// --------------------------------------------------------------------------
// Messages
// --------------------------------------------------------------------------

// Store keeps text as a message of the user logged in on conn
func (r *Registry) Store(conn message.ConnID, text string) (StoredMessage, error) {
	username, ok := r.sessions.Load(conn)
	if !ok {
		return StoredMessage{}, ErrNotLoggedIn
	}
	if err := checkField("text", text, MaxTextLength); err != nil {
		return StoredMessage{}, err
	}

	m := StoredMessage{
		ID:     r.nextID.Add(1),
		Author: username,
		Text:   text,
		Time:   time.Now(),
	}
	r.messages.Compute(username, func(old []StoredMessage, _ bool) ([]StoredMessage, bool) {
		return append(old, m), false
	})

	Logger.Debugf("[%d] %s stored message %d", conn, username, m.ID)
	if r.opts.OnStored != nil {
		r.opts.OnStored(conn, m)
	}
	return m, nil
}

// Messages returns a copy of the messages stored by a user, oldest first
func (r *Registry) Messages(username string) []StoredMessage {
	msgs, _ := r.messages.Load(username)
	return append([]StoredMessage(nil), msgs...)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// prehash maps passwords of any accepted length into bcrypt's 72 byte input limit
func prehash(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return sum[:]
}

func validateCredentials(email, username, password string) error {
	if err := checkField("email", email, MaxEmailLength); err != nil {
		return err
	}
	if at := strings.IndexByte(email, '@'); at <= 0 || at == len(email)-1 {
		return fmt.Errorf("%s: %w", email, ErrInvalidEmail)
	}
	if err := checkField("username", username, MaxUsernameLength); err != nil {
		return err
	}
	return checkField("password", password, MaxPasswordLength)
}

func checkField(name, value string, limit int) error {
	if value == "" {
		return fmt.Errorf("%s: %w", name, ErrEmptyField)
	}
	if len(value) > limit {
		return fmt.Errorf("%s has %d bytes (limit %d): %w", name, len(value), limit, ErrFieldTooLong)
	}
	return nil
}
