// Package remote handles owner commands arriving over the text channel.
package remote

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Recognized commands.
const (
	CmdWipe       = "WIPE"
	CmdSiren      = "SIREN"
	CmdLock       = "LOCK"
	CmdScreenshot = "SCREENSHOT"
	CmdGetLogs    = "GETLOGS"
	CmdExfil      = "EXFIL"
)

// ErrNotCommand means the message does not carry the command prefix.
var ErrNotCommand = errors.New("not a remote command")

// Command is a parsed "PREFIX COMMAND [ARGS...] PASSWORD" message. The
// password is kept unexported so it cannot leak through formatting.
type Command struct {
	Name     string
	Args     []string
	password string
}

// Parse splits body on whitespace. The prefix matches case-insensitively,
// the command name is upper-cased and the last token is the password.
func Parse(body, prefix string) (Command, error) {
	parts := strings.Fields(body)
	if len(parts) < 3 || !strings.EqualFold(parts[0], prefix) {
		return Command{}, ErrNotCommand
	}
	c := Command{
		Name:     strings.ToUpper(parts[1]),
		password: parts[len(parts)-1],
	}
	if len(parts) > 3 {
		c.Args = append([]string(nil), parts[2:len(parts)-1]...)
	}
	return c, nil
}

// String omits the password.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Authenticator checks the shared secret. The configured secret may be a
// bcrypt hash or the plain value.
type Authenticator struct {
	secret []byte
	hashed bool
}

func NewAuthenticator(secret string) Authenticator {
	_, err := bcrypt.Cost([]byte(secret))
	return Authenticator{secret: []byte(secret), hashed: err == nil}
}

// Configured reports whether any secret is set. Without one every command
// is ignored.
func (a Authenticator) Configured() bool { return len(a.secret) > 0 }

// Verify reports whether c carries the exact secret.
func (a Authenticator) Verify(c Command) bool {
	if !a.Configured() || c.password == "" {
		return false
	}
	if a.hashed {
		return bcrypt.CompareHashAndPassword(a.secret, []byte(c.password)) == nil
	}
	return subtle.ConstantTimeCompare(a.secret, []byte(c.password)) == 1
}
