package connection

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/meszmate/telepathy/internal/tperror"
)

const (
	BusNamePrefix    = "org.freedesktop.Telepathy.Connection."
	ObjectPathPrefix = "/org/freedesktop/Telepathy/Connection/"
)

// NameRegistry claims bus names. RequestName fails if the name is taken.
type NameRegistry interface {
	RequestName(name string) error
}

// UniqueNamer is optionally implemented by a Protocol to choose the last
// component of the connection's bus name, typically from the account.
type UniqueNamer interface {
	UniqueName(c *Connection) string
}

// EscapeAsIdentifier escapes s so it is a valid bus name element or object
// path component: every byte that is not an ASCII letter or digit, and a
// leading digit, becomes _ followed by two lowercase hex digits. The empty
// string becomes "_".
func EscapeAsIdentifier(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		isAlpha := (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
		isDigit := ch >= '0' && ch <= '9'
		if isAlpha || (isDigit && i > 0) {
			b.WriteByte(ch)
			continue
		}
		fmt.Fprintf(&b, "_%02x", ch)
	}
	return b.String()
}

// ValidManagerName reports whether name is usable as a connection manager
// name: non-empty ASCII letters, digits and underscores, starting with a
// letter.
func ValidManagerName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z':
		case (ch >= '0' && ch <= '9') || ch == '_':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Register gives the connection its bus name and object path and claims the
// bus name from the registry.
func (c *Connection) Register(cmName string) (busName, objectPath string, err error) {
	if c.busName != "" {
		return "", "", tperror.NotAvailable("connection is already registered as %s", c.busName)
	}
	if !ValidManagerName(cmName) {
		return "", "", tperror.InvalidArgument("invalid connection manager name %q", cmName)
	}

	proto := EscapeAsIdentifier(c.proto.Name())
	unique := ""
	if n, ok := c.proto.(UniqueNamer); ok {
		unique = n.UniqueName(c)
	}
	if unique == "" {
		unique = "c" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	unique = EscapeAsIdentifier(unique)

	busName = BusNamePrefix + cmName + "." + proto + "." + unique
	objectPath = ObjectPathPrefix + cmName + "/" + proto + "/" + unique

	if c.registry != nil {
		if err := c.registry.RequestName(busName); err != nil {
			return "", "", tperror.NotAvailable("error acquiring bus name %s", busName).WithCause(err)
		}
	}

	c.busName = busName
	c.objectPath = objectPath
	c.log = c.log.Named(unique)
	c.log.Debug("registered as %s at %s", busName, objectPath)
	return busName, objectPath, nil
}

// BusName returns the registered bus name, or "" before Register.
func (c *Connection) BusName() string {
	return c.busName
}

// ObjectPath returns the registered object path, or "" before Register.
func (c *Connection) ObjectPath() string {
	return c.objectPath
}

// ChannelPath returns an object path for a channel below the connection.
func (c *Connection) ChannelPath(kind string, parts ...string) string {
	path := c.objectPath + "/" + EscapeAsIdentifier(kind)
	for _, p := range parts {
		path += "_" + EscapeAsIdentifier(p)
	}
	return path
}
