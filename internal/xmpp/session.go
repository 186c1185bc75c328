package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/telepathy/internal/logging"
)

// SessionConfig contains configuration for a network session
type SessionConfig struct {
	Password string
	Server   string
	Port     int
	Resource string
	Logger   *logging.Logger
}

// SessionTransport carries stanzas over a real XMPP session: TCP,
// STARTTLS, SASL and resource binding.
type SessionTransport struct {
	password string
	server   string
	port     int
	resource string
	log      *logging.Logger

	mu      sync.Mutex
	session *xmpp.Session
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewSessionTransport creates a network transport
func NewSessionTransport(cfg SessionConfig) *SessionTransport {
	if cfg.Port == 0 {
		cfg.Port = 5222
	}
	return &SessionTransport{
		password: cfg.Password,
		server:   cfg.Server,
		port:     cfg.Port,
		resource: cfg.Resource,
		log:      cfg.Logger.Named("session"),
	}
}

// Open dials and negotiates in the background
func (t *SessionTransport) Open(self jid.JID, h Handler) error {
	if t.resource != "" {
		var err error
		self, err = self.WithResource(t.resource)
		if err != nil {
			return fmt.Errorf("invalid resource: %w", err)
		}
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return fmt.Errorf("session already opened")
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	ctx := t.ctx
	t.mu.Unlock()

	go t.run(ctx, self, h)
	return nil
}

func (t *SessionTransport) run(ctx context.Context, self jid.JID, h Handler) {
	session, err := t.negotiate(ctx, self)
	if err != nil {
		h.SessionDown(err)
		return
	}

	t.mu.Lock()
	t.session = session
	t.mu.Unlock()

	h.SessionUp(session.LocalAddr())
	h.SessionDown(t.readStanzas(ctx, session, h))
}

func (t *SessionTransport) negotiate(ctx context.Context, self jid.JID) (*xmpp.Session, error) {
	server := t.server
	if server == "" {
		server = self.Domain().String()
	}

	addr := fmt.Sprintf("%s:%d", server, t.port)
	t.log.Debug("dialing %s", addr)

	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to dial server: %w", err)
	}

	tlsConfig := &tls.Config{
		ServerName: self.Domain().String(),
		MinVersion: tls.VersionTLS12,
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", t.password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	session, err := xmpp.NewSession(
		ctx,
		self.Domain(),
		self,
		conn,
		0,
		negotiator,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to negotiate session: %w", err)
	}
	return session, nil
}

// readStanzas decodes presences, messages and IQs until the stream ends. It
// returns nil on a clean close.
func (t *SessionTransport) readStanzas(ctx context.Context, session *xmpp.Session, h Handler) error {
	r := session.TokenReader()
	defer r.Close()
	d := xml.NewTokenDecoder(r)

	for {
		if ctx.Err() != nil {
			return nil
		}

		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "presence":
			var p Presence
			if err := d.DecodeElement(&p, &start); err != nil {
				return fmt.Errorf("bad presence: %w", err)
			}
			h.HandlePresence(p)
		case "message":
			var m Message
			if err := d.DecodeElement(&m, &start); err != nil {
				return fmt.Errorf("bad message: %w", err)
			}
			h.HandleMessage(m)
		case "iq":
			var iq IQ
			if err := d.DecodeElement(&iq, &start); err != nil {
				return fmt.Errorf("bad iq: %w", err)
			}
			h.HandleIQ(iq)
		default:
			if err := d.Skip(); err != nil {
				return err
			}
		}
	}
}

// Close ends the session
func (t *SessionTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	if t.session == nil {
		return nil
	}

	_ = t.session.Encode(context.Background(), stanza.Presence{Type: stanza.UnavailablePresence})
	err := t.session.Close()
	t.session = nil
	return err
}

func (t *SessionTransport) encode(v interface{}) error {
	t.mu.Lock()
	session, ctx := t.session, t.ctx
	t.mu.Unlock()

	if session == nil {
		return ErrTransportClosed
	}
	return session.Encode(ctx, v)
}

func (t *SessionTransport) SendPresence(p Presence) error {
	return t.encode(p)
}

func (t *SessionTransport) SendMessage(m Message) error {
	return t.encode(m)
}

func (t *SessionTransport) SendIQ(iq IQ) error {
	return t.encode(iq)
}
