package presence

import (
	"testing"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/telepathy/internal/account"
)

func TestBestResourceWins(t *testing.T) {
	c := NewCache()
	phone := jid.MustParse("bob@example.com/phone")
	laptop := jid.MustParse("bob@example.com/laptop")

	c.Set(Status{JID: phone, Show: ShowAway, Priority: 1})
	c.Set(Status{JID: laptop, Show: ShowDND, Status: "coding", Priority: 5})

	p := c.Presence(jid.MustParse("bob@example.com"))
	if p.Type != account.PresenceBusy || p.Message != "coding" {
		t.Fatalf("presence = %+v", p)
	}

	c.Remove(laptop)
	if p := c.Presence(phone); p.Type != account.PresenceAway {
		t.Fatalf("after removing laptop = %+v", p)
	}

	c.Remove(phone.Bare())
	if c.IsOnline(phone) {
		t.Fatalf("bob still online")
	}
	if p := c.Presence(phone); p.Type != account.PresenceOffline {
		t.Fatalf("offline contact = %+v", p)
	}
}

func TestOwnPresence(t *testing.T) {
	c := NewCache()
	if _, ok := c.Own(); ok {
		t.Fatalf("own presence set on a new cache")
	}
	c.SetOwn(account.Presence{Type: account.PresenceAway})
	if p, ok := c.Own(); !ok || p.Type != account.PresenceAway {
		t.Fatalf("Own = %+v, %v", p, ok)
	}
	c.Clear()
	if _, ok := c.Own(); ok {
		t.Fatalf("Clear kept own presence")
	}
}

func TestShowMapping(t *testing.T) {
	for _, typ := range []account.PresenceType{
		account.PresenceAvailable, account.PresenceAway, account.PresenceExtendedAway, account.PresenceBusy,
	} {
		show, ok := TypeToShow(typ)
		if !ok || ShowToType(show) != typ {
			t.Fatalf("%v -> %q -> %v", typ, show, ShowToType(show))
		}
	}
	if _, ok := TypeToShow(account.PresenceOffline); ok {
		t.Fatalf("offline should not map to a show value")
	}
	if StringToShow("busy") != ShowDND || ShowToString(ShowOnline) != "available" {
		t.Fatalf("string mapping broken")
	}
}
