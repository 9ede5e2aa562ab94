package telegram

import (
	"context"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/graphbot/graphbot/store"
)

type fakeResolver struct {
	links map[string]string // channel+address -> userID
	users map[string]store.User
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{links: make(map[string]string), users: make(map[string]store.User)}
}

func (f *fakeResolver) ResolveChannel(ctx context.Context, channelName, address string) (string, bool, error) {
	userID, ok := f.links[channelName+":"+address]
	return userID, ok, nil
}

func (f *fakeResolver) LinkChannel(ctx context.Context, link store.ChannelLink) error {
	f.links[link.Channel+":"+link.ChannelAddress] = link.UserID
	return nil
}

func (f *fakeResolver) GetOrCreateUser(ctx context.Context, userID, displayName string) (store.User, error) {
	u, ok := f.users[userID]
	if !ok {
		u = store.User{UserID: userID, DisplayName: displayName}
		f.users[userID] = u
	}
	return u, nil
}

func TestResolveUserCreatesAndLinksOnFirstContact(t *testing.T) {
	resolver := newFakeResolver()
	c := &Channel{resolver: resolver}
	userID, err := c.resolveUser(context.Background(), "555", "Ada")
	if err != nil {
		t.Fatalf("resolveUser: %v", err)
	}
	if userID != "telegram:555" {
		t.Fatalf("expected a deterministic user_id, got %q", userID)
	}
	linked, ok, err := resolver.ResolveChannel(context.Background(), channelName, "555")
	if err != nil || !ok || linked != userID {
		t.Fatalf("expected the new link to resolve back to %q, got %q (ok=%v, err=%v)", userID, linked, ok, err)
	}
}

func TestResolveUserReusesExistingLink(t *testing.T) {
	resolver := newFakeResolver()
	resolver.links[channelName+":555"] = "existing-user"
	c := &Channel{resolver: resolver}
	userID, err := c.resolveUser(context.Background(), "555", "Ada")
	if err != nil {
		t.Fatalf("resolveUser: %v", err)
	}
	if userID != "existing-user" {
		t.Fatalf("expected existing link to be reused, got %q", userID)
	}
}

func TestDisplayNamePrefersFirstNameAndUsername(t *testing.T) {
	msg := &telego.Message{From: &telego.User{FirstName: "Ada", Username: "ada_l"}}
	if got := displayName(msg); got != "Ada (@ada_l)" {
		t.Fatalf("unexpected display name: %q", got)
	}
}

func TestDisplayNameFallsBackToUsernameOnly(t *testing.T) {
	msg := &telego.Message{From: &telego.User{Username: "ada_l"}}
	if got := displayName(msg); got != "@ada_l" {
		t.Fatalf("unexpected display name: %q", got)
	}
}

func TestDisplayNameHandlesNilFrom(t *testing.T) {
	if got := displayName(&telego.Message{}); got != "" {
		t.Fatalf("expected empty display name for nil From, got %q", got)
	}
}
