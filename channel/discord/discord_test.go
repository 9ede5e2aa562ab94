package discord

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/graphbot/graphbot/store"
)

type fakeResolver struct {
	links map[string]string
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
	userID, err := c.resolveUser(context.Background(), "chan-1", "Ada")
	if err != nil {
		t.Fatalf("resolveUser: %v", err)
	}
	if userID != "discord:chan-1" {
		t.Fatalf("expected a deterministic user_id, got %q", userID)
	}
	linked, ok, err := resolver.ResolveChannel(context.Background(), channelName, "chan-1")
	if err != nil || !ok || linked != userID {
		t.Fatalf("expected the new link to resolve back to %q, got %q (ok=%v, err=%v)", userID, linked, ok, err)
	}
}

func TestResolveUserReusesExistingLink(t *testing.T) {
	resolver := newFakeResolver()
	resolver.links[channelName+":chan-1"] = "existing-user"
	c := &Channel{resolver: resolver}
	userID, err := c.resolveUser(context.Background(), "chan-1", "Ada")
	if err != nil {
		t.Fatalf("resolveUser: %v", err)
	}
	if userID != "existing-user" {
		t.Fatalf("expected existing link to be reused, got %q", userID)
	}
}

func TestDisplayNamePrefersGlobalName(t *testing.T) {
	author := &discordgo.User{Username: "ada_l", GlobalName: "Ada Lovelace"}
	if got := displayName(author); got != "Ada Lovelace" {
		t.Fatalf("unexpected display name: %q", got)
	}
}

func TestDisplayNameFallsBackToUsername(t *testing.T) {
	author := &discordgo.User{Username: "ada_l"}
	if got := displayName(author); got != "ada_l" {
		t.Fatalf("unexpected display name: %q", got)
	}
}

func TestDisplayNameHandlesNilAuthor(t *testing.T) {
	if got := displayName(nil); got != "" {
		t.Fatalf("expected empty display name for nil author, got %q", got)
	}
}
