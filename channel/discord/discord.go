// Package discord implements channel.Port over the Discord gateway via
// discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/graphbot/graphbot/channel"
	"github.com/graphbot/graphbot/store"
)

const (
	channelName    = "discord"
	maxMessageSize = 2000
)

// Resolver is the subset of store.Store the channel needs, declared
// locally the same way telegram.Resolver is.
type Resolver interface {
	ResolveChannel(ctx context.Context, channelName, address string) (userID string, ok bool, err error)
	LinkChannel(ctx context.Context, link store.ChannelLink) error
	GetOrCreateUser(ctx context.Context, userID, displayName string) (store.User, error)
}

// Channel connects a Processor to Discord via the gateway.
type Channel struct {
	session   *discordgo.Session
	processor channel.Processor
	resolver  Resolver
	addresses *channel.AddressCache
	botUserID string
	logger    *slog.Logger
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(l *slog.Logger) Option { return func(c *Channel) { c.logger = l } }

// New builds a Channel from a bot token. Discord bots hold their own
// account, distinct from their owner's, so this transport never applies
// the bot-voice prefix policy.
func New(token string, processor channel.Processor, resolver Resolver, opts ...Option) (*Channel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	c := &Channel{
		session:   session,
		processor: processor,
		resolver:  resolver,
		addresses: channel.NewAddressCache(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	session.AddHandler(c.handleMessage)
	return c, nil
}

// Run opens the gateway connection and blocks until ctx is cancelled.
func (c *Channel) Run(ctx context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	defer c.session.Close()

	me, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	c.botUserID = me.ID

	<-ctx.Done()
	return ctx.Err()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == c.botUserID {
		return
	}
	if m.Content == "" {
		return
	}

	ctx := context.Background()
	userID, err := c.resolveUser(ctx, m.ChannelID, displayName(m.Author))
	if err != nil {
		c.logger.Error("discord: resolve user", "error", err)
		return
	}
	c.addresses.Put(userID, m.ChannelID)

	reply, _, err := c.processor.Process(ctx, userID, channelName, m.Content, false)
	if err != nil {
		c.logger.Error("discord: process turn", "user_id", userID, "error", err)
		return
	}
	if reply == "" {
		return
	}
	if err := c.sendToAddress(m.ChannelID, reply); err != nil {
		c.logger.Error("discord: send reply", "user_id", userID, "error", err)
	}
}

func (c *Channel) resolveUser(ctx context.Context, address, display string) (string, error) {
	userID, ok, err := c.resolver.ResolveChannel(ctx, channelName, address)
	if err != nil {
		return "", err
	}
	if ok {
		return userID, nil
	}
	user, err := c.resolver.GetOrCreateUser(ctx, "discord:"+address, display)
	if err != nil {
		return "", err
	}
	if err := c.resolver.LinkChannel(ctx, store.ChannelLink{
		UserID:         user.UserID,
		Channel:        channelName,
		ChannelAddress: address,
	}); err != nil {
		return "", err
	}
	return user.UserID, nil
}

func displayName(author *discordgo.User) string {
	if author == nil {
		return ""
	}
	if author.GlobalName != "" {
		return author.GlobalName
	}
	return author.Username
}

// Send implements channel.Port: delivers text to the Discord channel
// last associated with userID.
func (c *Channel) Send(ctx context.Context, userID, _ string, text string) error {
	address, ok := c.addresses.Get(userID)
	if !ok {
		return fmt.Errorf("discord: no known channel for user %q", userID)
	}
	return c.sendToAddress(address, text)
}

func (c *Channel) sendToAddress(address, text string) error {
	for _, chunk := range channel.SplitMessage(text, maxMessageSize) {
		if _, err := c.session.ChannelMessageSend(address, chunk); err != nil {
			return fmt.Errorf("discord: send message: %w", err)
		}
	}
	return nil
}

var _ channel.Port = (*Channel)(nil)
