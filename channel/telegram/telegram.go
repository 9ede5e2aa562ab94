// Package telegram implements channel.Port over the Telegram Bot API via
// the telego client, using long polling (no public webhook endpoint
// required).
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/graphbot/graphbot/channel"
	"github.com/graphbot/graphbot/store"
)

const (
	channelName      = "telegram"
	maxMessageLength = 4096
)

// Resolver is the subset of store.Store the channel needs to turn a
// Telegram chat ID into a graphbot user_id, declared locally the same
// way channel.Processor is.
type Resolver interface {
	ResolveChannel(ctx context.Context, channelName, address string) (userID string, ok bool, err error)
	LinkChannel(ctx context.Context, link store.ChannelLink) error
	GetOrCreateUser(ctx context.Context, userID, displayName string) (store.User, error)
}

// Channel connects a Processor to Telegram via long polling.
type Channel struct {
	bot       *telego.Bot
	processor channel.Processor
	resolver  Resolver
	addresses *channel.AddressCache
	logger    *slog.Logger
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(l *slog.Logger) Option { return func(c *Channel) { c.logger = l } }

// New builds a Channel from a bot token. The bot's own identity is a
// distinct account from its owner, so this transport never applies the
// bot-voice prefix policy.
func New(token string, processor channel.Processor, resolver Resolver, opts ...Option) (*Channel, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	c := &Channel{
		bot:       bot,
		processor: processor,
		resolver:  resolver,
		addresses: channel.NewAddressCache(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run starts long polling and blocks until ctx is cancelled or the
// updates channel closes.
func (c *Channel) Run(ctx context.Context) error {
	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				go c.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil || msg.Text == "" {
		return
	}
	if msg.From.IsBot {
		return
	}

	address := strconv.FormatInt(msg.Chat.ID, 10)
	userID, err := c.resolveUser(ctx, address, displayName(msg))
	if err != nil {
		c.logger.Error("telegram: resolve user", "error", err)
		return
	}
	c.addresses.Put(userID, address)

	reply, _, err := c.processor.Process(ctx, userID, channelName, msg.Text, false)
	if err != nil {
		c.logger.Error("telegram: process turn", "user_id", userID, "error", err)
		return
	}
	if reply == "" {
		return
	}
	if err := c.sendToAddress(ctx, address, reply); err != nil {
		c.logger.Error("telegram: send reply", "user_id", userID, "error", err)
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
	user, err := c.resolver.GetOrCreateUser(ctx, "telegram:"+address, display)
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

func displayName(msg *telego.Message) string {
	if msg.From == nil {
		return ""
	}
	name := msg.From.FirstName
	if msg.From.Username != "" {
		if name != "" {
			name += " (@" + msg.From.Username + ")"
		} else {
			name = "@" + msg.From.Username
		}
	}
	return name
}

// Send implements channel.Port: delivers text to the Telegram chat last
// associated with userID.
func (c *Channel) Send(ctx context.Context, userID, _ string, text string) error {
	address, ok := c.addresses.Get(userID)
	if !ok {
		return fmt.Errorf("telegram: no known chat for user %q", userID)
	}
	return c.sendToAddress(ctx, address, text)
}

func (c *Channel) sendToAddress(ctx context.Context, address, text string) error {
	chatID, err := strconv.ParseInt(address, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat address %q: %w", address, err)
	}
	for _, chunk := range channel.SplitMessage(text, maxMessageLength) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("telegram: send message: %w", err)
		}
	}
	return nil
}

var _ channel.Port = (*Channel)(nil)
