// Package discord connects the preview pipeline to a Discord gateway session.
//
// It converts MESSAGE_CREATE and MESSAGE_UPDATE events into pipeline messages,
// answers the pipeline's channel/permission questions from the session state,
// and sends the reply with the preview files attached.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/preview-tender/pipeline"
)

// Intents needed to see guild messages and their content/embeds.
const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

// Handler processes one message.
type Handler interface {
	Handle(ctx context.Context, msg pipeline.Message) error
}

// Bot owns the gateway session.
type Bot struct {
	Session *discordgo.Session
	Handler Handler
	// OnPanic is invoked when handling a message panics. Nil re-panics.
	OnPanic func(v any)

	ctx context.Context

	mu        sync.RWMutex
	userID    string
	connected bool
}

// New creates a session for the bot token. Handler may be set after New and
// before Open.
func New(token string) (*Bot, error) {
	if token == "" {
		return nil, errors.New("discord bot token empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = Intents
	b := &Bot{Session: s, ctx: context.Background()}
	s.AddHandler(b.onReady)
	s.AddHandler(b.onResumed)
	s.AddHandler(b.onDisconnect)
	s.AddHandler(b.onMessageCreate)
	s.AddHandler(b.onMessageUpdate)
	return b, nil
}

// Open connects to the gateway. ctx is the parent of every message handled.
func (b *Bot) Open(ctx context.Context) error {
	b.ctx = ctx
	return b.Session.Open()
}

// Close disconnects from the gateway.
func (b *Bot) Close() error {
	return b.Session.Close()
}

// Ready reports an error until the gateway READY event was received, and
// again after a disconnect until the session resumes.
func (b *Bot) Ready() error {
	if _, ok := b.self(); !ok {
		return errors.New("discord session not ready")
	}
	return nil
}

// self returns the bot user id while the gateway is connected.
func (b *Bot) self() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.userID, b.connected && b.userID != ""
}

func (b *Bot) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	b.mu.Lock()
	b.userID = r.User.ID
	b.connected = true
	b.mu.Unlock()
	slog.Info("discord session ready", slog.String("user", r.User.String()), slog.Int("guilds", len(r.Guilds)))
}

func (b *Bot) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	b.setConnected(true)
}

func (b *Bot) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	b.setConnected(false)
	slog.Warn("discord gateway disconnected")
}

func (b *Bot) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	b.dispatch(m.Message)
}

func (b *Bot) onMessageUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	msg := m.Message
	if msg == nil {
		return
	}
	if isPartial(msg) {
		full, err := s.ChannelMessage(msg.ChannelID, msg.ID)
		if err != nil {
			slog.Warn("failed to fetch edited message", slog.String("message_id", msg.ID), slog.Any("err", err))
			return
		}
		if full.GuildID == "" {
			full.GuildID = msg.GuildID
		}
		msg = full
	}
	b.dispatch(msg)
}

// dispatch runs on discordgo's per-event goroutine.
func (b *Bot) dispatch(msg *discordgo.Message) {
	defer func() {
		if r := recover(); r != nil {
			if b.OnPanic == nil {
				panic(r)
			}
			b.OnPanic(r)
		}
	}()
	if b.Handler == nil {
		return
	}
	if err := b.Handler.Handle(b.ctx, toMessage(msg)); err != nil {
		slog.Error("message handling failed", slog.String("message_id", msg.ID), slog.Any("err", err))
	}
}

// CanReply checks the channel type and the bot's permissions in it. Threads
// carry no overwrites of their own, so their permissions come from the parent.
func (b *Bot) CanReply(ctx context.Context, msg pipeline.Message) (bool, error) {
	if msg.GuildID == "" {
		return false, nil
	}
	userID, ok := b.self()
	if !ok {
		return false, errors.New("discord session not ready")
	}
	ch, err := b.channel(msg.ChannelID)
	if err != nil {
		return false, err
	}
	if !eligibleChannel(ch) {
		return false, nil
	}
	permID := ch.ID
	if ch.IsThread() {
		if ch.ParentID == "" {
			return false, nil
		}
		permID = ch.ParentID
	}
	perms, err := b.Session.UserChannelPermissions(userID, permID)
	if err != nil {
		return false, fmt.Errorf("permissions in %s: %w", permID, err)
	}
	return canSendFiles(perms), nil
}

// Reply posts files as a reply to msg.
func (b *Bot) Reply(ctx context.Context, msg pipeline.Message, files []pipeline.Attachment) error {
	send := &discordgo.MessageSend{
		Files: make([]*discordgo.File, 0, len(files)),
		Reference: &discordgo.MessageReference{
			MessageID: msg.ID,
			ChannelID: msg.ChannelID,
			GuildID:   msg.GuildID,
		},
	}
	for _, f := range files {
		send.Files = append(send.Files, &discordgo.File{
			Name:        f.Name,
			ContentType: f.ContentType,
			Reader:      bytes.NewReader(f.Data),
		})
	}
	_, err := b.Session.ChannelMessageSendComplex(msg.ChannelID, send, discordgo.WithContext(ctx))
	return err
}

func (b *Bot) channel(id string) (*discordgo.Channel, error) {
	if ch, err := b.Session.State.Channel(id); err == nil {
		return ch, nil
	}
	ch, err := b.Session.Channel(id)
	if err != nil {
		return nil, fmt.Errorf("fetch channel %s: %w", id, err)
	}
	return ch, nil
}

// isPartial reports whether an update event lacks the full message.
func isPartial(m *discordgo.Message) bool {
	return m.Author == nil
}

func eligibleChannel(ch *discordgo.Channel) bool {
	if ch == nil {
		return false
	}
	return ch.Type == discordgo.ChannelTypeGuildText || ch.Type == discordgo.ChannelTypeGuildPublicThread
}

func canSendFiles(perms int64) bool {
	const need = discordgo.PermissionSendMessages | discordgo.PermissionAttachFiles
	return perms&need == need
}

func toMessage(m *discordgo.Message) pipeline.Message {
	out := pipeline.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
	}
	for _, e := range m.Embeds {
		if e != nil && e.URL != "" {
			out.EmbedURLs = append(out.EmbedURLs, e.URL)
		}
	}
	return out
}
