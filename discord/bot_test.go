package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/preview-tender/pipeline"
)

type recordingHandler struct {
	msgs []pipeline.Message
}

func (h *recordingHandler) Handle(_ context.Context, msg pipeline.Message) error {
	h.msgs = append(h.msgs, msg)
	return nil
}

func newReadyBot(t *testing.T) *Bot {
	t.Helper()
	b, err := New("abc")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b.onReady(b.Session, &discordgo.Ready{User: &discordgo.User{ID: "bot", Username: "previews"}})
	return b
}

// seedGuild puts a guild in state where @everyone may send and attach, with
// text channel c-open, text channel c-noattach denying ATTACH_FILES for
// @everyone, and a public thread under each.
func seedGuild(t *testing.T, s *discordgo.Session) {
	t.Helper()
	const gid = "g1"
	everyone := int64(discordgo.PermissionViewChannel | discordgo.PermissionSendMessages | discordgo.PermissionAttachFiles)
	g := &discordgo.Guild{
		ID:      gid,
		OwnerID: "owner",
		Roles:   []*discordgo.Role{{ID: gid, Name: "@everyone", Permissions: everyone}},
		Members: []*discordgo.Member{{GuildID: gid, User: &discordgo.User{ID: "bot"}}},
		Channels: []*discordgo.Channel{
			{ID: "c-open", GuildID: gid, Type: discordgo.ChannelTypeGuildText},
			{ID: "c-noattach", GuildID: gid, Type: discordgo.ChannelTypeGuildText,
				PermissionOverwrites: []*discordgo.PermissionOverwrite{
					{ID: gid, Type: discordgo.PermissionOverwriteTypeRole, Deny: discordgo.PermissionAttachFiles},
				}},
			{ID: "c-voice", GuildID: gid, Type: discordgo.ChannelTypeGuildVoice},
		},
		Threads: []*discordgo.Channel{
			{ID: "t-open", GuildID: gid, ParentID: "c-open", Type: discordgo.ChannelTypeGuildPublicThread},
			{ID: "t-noattach", GuildID: gid, ParentID: "c-noattach", Type: discordgo.ChannelTypeGuildPublicThread},
			{ID: "t-private", GuildID: gid, ParentID: "c-open", Type: discordgo.ChannelTypeGuildPrivateThread},
		},
	}
	if err := s.State.GuildAdd(g); err != nil {
		t.Fatalf("GuildAdd: %v", err)
	}
}

func TestEligibleChannel(t *testing.T) {
	tests := []struct {
		name string
		ch   *discordgo.Channel
		want bool
	}{
		{"guild text", &discordgo.Channel{Type: discordgo.ChannelTypeGuildText}, true},
		{"public thread", &discordgo.Channel{Type: discordgo.ChannelTypeGuildPublicThread}, true},
		{"private thread", &discordgo.Channel{Type: discordgo.ChannelTypeGuildPrivateThread}, false},
		{"dm", &discordgo.Channel{Type: discordgo.ChannelTypeDM}, false},
		{"voice", &discordgo.Channel{Type: discordgo.ChannelTypeGuildVoice}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := eligibleChannel(tt.ch); got != tt.want {
				t.Errorf("eligibleChannel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanSendFiles(t *testing.T) {
	tests := []struct {
		name  string
		perms int64
		want  bool
	}{
		{"send and attach", discordgo.PermissionSendMessages | discordgo.PermissionAttachFiles, true},
		{"send only", discordgo.PermissionSendMessages, false},
		{"attach only", discordgo.PermissionAttachFiles, false},
		{"none", 0, false},
		{"everything", discordgo.PermissionAll, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := canSendFiles(tt.perms); got != tt.want {
				t.Errorf("canSendFiles(%b) = %v, want %v", tt.perms, got, tt.want)
			}
		})
	}
}

func TestToMessage(t *testing.T) {
	m := &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "https://open.spotify.com/track/abc",
		Embeds: []*discordgo.MessageEmbed{
			{URL: "https://open.spotify.com/track/abc"},
			{Title: "no url"},
			nil,
		},
	}
	got := toMessage(m)
	if got.ID != "m1" || got.ChannelID != "c1" || got.GuildID != "g1" || got.Content != m.Content {
		t.Errorf("toMessage() = %+v", got)
	}
	if len(got.EmbedURLs) != 1 || got.EmbedURLs[0] != "https://open.spotify.com/track/abc" {
		t.Errorf("EmbedURLs = %v", got.EmbedURLs)
	}
}

func TestIsPartial(t *testing.T) {
	if !isPartial(&discordgo.Message{ID: "m1"}) {
		t.Error("message without author should be partial")
	}
	if isPartial(&discordgo.Message{ID: "m1", Author: &discordgo.User{ID: "u1"}}) {
		t.Error("message with author should not be partial")
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("New(\"\") should fail")
	}
	b, err := New("abc")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if b.Session.Identify.Intents != Intents {
		t.Errorf("Intents = %v, want %v", b.Session.Identify.Intents, Intents)
	}
	if err := b.Ready(); err == nil {
		t.Error("Ready() should fail before the gateway connects")
	}
}

func TestCanReplyPermissions(t *testing.T) {
	b := newReadyBot(t)
	seedGuild(t, b.Session)

	tests := []struct {
		name    string
		channel string
		guild   string
		want    bool
	}{
		{"text channel allowing", "c-open", "g1", true},
		{"text channel denying attach", "c-noattach", "g1", false},
		{"thread under allowing parent", "t-open", "g1", true},
		{"thread under parent denying attach", "t-noattach", "g1", false},
		{"private thread", "t-private", "g1", false},
		{"voice channel", "c-voice", "g1", false},
		{"no guild", "c-open", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.CanReply(context.Background(), pipeline.Message{ID: "m1", ChannelID: tt.channel, GuildID: tt.guild})
			if err != nil {
				t.Fatalf("CanReply() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CanReply(%s) = %v, want %v", tt.channel, got, tt.want)
			}
		})
	}
}

func TestCanReplyNotReady(t *testing.T) {
	b, err := New("abc")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	seedGuild(t, b.Session)
	if _, err := b.CanReply(context.Background(), pipeline.Message{ID: "m1", ChannelID: "c-open", GuildID: "g1"}); err == nil {
		t.Error("CanReply() should fail before READY")
	}
}

func TestReadyFollowsGatewayEvents(t *testing.T) {
	b := newReadyBot(t)
	if err := b.Ready(); err != nil {
		t.Fatalf("Ready() after READY = %v", err)
	}
	b.onDisconnect(b.Session, &discordgo.Disconnect{})
	if err := b.Ready(); err == nil {
		t.Error("Ready() should fail after disconnect")
	}
	b.onResumed(b.Session, &discordgo.Resumed{})
	if err := b.Ready(); err != nil {
		t.Errorf("Ready() after resume = %v", err)
	}
}

// withMessageEndpoint points discordgo's message endpoint at srv for the test.
func withMessageEndpoint(t *testing.T, srv *httptest.Server) {
	t.Helper()
	orig := discordgo.EndpointChannelMessage
	discordgo.EndpointChannelMessage = func(cID, mID string) string {
		return srv.URL + "/channels/" + cID + "/messages/" + mID
	}
	t.Cleanup(func() { discordgo.EndpointChannelMessage = orig })
}

func TestOnMessageUpdateFetchesPartial(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Method != http.MethodGet || r.URL.Path != "/channels/c1/messages/m1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bot ") {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         "m1",
			"channel_id": "c1",
			"content":    "edited https://open.spotify.com/track/abc",
			"author":     map[string]any{"id": "u1", "username": "someone"},
			"embeds":     []map[string]any{{"url": "https://open.spotify.com/track/abc"}},
		})
	}))
	defer srv.Close()
	withMessageEndpoint(t, srv)

	b := newReadyBot(t)
	h := &recordingHandler{}
	b.Handler = h

	b.onMessageUpdate(b.Session, &discordgo.MessageUpdate{
		Message: &discordgo.Message{ID: "m1", ChannelID: "c1", GuildID: "g1"},
	})

	if hits.Load() != 1 {
		t.Fatalf("message fetches = %d, want 1", hits.Load())
	}
	if len(h.msgs) != 1 {
		t.Fatalf("handled %d messages, want 1", len(h.msgs))
	}
	got := h.msgs[0]
	if got.GuildID != "g1" {
		t.Errorf("GuildID = %q, want g1", got.GuildID)
	}
	if got.Content != "edited https://open.spotify.com/track/abc" {
		t.Errorf("Content = %q", got.Content)
	}
	if len(got.EmbedURLs) != 1 || got.EmbedURLs[0] != "https://open.spotify.com/track/abc" {
		t.Errorf("EmbedURLs = %v", got.EmbedURLs)
	}
}

func TestOnMessageUpdateFullAndFailedFetch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Unknown Message","code":10008}`))
	}))
	defer srv.Close()
	withMessageEndpoint(t, srv)

	b := newReadyBot(t)
	h := &recordingHandler{}
	b.Handler = h

	b.onMessageUpdate(b.Session, &discordgo.MessageUpdate{Message: &discordgo.Message{
		ID: "m1", ChannelID: "c1", GuildID: "g1", Content: "full",
		Author: &discordgo.User{ID: "u1"},
	}})
	if hits.Load() != 0 {
		t.Errorf("full update fetched the message %d times", hits.Load())
	}
	if len(h.msgs) != 1 || h.msgs[0].Content != "full" {
		t.Fatalf("handled = %+v", h.msgs)
	}

	b.onMessageUpdate(b.Session, &discordgo.MessageUpdate{Message: &discordgo.Message{ID: "m2", ChannelID: "c1", GuildID: "g1"}})
	if hits.Load() != 1 {
		t.Errorf("partial update fetches = %d, want 1", hits.Load())
	}
	if len(h.msgs) != 1 {
		t.Errorf("failed fetch should not dispatch, handled %d", len(h.msgs))
	}
}
