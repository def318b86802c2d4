package pipeline

import (
	"context"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/zmb3/spotify/v2"

	"github.com/onnwee/preview-tender/preview"
	"github.com/onnwee/preview-tender/spotifyapi"
)

// TrackURLPrefix is the canonical prefix of a track link embed.
const TrackURLPrefix = "https://open.spotify.com/track/"

const titleLimit = 30

// Message is the platform-neutral view of an inbound chat message.
type Message struct {
	ID        string
	ChannelID string
	GuildID   string
	Content   string
	EmbedURLs []string
}

// Attachment is one file of the reply.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Platform is the chat side of the pipeline.
type Platform interface {
	// CanReply reports whether the message's channel is a guild text channel
	// or public thread in which the bot may send messages and attach files.
	CanReply(ctx context.Context, msg Message) (bool, error)
	// Reply sends one message referencing msg with all files attached.
	Reply(ctx context.Context, msg Message, files []Attachment) error
}

// TokenSource hands out the current catalog token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Catalog resolves track metadata.
type Catalog interface {
	Track(ctx context.Context, token string, id spotify.ID) (spotifyapi.TrackMetadata, error)
}

// PreviewFetcher downloads preview audio.
type PreviewFetcher interface {
	Fetch(ctx context.Context, url string) (*preview.Asset, error)
}

// TrackIDs extracts track ids from embed URLs that start with TrackURLPrefix.
// Query strings and fragments are dropped.
func TrackIDs(embedURLs []string) []string {
	var ids []string
	for _, raw := range embedURLs {
		if !strings.HasPrefix(raw, TrackURLPrefix) {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		id := strings.TrimPrefix(u.Path, "/track/")
		if i := strings.IndexByte(id, '/'); i >= 0 {
			id = id[:i]
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// AttachmentName builds "Preview_<title>.<ext>" with the title cut to 30 runes.
func AttachmentName(title, ext string) string {
	if utf8.RuneCountInString(title) > titleLimit {
		title = string([]rune(title)[:titleLimit])
	}
	return "Preview_" + title + "." + ext
}
