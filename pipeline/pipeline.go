// Package pipeline turns a chat message containing Spotify track links into a
// single reply carrying the tracks' audio previews.
//
// For each eligible message the pipeline:
//   - extracts track ids from the message's link embeds,
//   - resolves each id through the catalog, refreshing the app token once
//     when the catalog answers 401,
//   - downloads the preview and keeps it while the reply stays within
//     MaxAttachments files and MaxPayloadBytes bytes,
//   - replies once and remembers the message id so later edits are ignored.
//
// Candidates are resolved one after another. Failures for a single track are
// logged and skip that track only; nothing is posted to the channel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/zmb3/spotify/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/preview-tender/preview"
	"github.com/onnwee/preview-tender/spotifyapi"
	"github.com/onnwee/preview-tender/telemetry"
)

const (
	// MaxAttachments is the platform's per-message file limit.
	MaxAttachments = 10
	// MaxPayloadBytes leaves 8 KiB of the 8 MiB upload limit for the request envelope.
	MaxPayloadBytes = 8*1024*1024 - 8192
)

var trackLinkPattern = regexp.MustCompile(`(?i)open.spotify.com/track/`)

// Pipeline wires the collaborators of one bot instance.
type Pipeline struct {
	Platform Platform
	Tokens   TokenSource
	Catalog  Catalog
	Previews PreviewFetcher
	Handled  *HandledSet
}

// Handle runs one message through the pipeline. Track-level failures are
// logged and swallowed; the returned error covers the gate and the reply.
func (p *Pipeline) Handle(ctx context.Context, msg Message) error {
	if !trackLinkPattern.MatchString(msg.Content) {
		return nil
	}
	if p.Handled.Contains(msg.ID) {
		telemetry.RecordMessage(telemetry.OutcomeAlreadyReply)
		return nil
	}
	ok, err := p.Platform.CanReply(ctx, msg)
	if err != nil {
		return fmt.Errorf("check channel %s: %w", msg.ChannelID, err)
	}
	if !ok {
		telemetry.RecordMessage(telemetry.OutcomeIneligible)
		return nil
	}

	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "pipeline.handle_message",
		attribute.String("message_id", msg.ID),
		attribute.String("channel_id", msg.ChannelID),
	)
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("message_id", msg.ID), slog.String("channel_id", msg.ChannelID))

	var files []Attachment
	telemetry.TimeFunc(telemetry.MessageDuration, func() {
		files = p.collect(ctx, log, TrackIDs(msg.EmbedURLs))
	})
	span.SetAttributes(attribute.Int("attachments", len(files)))

	if len(files) == 0 {
		telemetry.RecordMessage(telemetry.OutcomeEmpty)
		log.Debug("no previews resolved; not replying")
		return nil
	}
	if err := p.Platform.Reply(ctx, msg, files); err != nil {
		telemetry.RecordMessage(telemetry.OutcomeReplyFailed)
		telemetry.RecordError(span, err)
		return fmt.Errorf("reply to message %s: %w", msg.ID, err)
	}
	p.Handled.Mark(msg.ID)
	telemetry.RecordMessage(telemetry.OutcomeReplied)
	telemetry.SetSpanSuccess(span)
	log.Info("sent previews", slog.Int("count", len(files)))
	return nil
}

// budget tracks what the reply holds so far.
type budget struct {
	files []Attachment
	bytes int
}

func (b *budget) full() bool {
	return len(b.files) >= MaxAttachments || b.bytes >= MaxPayloadBytes
}

func (b *budget) fits(n int) bool {
	return b.bytes+n <= MaxPayloadBytes
}

func (b *budget) add(a Attachment) {
	b.files = append(b.files, a)
	b.bytes += len(a.Data)
}

func (p *Pipeline) collect(ctx context.Context, log *slog.Logger, ids []string) []Attachment {
	var b budget
	for _, id := range ids {
		if b.full() {
			telemetry.RecordSkip(telemetry.SkipBudget)
			log.Debug("reply budget reached; skipping track", slog.String("track_id", id))
			continue
		}
		att, reason, err := p.resolve(ctx, id)
		if att == nil {
			telemetry.RecordSkip(reason)
			if err != nil {
				log.Warn("track skipped", slog.String("track_id", id), slog.String("reason", reason), slog.Any("err", err))
			}
			continue
		}
		if !b.fits(len(att.Data)) {
			telemetry.RecordSkip(telemetry.SkipBudget)
			log.Debug("preview does not fit reply budget", slog.String("track_id", id), slog.Int("bytes", len(att.Data)))
			continue
		}
		b.add(*att)
		telemetry.RecordAttachment(len(att.Data))
	}
	return b.files
}

// resolve produces the attachment for one track, or a skip reason.
func (p *Pipeline) resolve(ctx context.Context, id string) (*Attachment, string, error) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.resolve_track", attribute.String("track_id", id))
	defer span.End()

	md, err := p.lookup(ctx, id)
	if err != nil {
		telemetry.RecordError(span, err)
		var ae *spotifyapi.AuthExchangeError
		if errors.As(err, &ae) {
			return nil, telemetry.SkipAuth, err
		}
		return nil, telemetry.SkipMetadata, err
	}
	if !md.HasPreview() {
		return nil, telemetry.SkipNoPreview, nil
	}

	start := time.Now()
	asset, err := p.Previews.Fetch(ctx, md.PreviewURL)
	if err != nil {
		telemetry.RecordError(span, err)
		var ue *preview.UnsupportedContentTypeError
		if errors.As(err, &ue) {
			return nil, telemetry.SkipContentType, err
		}
		return nil, telemetry.SkipDownload, fmt.Errorf("preview for %s: %w", id, err)
	}
	span.SetAttributes(attribute.Int("bytes", len(asset.Data)), attribute.Int64("download_ms", time.Since(start).Milliseconds()))
	telemetry.SetSpanSuccess(span)
	return &Attachment{
		Name:        AttachmentName(md.Title, asset.Ext),
		ContentType: asset.ContentType,
		Data:        asset.Data,
	}, "", nil
}

// lookup fetches metadata, invalidating the token and retrying exactly once
// when the catalog rejects it.
func (p *Pipeline) lookup(ctx context.Context, id string) (spotifyapi.TrackMetadata, error) {
	tok, err := p.Tokens.Token(ctx)
	if err != nil {
		return spotifyapi.TrackMetadata{}, err
	}
	md, err := p.Catalog.Track(ctx, tok, spotify.ID(id))
	if !errors.Is(err, spotifyapi.ErrUnauthorized) {
		return md, err
	}

	p.Tokens.Invalidate()
	telemetry.RecordTokenRetry()
	tok, err = p.Tokens.Token(ctx)
	if err != nil {
		return spotifyapi.TrackMetadata{}, err
	}
	md, err = p.Catalog.Track(ctx, tok, spotify.ID(id))
	if errors.Is(err, spotifyapi.ErrUnauthorized) {
		return spotifyapi.TrackMetadata{}, spotifyapi.ErrUnauthorizedAfterRefresh
	}
	return md, err
}
