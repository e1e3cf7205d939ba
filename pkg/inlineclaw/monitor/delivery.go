package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/channels"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/media"
	"github.com/jholhewres/inlineclaw/pkg/inlineclaw/pipeline"
)

// MediaLoader fetches outbound attachments. Implemented by media.Loader.
type MediaLoader interface {
	Load(ctx context.Context, source string, opts media.LoadOptions) (*media.Media, error)
}

// deliveryTarget is where replies to one inbound event go.
type deliveryTarget struct {
	chatID           int64
	isGroup          bool
	inboundMessageID int64
	inboundReplyToID int64
}

// replyDispatcher binds delivery and typing to one inbound event.
type replyDispatcher struct {
	m      *Monitor
	target deliveryTarget
	logger *slog.Logger
}

var _ pipeline.Dispatcher = (*replyDispatcher)(nil)

func (d *replyDispatcher) Deliver(ctx context.Context, p pipeline.ReplyPayload) error {
	return d.m.deliver(ctx, d.target, p)
}

func (d *replyDispatcher) StartTyping(ctx context.Context) error {
	return d.m.transport.SendTyping(ctx, d.target.chatID, true)
}

func (d *replyDispatcher) StopTyping(ctx context.Context) error {
	return d.m.transport.SendTyping(ctx, d.target.chatID, false)
}

// deliver sends one reply payload. Text-only payloads become one message.
// With media, every URL becomes its own message and only the first carries
// the caption, reply target and markdown flag.
func (m *Monitor) deliver(ctx context.Context, t deliveryTarget, p pipeline.ReplyPayload) error {
	text := rewriteMentions(p.Text, m.senders.Username)

	replyTo := p.ReplyToID
	// Keep group threads together: answer a reply with a reply.
	if replyTo == 0 && t.isGroup && t.inboundReplyToID != 0 && t.inboundMessageID != 0 {
		replyTo = t.inboundMessageID
	}

	var urls []string
	for _, u := range p.MediaURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}

	if len(urls) == 0 {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return m.send(ctx, channels.SendRequest{
			ChatID:        t.chatID,
			Text:          text,
			ReplyToID:     replyTo,
			ParseMarkdown: m.cfg.ParseMarkdown,
		})
	}

	for i, u := range urls {
		req := channels.SendRequest{ChatID: t.chatID}
		if i == 0 {
			req.Text = text
			req.ReplyToID = replyTo
			req.ParseMarkdown = m.cfg.ParseMarkdown
		}
		if err := m.sendMedia(ctx, req, u); err != nil {
			return err
		}
	}
	return nil
}

// sendMedia uploads source and sends it with req's caption. If the file
// cannot be loaded or uploaded, the caption and the literal URL go out as
// text instead.
func (m *Monitor) sendMedia(ctx context.Context, req channels.SendRequest, source string) error {
	fileID, kind, err := m.uploadMedia(ctx, source)
	if err != nil {
		m.logger.Warn("media upload failed, sending link instead", "chat_id", req.ChatID, "source", source, "error", err)
		req.Text = strings.TrimSpace(req.Text + "\n" + source)
		return m.send(ctx, req)
	}
	req.MediaID = fileID
	req.MediaKind = kind
	return m.send(ctx, req)
}

func (m *Monitor) uploadMedia(ctx context.Context, source string) (string, channels.UploadKind, error) {
	if m.media == nil {
		return "", "", errors.New("no media loader configured")
	}
	opts := media.LoadOptions{MaxBytes: m.cfg.mediaMaxBytes()}
	loaded, err := m.media.Load(ctx, source, opts)
	if errors.Is(err, media.ErrPathNotAllowed) && !media.LooksLikeURL(source) {
		m.logger.Debug("retrying media load with relaxed path policy", "source", source)
		opts.Relaxed = true
		loaded, err = m.media.Load(ctx, source, opts)
	}
	if err != nil {
		return "", "", err
	}

	kind := media.InferUploadKind(loaded.ContentType, loaded.FileName, loaded.Kind)
	fileID, err := m.transport.UploadFile(ctx, channels.Upload{
		Kind:        kind,
		FileName:    loaded.FileName,
		ContentType: loaded.ContentType,
		Data:        loaded.Data,
	})
	if err != nil {
		return "", "", fmt.Errorf("upload %s: %w", loaded.FileName, err)
	}
	return fileID, kind, nil
}

// send delivers one message and remembers it as bot-authored.
func (m *Monitor) send(ctx context.Context, req channels.SendRequest) error {
	res, err := m.transport.SendMessage(ctx, req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if res != nil {
		m.botMsgs.Remember(req.ChatID, res.MessageID)
	}
	return nil
}
