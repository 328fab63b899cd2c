package bridge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wxbridge/internal/content"
	"wxbridge/internal/domain"
	"wxbridge/internal/security"

	"github.com/zeebo/blake3"
)

// Texts sent to senders by the bridge itself.
const (
	PairingConfirmation = "✅ Pairing successful. You can now chat with the assistant."
	Apology             = "Sorry, something went wrong while processing your message. Please try again later."
	imageSendFailed     = "Failed to send image: %s"
)

var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// handle runs the pipeline for one inbound message. Nothing escapes it:
// failures after the authorization gate are answered with Apology.
func (b *Bridge) handle(msg domain.NormalizedMessage) {
	ctx := b.workCtx
	b.metrics.MessagesReceived.Inc()
	b.metrics.InFlight.Inc()
	defer b.metrics.InFlight.Dec()

	log := b.logger.With("msg_id", msg.MessageID, "sender", msg.SenderID)

	decision, err := b.gate.Check(ctx, msg.SenderID, msg.RawContent)
	if err != nil {
		// Fail closed and stay silent towards the sender.
		log.Error("authorization check failed", "error", err)
		return
	}
	switch decision {
	case security.Denied:
		b.metrics.MessagesDenied.Inc()
		log.Debug("message from unauthorized sender dropped")
		return
	case security.Paired:
		b.metrics.UsersPaired.Inc()
		b.sendText(ctx, msg.SenderID, PairingConfirmation)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline panic", "panic", r)
			b.metrics.PipelineFailures.Inc()
			b.sendText(ctx, msg.SenderID, Apology)
		}
	}()
	if err := b.process(ctx, msg); err != nil {
		log.Error("message processing failed", "error", err)
		b.metrics.PipelineFailures.Inc()
		b.sendText(ctx, msg.SenderID, Apology)
	}
}

// process handles an authorized message: resolve its content, call the
// agent and deliver the reply.
func (b *Bridge) process(ctx context.Context, msg domain.NormalizedMessage) error {
	key := b.sessionKey(msg.SenderID)
	text, attachments := b.resolveContent(ctx, msg)
	b.logger.Info("processing message",
		"msg_id", msg.MessageID,
		"sender", msg.SenderID,
		"type", msg.Type,
		"content_len", len(text),
		"attachments", len(attachments),
	)

	start := time.Now()
	resp, err := b.gateway.CallAgent(ctx, domain.AgentRequest{
		SessionKey:  key,
		AgentID:     b.cfg.AgentID,
		Message:     text,
		Attachments: attachments,
	})
	b.metrics.AgentLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		b.metrics.AgentFailures.Inc()
		return fmt.Errorf("agent call: %w", err)
	}
	b.metrics.AgentCalls.Inc()

	b.deliverReply(ctx, msg.SenderID, resp.Text)
	return nil
}

// resolveContent returns the text forwarded to the agent and, for
// images that could be downloaded, the local attachment.
func (b *Bridge) resolveContent(ctx context.Context, msg domain.NormalizedMessage) (string, []domain.Attachment) {
	if msg.Type != domain.MessageImage {
		return content.Placeholder(msg.Type, msg.RawContent), nil
	}

	att, err := b.fetchImage(ctx, msg)
	if err != nil {
		b.metrics.ImageFailures.Inc()
		b.logger.Warn("image unavailable", "msg_id", msg.MessageID, "error", err)
		return content.ImageFailedPlaceholder, nil
	}
	b.metrics.ImagesDownloaded.Inc()
	return content.ImagePlaceholder, []domain.Attachment{att}
}

func (b *Bridge) fetchImage(ctx context.Context, msg domain.NormalizedMessage) (domain.Attachment, error) {
	if msg.Image == nil {
		return domain.Attachment{}, errors.New("image metadata missing")
	}
	total := msg.Image.TotalLength()
	if total <= 0 {
		return domain.Attachment{}, errors.New("image length unknown")
	}

	start := time.Now()
	data, ok := b.account.DownloadImage(ctx, msg.MessageID, total, msg.SenderID, msg.RecipientID)
	b.metrics.DownloadLatency.Observe(time.Since(start).Seconds())
	if !ok {
		return domain.Attachment{}, errors.New("download failed")
	}
	if len(data) == 0 {
		return domain.Attachment{}, errors.New("image is empty")
	}

	path, mimeType, err := b.saveImage(data)
	if err != nil {
		return domain.Attachment{}, err
	}
	return domain.Attachment{
		Type:     "image",
		MimeType: mimeType,
		FileName: filepath.Base(path),
		Path:     path,
	}, nil
}

// saveImage writes data under the media directory, named by its blake3
// digest so repeated downloads of one image share a file.
func (b *Bridge) saveImage(data []byte) (string, string, error) {
	mimeType := http.DetectContentType(data)
	ext, ok := imageExtensions[mimeType]
	if !ok {
		ext = ".bin"
	}
	sum := blake3.Sum256(data)
	path := filepath.Join(b.cfg.MediaDir, hex.EncodeToString(sum[:16])+ext)

	if _, err := os.Stat(path); err == nil {
		return path, mimeType, nil
	}
	tmp, err := os.CreateTemp(b.cfg.MediaDir, ".incoming-*")
	if err != nil {
		return "", "", fmt.Errorf("save image: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("save image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("save image: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("save image: %w", err)
	}
	return path, mimeType, nil
}

// deliverReply sends the agent's reply. Image paths in the text are sent
// as images after the remaining text.
func (b *Bridge) deliverReply(ctx context.Context, to, reply string) {
	matches := b.paths.Extract(reply)
	if len(matches) == 0 {
		if strings.TrimSpace(reply) == "" {
			b.logger.Warn("agent returned an empty reply", "to", to)
			return
		}
		b.sendText(ctx, to, reply)
		return
	}

	if text := content.StripPaths(reply, matches); text != "" {
		b.sendText(ctx, to, text)
	}
	for _, m := range matches {
		if !b.sendImage(ctx, to, m.Path) {
			b.sendText(ctx, to, fmt.Sprintf(imageSendFailed, m.Path))
		}
	}
}

func (b *Bridge) sendText(ctx context.Context, to, text string) bool {
	if err := b.limiter.Wait(ctx); err != nil {
		b.logger.Warn("send throttled out", "to", to, "error", err)
		b.metrics.TextFailed.Inc()
		return false
	}
	if !b.account.SendText(ctx, to, text) {
		b.metrics.TextFailed.Inc()
		return false
	}
	b.metrics.TextSent.Inc()
	return true
}

func (b *Bridge) sendImage(ctx context.Context, to, path string) bool {
	if err := b.limiter.Wait(ctx); err != nil {
		b.logger.Warn("send throttled out", "to", to, "error", err)
		b.metrics.ImagesFailed.Inc()
		return false
	}
	if !b.account.SendImage(ctx, to, path) {
		b.metrics.ImagesFailed.Inc()
		return false
	}
	b.metrics.ImagesSent.Inc()
	return true
}
