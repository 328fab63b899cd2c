package account

import (
	"context"
	"net/http"
)

// SendText sends a text message. Failures of any kind are logged and
// reported as false.
func (c *Client) SendText(ctx context.Context, to, content string) bool {
	err := c.call(ctx, http.MethodPost, pathSendText, sendTextRequest{ToUserName: to, Content: content}, nil)
	if err != nil {
		c.logger.Warn("send text failed", "to", to, "err", err)
		return false
	}
	c.logger.Debug("text sent", "to", to, "len", len(content))
	return true
}

// SendImage sends a local image file. The path must be readable by the
// account service.
func (c *Client) SendImage(ctx context.Context, to, path string) bool {
	err := c.call(ctx, http.MethodPost, pathSendImage, sendImageRequest{ToUserName: to, ImagePath: path}, nil)
	if err != nil {
		c.logger.Warn("send image failed", "to", to, "path", path, "err", err)
		return false
	}
	c.logger.Debug("image sent", "to", to, "path", path)
	return true
}

// Revoke withdraws a previously sent message.
func (c *Client) Revoke(ctx context.Context, msgID, to string) bool {
	err := c.call(ctx, http.MethodPost, pathRevoke, revokeRequest{MsgID: msgID, ToUserName: to}, nil)
	if err != nil {
		c.logger.Warn("revoke failed", "msg_id", msgID, "to", to, "err", err)
		return false
	}
	return true
}
