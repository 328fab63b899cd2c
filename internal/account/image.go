package account

import (
	"context"
	"encoding/base64"
	"net/http"
	"sort"

	"github.com/dustin/go-humanize"
)

// PageSize is the number of bytes requested per image page.
const PageSize = 64 * 1024

// extraPages bounds how many pages beyond totalLength/PageSize a download
// may take before the server is considered stuck.
const extraPages = 8

// imageTransfer reassembles one image from its pages. It lives only for
// the duration of a DownloadImage call.
type imageTransfer struct {
	messageID     string
	totalLength   int
	bytesReceived int
	chunks        []imageChunk // sorted by offset, never overlapping
}

type imageChunk struct {
	offset int
	data   []byte
}

func newImageTransfer(msgID string, totalLength int) *imageTransfer {
	return &imageTransfer{messageID: msgID, totalLength: totalLength}
}

// add records a page at the server-reported offset. Bytes already held
// and bytes past totalLength are trimmed off, so bytesReceived counts
// each byte of the image once.
func (t *imageTransfer) add(offset int, data []byte) {
	if offset < 0 || offset >= t.totalLength {
		return
	}
	if over := offset + len(data) - t.totalLength; over > 0 {
		data = data[:len(data)-over]
	}

	i := sort.Search(len(t.chunks), func(i int) bool { return t.chunks[i].offset >= offset })
	if i > 0 {
		prev := t.chunks[i-1]
		if skip := prev.offset + len(prev.data) - offset; skip > 0 {
			if skip >= len(data) {
				return
			}
			data = data[skip:]
			offset += skip
		}
	}
	if i < len(t.chunks) {
		if room := t.chunks[i].offset - offset; room < len(data) {
			if room <= 0 {
				return
			}
			data = data[:room]
		}
	}

	t.chunks = append(t.chunks, imageChunk{})
	copy(t.chunks[i+1:], t.chunks[i:])
	t.chunks[i] = imageChunk{offset: offset, data: data}
	t.bytesReceived += len(data)
}

func (t *imageTransfer) complete() bool {
	return t.bytesReceived >= t.totalLength
}

// assemble places every page at its offset.
func (t *imageTransfer) assemble() []byte {
	if len(t.chunks) == 0 {
		return []byte{}
	}
	last := t.chunks[len(t.chunks)-1]
	buf := make([]byte, last.offset+len(last.data))
	for _, c := range t.chunks {
		copy(buf[c.offset:], c.data)
	}
	return buf
}

// DownloadImage fetches the full-size image of a message in PageSize
// pages, following the offsets the server reports. It returns false if
// any page fails; partial data is never returned.
func (c *Client) DownloadImage(ctx context.Context, msgID string, totalLength int, from, to string) ([]byte, bool) {
	if totalLength <= 0 {
		c.logger.Warn("image download skipped: unknown length", "msg_id", msgID)
		return nil, false
	}

	t := newImageTransfer(msgID, totalLength)
	maxPages := totalLength/PageSize + extraPages
	next := 0
	ended := false

	for page := 0; page < maxPages && !ended; page++ {
		want := totalLength - next
		if want <= 0 || want > PageSize {
			want = PageSize
		}
		req := bigImageRequest{
			MsgID:        msgID,
			TotalLen:     totalLength,
			Section:      section{StartPos: next, DataLen: want},
			ToUserName:   to,
			FromUserName: from,
		}

		var resp bigImageData
		if err := c.call(ctx, http.MethodPost, pathBigImage, req, &resp); err != nil {
			c.logger.Warn("image page failed", "msg_id", msgID, "offset", next, "err", err)
			return nil, false
		}
		data, err := base64.StdEncoding.DecodeString(resp.Data.Buffer)
		if err != nil {
			c.logger.Warn("image page not base64", "msg_id", msgID, "offset", next, "err", err)
			return nil, false
		}
		if resp.DataLen > 0 && resp.DataLen < len(data) {
			data = data[:resp.DataLen]
		}
		if len(data) == 0 {
			ended = true
			continue
		}

		offset := next
		if resp.StartPos != nil {
			offset = *resp.StartPos
		}
		t.add(offset, data)
		if t.complete() {
			return c.finishTransfer(t)
		}

		if resp.NextStartPos != nil {
			next = *resp.NextStartPos
		} else {
			next = offset + len(data)
		}
	}

	// A zero-length page ends the stream early, even as the first page;
	// running out of pages does not.
	if !ended {
		c.logger.Warn("image download incomplete", "msg_id", msgID,
			"received", t.bytesReceived, "total", totalLength)
		return nil, false
	}
	return c.finishTransfer(t)
}

func (c *Client) finishTransfer(t *imageTransfer) ([]byte, bool) {
	buf := t.assemble()
	c.logger.Info("image downloaded", "msg_id", t.messageID,
		"size", humanize.Bytes(uint64(len(buf))), "pages", len(t.chunks))
	return buf, true
}
