// Package content holds the stateless helpers of the bridge: message type
// classification, image metadata parsing and extraction of local image
// paths from agent replies.
package content

import (
	"encoding/xml"
	"fmt"
	"strings"

	"wxbridge/internal/domain"
)

// Raw msg_type values used by the account service.
const (
	msgTypeText  = 1
	msgTypeImage = 3
	msgTypeVoice = 34
	msgTypeEmoji = 47
	msgTypeApp   = 49
)

// Classify maps a raw msg_type to a MessageType.
func Classify(msgType int) domain.MessageType {
	switch msgType {
	case msgTypeText:
		return domain.MessageText
	case msgTypeImage:
		return domain.MessageImage
	case msgTypeVoice:
		return domain.MessageVoice
	case msgTypeEmoji:
		return domain.MessageEmoji
	case msgTypeApp:
		return domain.MessageApp
	default:
		return domain.MessageUnknown
	}
}

type imageXML struct {
	XMLName xml.Name `xml:"msg"`
	Img     struct {
		AESKey         string `xml:"aeskey,attr"`
		CDNThumbURL    string `xml:"cdnthumburl,attr"`
		CDNThumbLength int    `xml:"cdnthumblength,attr"`
		CDNMidImgURL   string `xml:"cdnmidimgurl,attr"`
		CDNBigImgURL   string `xml:"cdnbigimgurl,attr"`
		Length         int    `xml:"length,attr"`
		HDLength       int    `xml:"hdlength,attr"`
	} `xml:"img"`
}

// ParseImageMeta extracts the image descriptor from the XML body of an
// image message. Text before the <msg> element (the sender prefix some
// services prepend) is ignored.
func ParseImageMeta(raw string) (*domain.ImageMeta, error) {
	start := strings.Index(raw, "<msg")
	if start < 0 {
		return nil, fmt.Errorf("no <msg> element in image content")
	}

	var doc imageXML
	if err := xml.Unmarshal([]byte(raw[start:]), &doc); err != nil {
		return nil, fmt.Errorf("parse image xml: %w", err)
	}

	meta := &domain.ImageMeta{
		AESKey:      doc.Img.AESKey,
		ThumbURL:    doc.Img.CDNThumbURL,
		MidURL:      doc.Img.CDNMidImgURL,
		BigURL:      doc.Img.CDNBigImgURL,
		ThumbLength: doc.Img.CDNThumbLength,
		Length:      doc.Img.Length,
		HDLength:    doc.Img.HDLength,
	}
	if meta.TotalLength() <= 0 {
		return nil, fmt.Errorf("image xml carries no length")
	}
	return meta, nil
}

// Texts forwarded to the agent in place of an inbound image.
const (
	ImagePlaceholder       = "[image]"
	ImageFailedPlaceholder = "[image: download failed]"
)

// Placeholder returns the text forwarded to the agent for content that
// is not plain text.
func Placeholder(t domain.MessageType, raw string) string {
	switch t {
	case domain.MessageText:
		return raw
	case domain.MessageVoice:
		return "[voice message]"
	case domain.MessageEmoji:
		return "[sticker]"
	case domain.MessageApp:
		return "[shared content]"
	default:
		return raw
	}
}
