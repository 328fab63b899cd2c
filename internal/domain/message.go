package domain

import "time"

// MessageType classifies the content of an inbound message.
type MessageType string

const (
	MessageText    MessageType = "text"
	MessageImage   MessageType = "image"
	MessageVoice   MessageType = "voice"
	MessageEmoji   MessageType = "emoji"
	MessageApp     MessageType = "app"
	MessageUnknown MessageType = "unknown"
)

// ImageMeta is what the account service needs to hand back an image:
// the CDN locators, the AES key and the byte lengths that drive the
// chunked download.
type ImageMeta struct {
	AESKey      string `json:"aes_key,omitempty"`
	ThumbURL    string `json:"thumb_url,omitempty"`
	MidURL      string `json:"mid_url,omitempty"`
	BigURL      string `json:"big_url,omitempty"`
	ThumbLength int    `json:"thumb_length,omitempty"`
	Length      int    `json:"length,omitempty"`
	HDLength    int    `json:"hd_length,omitempty"`
}

// TotalLength returns the size of the largest rendition the account
// service can deliver.
func (m ImageMeta) TotalLength() int {
	if m.HDLength > 0 {
		return m.HDLength
	}
	return m.Length
}

// NormalizedMessage is one inbound push frame after parsing.
type NormalizedMessage struct {
	MessageID   string
	SenderID    string
	RecipientID string
	RawContent  string
	Type        MessageType
	Image       *ImageMeta // set when Type == MessageImage and the XML parsed
	Timestamp   time.Time
}

// Attachment is a local file handed to the agent alongside a message.
type Attachment struct {
	Type     string // image
	MimeType string
	FileName string
	Path     string
}

// AgentRequest is one round trip to the agent gateway.
type AgentRequest struct {
	SessionKey  string
	AgentID     string
	Message     string
	Attachments []Attachment
}

// AgentResponse is the gateway's reply to an AgentRequest.
type AgentResponse struct {
	Text  string
	RunID string
}
