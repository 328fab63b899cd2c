package account

import (
	"encoding/json"
	"strconv"
)

// Endpoint paths of the account service.
const (
	pathWakeUpLogin = "/login/WakeUpLogin"
	pathLoginQRCode = "/login/GetLoginQrCodeNew"
	pathLoginStatus = "/login/GetLoginStatus"
	pathSendText    = "/message/SendTextMessage"
	pathSendImage   = "/message/SendImageMessage"
	pathRevoke      = "/message/RevokeMsg"
	pathBigImage    = "/message/GetMsgBigImg"
	pathSyncSocket  = "/ws/GetSyncMsg"
)

// codeSuccess is the envelope code of a successful call.
const codeSuccess = 200

// envelope wraps every HTTP response of the account service.
type envelope struct {
	Code int             `json:"Code"`
	Text string          `json:"Text"`
	Data json.RawMessage `json:"Data"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*f = flexString(strconv.FormatInt(i, 10))
		return nil
	}
	*f = flexString(n.String())
	return nil
}

type qrCodeData struct {
	QrCodeURL   string `json:"QrCodeUrl"`
	UUID        string `json:"Uuid"`
	ExpiredTime int    `json:"ExpiredTime"` // seconds
}

type loginStatusData struct {
	LoginState int        `json:"loginState"`
	LoginTime  flexString `json:"loginTime"`
}

type sendTextRequest struct {
	ToUserName string `json:"ToUserName"`
	Content    string `json:"Content"`
}

type sendImageRequest struct {
	ToUserName string `json:"ToUserName"`
	ImagePath  string `json:"ImagePath"`
}

type revokeRequest struct {
	MsgID      string `json:"MsgId"`
	ToUserName string `json:"ToUserName"`
}

type section struct {
	StartPos int `json:"StartPos"`
	DataLen  int `json:"DataLen"`
}

type bigImageRequest struct {
	MsgID        string  `json:"MsgId"`
	TotalLen     int     `json:"TotalLen"`
	Section      section `json:"Section"`
	ToUserName   string  `json:"ToUserName"`
	FromUserName string  `json:"FromUserName"`
}

type bigImageData struct {
	Data struct {
		Buffer string `json:"Buffer"` // base64
	} `json:"Data"`
	DataLen      int  `json:"DataLen"`
	StartPos     *int `json:"StartPos"`
	NextStartPos *int `json:"NextStartPos"`
}

// syncFrame is one push frame of the sync socket.
type syncFrame struct {
	FromUserName strField   `json:"from_user_name"`
	ToUserName   strField   `json:"to_user_name"`
	Content      strField   `json:"content"`
	MsgType      int        `json:"msg_type"`
	CreateTime   int64      `json:"create_time"`
	MsgID        flexString `json:"msg_id"`
}

type strField struct {
	Str string `json:"str"`
}
