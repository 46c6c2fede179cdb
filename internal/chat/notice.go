package chat

import "github.com/4xmen/legacychat/pkg/i18n"

type NoticeKind int

const (
	NoticeConnectionLost NoticeKind = iota
	NoticeReconnected
	NoticeSendFailed
	NoticeUploadFailed
	NoticeHistoryFailed
)

var noticeMessages = map[NoticeKind]string{
	NoticeConnectionLost: "connection lost, reconnecting",
	NoticeReconnected:    "connected",
	NoticeSendFailed:     "message not sent",
	NoticeUploadFailed:   "image upload failed",
	NoticeHistoryFailed:  "could not load messages",
}

func (k NoticeKind) String() string {
	return noticeMessages[k]
}

// Notice is a user-visible, non-blocking report such as a toast or banner.
type Notice struct {
	Kind     NoticeKind
	Text     string
	Err      error
	ClientID string // set for send failures
}

func newNotice(lang string, kind NoticeKind, err error) Notice {
	return Notice{Kind: kind, Text: i18n.Translate(lang, kind.String()), Err: err}
}
