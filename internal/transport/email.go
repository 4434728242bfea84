package transport

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"zonemonitor/internal/config"
)

// Email SMTP 邮件通道，收件人为邮箱地址
type Email struct {
	addr     string
	host     string
	username string
	password string
	from     string

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	nowFn    func() time.Time
}

// NewEmail 创建邮件通道
func NewEmail(cfg config.EmailConfig) *Email {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &Email{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		host:     cfg.Host,
		username: cfg.Username,
		password: cfg.Password,
		from:     from,
		sendMail: smtp.SendMail,
		nowFn:    time.Now,
	}
}

func (e *Email) Name() string { return string(config.ChannelEmail) }

// Send 一封邮件发送给全部收件人
func (e *Email) Send(ctx context.Context, msg Message, recipients []string) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if e.username != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.host)
	}
	if err := e.sendMail(e.addr, auth, e.from, recipients, e.compose(msg, recipients)); err != nil {
		return &SendError{Channel: e.Name(), Message: "SMTP 发送失败", Err: err}
	}
	return nil
}

func (e *Email) compose(msg Message, recipients []string) []byte {
	body := msg.Body
	if msg.URL != "" && !strings.Contains(body, msg.URL) {
		body += "\r\n\r\n" + msg.URL
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Title)
	fmt.Fprintf(&b, "Date: %s\r\n", e.nowFn().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
