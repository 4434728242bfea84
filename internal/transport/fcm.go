package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"zonemonitor/internal/config"
)

// fcmMaxTokens 单次 multicast 的设备 token 上限
const fcmMaxTokens = 500

// multicastSender FCM 批量发送接口（*messaging.Client 实现）
type multicastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCM Firebase 移动推送通道，收件人为设备 token
type FCM struct {
	client multicastSender
}

// NewFCM 创建 FCM 通道
func NewFCM(ctx context.Context, cfg config.FCMConfig) (*FCM, error) {
	var opts []option.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("初始化 Firebase 失败: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("创建 FCM 客户端失败: %w", err)
	}
	return &FCM{client: client}, nil
}

func (f *FCM) Name() string { return string(config.ChannelFCM) }

// Send 推送到全部设备，至少一个设备成功即视为送达
func (f *FCM) Send(ctx context.Context, msg Message, recipients []string) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}

	data := map[string]string{
		"zone_id":         msg.ZoneID,
		"account_id":      msg.AccountID,
		"status":          string(msg.Status),
		"elapsed_seconds": strconv.FormatInt(int64(msg.Elapsed.Seconds()), 10),
	}
	if msg.URL != "" {
		data["url"] = msg.URL
	}

	success := 0
	var errs []error
	for start := 0; start < len(recipients); start += fcmMaxTokens {
		end := min(start+fcmMaxTokens, len(recipients))
		resp, err := f.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens: recipients[start:end],
			Notification: &messaging.Notification{
				Title: msg.Title,
				Body:  msg.Body,
			},
			Data: data,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		success += resp.SuccessCount
		for _, r := range resp.Responses {
			if r != nil && !r.Success && r.Error != nil {
				errs = append(errs, r.Error)
			}
		}
	}

	if success > 0 {
		return nil
	}
	return &SendError{Channel: f.Name(), Message: "全部设备推送失败", Err: errors.Join(errs...)}
}
