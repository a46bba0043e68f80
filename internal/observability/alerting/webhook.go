package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"VaultOps/internal/config"
	xerrors "VaultOps/internal/errors"
)

// WebhookClient 以 JSON POST 的方式调用告警 webhook。
type WebhookClient struct {
	URL        string
	HTTPClient *http.Client
}

// NewWebhookClient 创建带链路追踪的 webhook 客户端。
func NewWebhookClient(url string) *WebhookClient {
	return &WebhookClient{
		URL: url,
		HTTPClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *WebhookClient) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码告警内容失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造告警请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "发送告警失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return xerrors.New(xerrors.CodeExecutorFailure,
			fmt.Sprintf("告警 webhook 返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
	return nil
}

// SlackWebhook 通过 Slack incoming webhook 发送消息。
type SlackWebhook struct{ *WebhookClient }

// Send 实现 SlackSender。
func (s SlackWebhook) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	return s.post(ctx, payload)
}

// DingTalkWebhook 通过钉钉机器人 webhook 发送文本消息。
type DingTalkWebhook struct{ *WebhookClient }

// Send 实现 DingTalkSender。
func (d DingTalkWebhook) Send(ctx context.Context, content string) error {
	return d.post(ctx, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// EmailWebhook 将邮件投递给 HTTP 邮件网关。
type EmailWebhook struct{ *WebhookClient }

// Send 实现 EmailSender。
func (e EmailWebhook) Send(ctx context.Context, subject, content string, to []string) error {
	return e.post(ctx, map[string]any{
		"subject": subject,
		"content": content,
		"to":      to,
	})
}

// FromConfig 根据配置组装告警派发器；未配置任何渠道时返回 nil。
func FromConfig(cfg config.AlertingConfig) Dispatcher {
	var notifiers []Notifier
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &SlackNotifier{Sender: SlackWebhook{NewWebhookClient(cfg.SlackWebhook)}})
	}
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &DingTalkNotifier{Sender: DingTalkWebhook{NewWebhookClient(cfg.DingTalkWebhook)}})
	}
	if cfg.EmailWebhook != "" && cfg.EmailTo != "" {
		var to []string
		for _, addr := range strings.Split(cfg.EmailTo, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				to = append(to, addr)
			}
		}
		notifiers = append(notifiers, &EmailNotifier{
			Sender:        EmailWebhook{NewWebhookClient(cfg.EmailWebhook)},
			To:            to,
			SubjectPrefix: "[vaultops] ",
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return NewFanout(notifiers...)
}
