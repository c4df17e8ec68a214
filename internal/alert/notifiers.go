package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultNotifyTimeout = 5 * time.Second

// LogNotifier writes the alert as a warning log entry.
type LogNotifier struct{}

// Notify logs msg.
func (LogNotifier) Notify(_ context.Context, channel Channel, msg Message) error {
	log.WithFields(log.Fields{
		"source":    msg.Source,
		"metric":    msg.Metric,
		"value":     msg.Value,
		"threshold": msg.Threshold,
		"condition": string(msg.Condition),
		"target":    channel.Target,
	}).Warn("alert fired")
	return nil
}

// HTTPNotifier posts alerts to a URL taken from the channel target. With
// Slack set the body is an incoming-webhook {"text": ...} document, otherwise
// the raw Message JSON.
type HTTPNotifier struct {
	Client *http.Client
	Slack  bool
}

// NewSlackNotifier constructs an HTTPNotifier for Slack incoming webhooks.
func NewSlackNotifier(client *http.Client) *HTTPNotifier {
	return &HTTPNotifier{Client: client, Slack: true}
}

// NewWebhookNotifier constructs an HTTPNotifier that posts the message JSON.
func NewWebhookNotifier(client *http.Client) *HTTPNotifier {
	return &HTTPNotifier{Client: client}
}

// Notify posts msg to channel.Target.
func (n *HTTPNotifier) Notify(ctx context.Context, channel Channel, msg Message) error {
	url := strings.TrimSpace(channel.Target)
	if url == "" {
		return fmt.Errorf("alert http: empty target")
	}
	var body any = msg
	if n.Slack {
		body = map[string]string{"text": msg.Text()}
	}
	payload, errMarshal := json.Marshal(body)
	if errMarshal != nil {
		return fmt.Errorf("alert http: marshal: %w", errMarshal)
	}

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: defaultNotifyTimeout}
	}
	reqCtx, cancel := context.WithTimeout(ctx, defaultNotifyTimeout)
	defer cancel()
	req, errReq := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if errReq != nil {
		return fmt.Errorf("alert http: build request: %w", errReq)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, errDo := client.Do(req)
	if errDo != nil {
		return fmt.Errorf("alert http: request failed: %w", errDo)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Debug("alert http: close response body failed")
		}
	}()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("alert http: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// SMTPConfig configures the email notifier.
type SMTPConfig struct {
	Addr     string `yaml:"addr"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// EmailNotifier sends alerts over SMTP to the address in the channel target.
type EmailNotifier struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailNotifier constructs an EmailNotifier.
func NewEmailNotifier(cfg SMTPConfig) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, sendMail: smtp.SendMail}
}

// Notify sends msg to channel.Target.
func (n *EmailNotifier) Notify(_ context.Context, channel Channel, msg Message) error {
	to := strings.TrimSpace(channel.Target)
	if to == "" {
		return fmt.Errorf("alert email: empty recipient")
	}
	addr := strings.TrimSpace(n.cfg.Addr)
	if addr == "" {
		return fmt.Errorf("alert email: smtp address not configured")
	}
	var auth smtp.Auth
	if n.cfg.Username != "" {
		host := addr
		if idx := strings.LastIndex(addr, ":"); idx > 0 {
			host = addr[:idx]
		}
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, host)
	}
	subject := fmt.Sprintf("Alert: %s %s %s", msg.Source, msg.Metric, msg.Condition)
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", n.cfg.From, to, subject, msg.Text())
	if errSend := n.sendMail(addr, auth, n.cfg.From, []string{to}, []byte(body)); errSend != nil {
		return fmt.Errorf("alert email: send: %w", errSend)
	}
	return nil
}
