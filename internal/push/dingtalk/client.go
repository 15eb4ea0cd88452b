package dingtalk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"crypto-data-collector/internal/apperr"
)

const (
	msgTypeText     = "text"
	msgTypeMarkdown = "markdown"
)

// Message is one robot payload. Title is only used by markdown messages.
type Message struct {
	Type  string
	Title string
	Body  string
}

func (m Message) payload() map[string]any {
	if m.Type == msgTypeText {
		return map[string]any{"msgtype": msgTypeText, "text": map[string]string{"content": m.Body}}
	}
	return map[string]any{
		"msgtype":  msgTypeMarkdown,
		"markdown": map[string]string{"title": m.Title, "text": m.Body},
	}
}

type Response struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (r *Response) Err() error {
	if r == nil || r.ErrCode == 0 {
		return nil
	}
	return fmt.Errorf("dingtalk errcode=%d errmsg=%s", r.ErrCode, r.ErrMsg)
}

// Client posts messages to a DingTalk robot webhook, signing the URL when a
// secret is configured.
type Client struct {
	webhook    string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

func NewClient(webhook, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		webhook:    webhook,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

func (c *Client) SendMarkdown(ctx context.Context, title, markdown string) (*Response, error) {
	return c.Send(ctx, Message{Type: msgTypeMarkdown, Title: title, Body: markdown})
}

func (c *Client) SendText(ctx context.Context, content string) (*Response, error) {
	return c.Send(ctx, Message{Type: msgTypeText, Body: content})
}

// Send delivers msg. A non-nil Response may still carry a robot-side error,
// see Response.Err.
func (c *Client) Send(ctx context.Context, msg Message) (*Response, error) {
	const op = "dingtalk send"
	if c.webhook == "" {
		return nil, errors.New("dingtalk webhook is empty")
	}

	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(msg.payload())
	if err != nil {
		return nil, fmt.Errorf("marshal dingtalk message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build dingtalk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transport(op, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transport(op, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Transport(op, resp.StatusCode, fmt.Errorf("unexpected status: %s", bytes.TrimSpace(raw)))
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperr.Schema(op, "", "errcode", err)
	}
	return &out, nil
}

func (c *Client) endpoint() (string, error) {
	if c.secret == "" {
		return c.webhook, nil
	}
	u, err := url.Parse(c.webhook)
	if err != nil {
		return "", fmt.Errorf("invalid webhook url: %w", err)
	}

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	q := u.Query()
	q.Set("timestamp", ts)
	q.Set("sign", sign(ts+"\n"+c.secret, c.secret))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sign is base64(HMAC-SHA256(secret, message)).
func sign(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
