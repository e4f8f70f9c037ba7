package logout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/secretbox"
)

// Task type names, shared by the asynq queue and the in-process pool.
const (
	TaskBackchannel = "logout:backchannel"
	TaskWebhook     = "logout:webhook"
)

// SignatureHeader carries the webhook body HMAC: "sha256=<hex>".
const SignatureHeader = "X-Authrim-Signature"

// BackchannelTask is one signed logout-token POST. The token is minted at
// dispatch time; the worker only delivers it.
type BackchannelTask struct {
	ClientID    string `json:"client_id"`
	URI         string `json:"uri"`
	LogoutToken string `json:"logout_token"`
}

// WebhookTask is one webhook notification. SecretEnc stays sealed until
// the worker signs the body.
type WebhookTask struct {
	ClientID  string          `json:"client_id"`
	URL       string          `json:"url"`
	SecretEnc []byte          `json:"secret_enc,omitempty"`
	Body      json.RawMessage `json:"body"`
}

// DeliveryOptions bound one dispatch from tenant configuration.
type DeliveryOptions struct {
	Retries int
	Timeout time.Duration
}

func (o DeliveryOptions) normalized() DeliveryOptions {
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	return o
}

// Dispatcher schedules deliveries that must complete even after the
// request that produced them has been answered.
type Dispatcher interface {
	DispatchBackchannel(ctx context.Context, t *BackchannelTask, opts DeliveryOptions) error
	DispatchWebhook(ctx context.Context, t *WebhookTask, opts DeliveryOptions) error
	Close() error
}

// Deliverer executes the actual HTTP sends. Both the asynq worker and the
// in-process pool run their tasks through one of these.
type Deliverer struct {
	client *http.Client
	box    *secretbox.Box
	log    *common.Logger
}

// NewDeliverer builds a Deliverer. client may be nil; box is required only
// when webhook tasks carry sealed secrets.
func NewDeliverer(client *http.Client, box *secretbox.Box, log *common.Logger) *Deliverer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = common.NewSilentLogger()
	}
	return &Deliverer{client: client, box: box, log: log}
}

// SendBackchannel POSTs the logout token form-encoded, per OpenID
// Back-Channel Logout. Any non-2xx answer is an error so the scheduler
// retries.
func (d *Deliverer) SendBackchannel(ctx context.Context, t *BackchannelTask) error {
	form := url.Values{"logout_token": {t.LogoutToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URI, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("backchannel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("backchannel post %s: %w", t.ClientID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backchannel post %s: status %d", t.ClientID, resp.StatusCode)
	}
	d.log.Debug().Str("client_id", t.ClientID).Msg("Backchannel logout delivered")
	return nil
}

// SendWebhook opens the sealed secret, signs the body and POSTs it. The
// plaintext secret exists only inside this call.
func (d *Deliverer) SendWebhook(ctx context.Context, t *WebhookTask) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(t.Body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if len(t.SecretEnc) > 0 {
		if d.box == nil {
			return fmt.Errorf("webhook %s: sealed secret but no key configured", t.ClientID)
		}
		secret, err := d.box.Open(t.SecretEnc)
		if err != nil {
			return fmt.Errorf("webhook %s: open secret: %w", t.ClientID, err)
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(t.Body)
		req.Header.Set(SignatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post %s: %w", t.ClientID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook post %s: status %d", t.ClientID, resp.StatusCode)
	}
	d.log.Debug().Str("client_id", t.ClientID).Msg("Webhook delivered")
	return nil
}
