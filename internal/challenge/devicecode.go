package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/authrim/authrim/internal/common"
)

// Device authorization states.
const (
	DeviceStatusPending  = "pending"
	DeviceStatusApproved = "approved"
	DeviceStatusDenied   = "denied"
)

var (
	// ErrPollPending means the user has not decided yet.
	ErrPollPending = errors.New("challenge: authorization pending")
	// ErrPollSlowDown means the client polled faster than the minimum interval.
	ErrPollSlowDown = errors.New("challenge: polling too fast")
	// ErrPollDenied means the user refused the request.
	ErrPollDenied = errors.New("challenge: authorization denied")
)

// DeviceCodeRecord is the device-flow specialization of Challenge.
type DeviceCodeRecord struct {
	DeviceCode string    `json:"device_code"`
	UserCode   string    `json:"user_code"`
	TenantID   string    `json:"tenant_id,omitempty"`
	ClientID   string    `json:"client_id"`
	Scope      string    `json:"scope"`
	Status     string    `json:"status"`
	UserID     string    `json:"user_id,omitempty"`
	Interval   int       `json:"interval"` // seconds
	LastPoll   time.Time `json:"last_poll,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// DeviceCodes issues, approves and redeems device-flow codes. The user
// code is stored as an alias record resolving to the device code.
type DeviceCodes struct {
	store      Store
	shardCount int
}

// NewDeviceCodes creates the device-flow facade.
func NewDeviceCodes(store Store, shardCount int) *DeviceCodes {
	if shardCount < 1 {
		shardCount = 1
	}
	return &DeviceCodes{store: store, shardCount: shardCount}
}

// New mints a device code and its user code.
func (d *DeviceCodes) New(ctx context.Context, tenantID, clientID, scope string, ttl time.Duration, interval int) (*DeviceCodeRecord, error) {
	now := time.Now()
	rec := &DeviceCodeRecord{
		DeviceCode: MintID("dc", "", d.shardCount),
		UserCode:   common.NewUserCode(),
		TenantID:   tenantID,
		ClientID:   clientID,
		Scope:      scope,
		Status:     DeviceStatusPending,
		Interval:   interval,
		ExpiresAt:  now.Add(ttl),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal device code record: %w", err)
	}
	if err := d.store.Put(ctx, &Challenge{
		ID:        rec.DeviceCode,
		Kind:      KindDeviceAuth,
		Secret:    string(payload),
		CreatedAt: now,
		ExpiresAt: rec.ExpiresAt,
	}); err != nil {
		return nil, err
	}
	// Alias: user code → device code, for the approval surface.
	if err := d.store.Put(ctx, &Challenge{
		ID:        userCodeAlias(rec.UserCode, d.shardCount),
		Kind:      KindDeviceAuth,
		Secret:    rec.DeviceCode,
		CreatedAt: now,
		ExpiresAt: rec.ExpiresAt,
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Resolve maps a user code (case and hyphen insensitive) to its pending
// device record.
func (d *DeviceCodes) Resolve(ctx context.Context, userCode string) (*DeviceCodeRecord, error) {
	alias, err := d.store.Get(ctx, userCodeAlias(userCode, d.shardCount))
	if err != nil {
		return nil, err
	}
	ch, err := d.store.Get(ctx, alias.Secret)
	if err != nil {
		return nil, err
	}
	return decodeDeviceCode(ch)
}

// Decide records the user's approval or denial against the user code.
func (d *DeviceCodes) Decide(ctx context.Context, userCode, userID string, approved bool) error {
	alias, err := d.store.Get(ctx, userCodeAlias(userCode, d.shardCount))
	if err != nil {
		return err
	}
	_, err = d.store.Update(ctx, alias.Secret, func(c *Challenge) error {
		rec, err := decodeDeviceCode(c)
		if err != nil {
			return err
		}
		if rec.Status != DeviceStatusPending {
			return fmt.Errorf("%w: already decided", ErrPredicateMismatch)
		}
		if approved {
			rec.Status = DeviceStatusApproved
			rec.UserID = userID
		} else {
			rec.Status = DeviceStatusDenied
		}
		return encodeDeviceCode(c, rec)
	})
	return err
}

// Poll services one token-endpoint poll. Sentinel errors map onto the
// device-flow wire codes: ErrPollSlowDown, ErrPollPending, ErrPollDenied,
// ErrExpired, ErrNotFound, ErrAlreadyConsumed (a second redeem after
// issuance). On approval the underlying challenge is consumed one-shot, so
// exactly one poll ever receives the record.
func (d *DeviceCodes) Poll(ctx context.Context, deviceCode, clientID string) (*DeviceCodeRecord, error) {
	now := time.Now()

	// Pacing and status bookkeeping first; the one-shot consume only fires
	// for approved requests.
	var status string
	_, err := d.store.Update(ctx, deviceCode, func(c *Challenge) error {
		rec, err := decodeDeviceCode(c)
		if err != nil {
			return err
		}
		if rec.ClientID != clientID {
			return fmt.Errorf("%w: client mismatch", ErrPredicateMismatch)
		}
		if !rec.LastPoll.IsZero() && now.Sub(rec.LastPoll) < time.Duration(rec.Interval)*time.Second {
			rec.LastPoll = now
			status = "slow_down"
		} else {
			rec.LastPoll = now
			status = rec.Status
		}
		return encodeDeviceCode(c, rec)
	})
	if err != nil {
		return nil, err
	}

	switch status {
	case "slow_down":
		return nil, ErrPollSlowDown
	case DeviceStatusPending:
		return nil, ErrPollPending
	case DeviceStatusDenied:
		_ = d.store.Delete(ctx, deviceCode)
		return nil, ErrPollDenied
	}

	// Approved: consume one-shot.
	ch, err := d.store.Consume(ctx, deviceCode, func(c *Challenge) error {
		rec, err := decodeDeviceCode(c)
		if err != nil {
			return err
		}
		if rec.Status != DeviceStatusApproved {
			return fmt.Errorf("%w: not approved", ErrPredicateMismatch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeDeviceCode(ch)
}

func userCodeAlias(userCode string, shardCount int) string {
	normalized := strings.ToUpper(strings.ReplaceAll(userCode, "-", ""))
	return fmt.Sprintf("uc:%d:%s", Shard(normalized, shardCount), normalized)
}

func decodeDeviceCode(c *Challenge) (*DeviceCodeRecord, error) {
	if c.Kind != KindDeviceAuth {
		return nil, fmt.Errorf("%w: not a device code", ErrPredicateMismatch)
	}
	var rec DeviceCodeRecord
	if err := json.Unmarshal([]byte(c.Secret), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal device code record: %w", err)
	}
	return &rec, nil
}

func encodeDeviceCode(c *Challenge, rec *DeviceCodeRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	c.Secret = string(payload)
	return nil
}
