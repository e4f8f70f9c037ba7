package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CIBA delivery modes.
const (
	CIBADeliveryPoll = "poll"
	CIBADeliveryPing = "ping"
	CIBADeliveryPush = "push"
)

// CIBARequest is the backchannel-authentication specialization of
// Challenge, keyed by auth_req_id. Token issuance consumes the underlying
// challenge, so the issued flag can never flip twice.
type CIBARequest struct {
	AuthReqID      string    `json:"auth_req_id"`
	TenantID       string    `json:"tenant_id,omitempty"`
	ClientID       string    `json:"client_id"`
	Scope          string    `json:"scope"`
	LoginHint      string    `json:"login_hint,omitempty"`
	BindingMessage string    `json:"binding_message,omitempty"`
	DeliveryMode   string    `json:"delivery_mode"`
	NotifyToken    string    `json:"client_notification_token,omitempty"`
	Status         string    `json:"status"`
	UserID         string    `json:"user_id,omitempty"`
	Interval       int       `json:"interval"` // seconds
	LastPoll       time.Time `json:"last_poll,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// CIBARequests issues, decides and redeems backchannel authentication
// requests.
type CIBARequests struct {
	store      Store
	shardCount int
}

// NewCIBARequests creates the CIBA facade.
func NewCIBARequests(store Store, shardCount int) *CIBARequests {
	if shardCount < 1 {
		shardCount = 1
	}
	return &CIBARequests{store: store, shardCount: shardCount}
}

// New opens a backchannel authentication request.
func (r *CIBARequests) New(ctx context.Context, req *CIBARequest, ttl time.Duration) (*CIBARequest, error) {
	now := time.Now()
	req.AuthReqID = MintID("ciba", "", r.shardCount)
	req.Status = DeviceStatusPending
	req.ExpiresAt = now.Add(ttl)
	if req.DeliveryMode == "" {
		req.DeliveryMode = CIBADeliveryPoll
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal ciba request: %w", err)
	}
	if err := r.store.Put(ctx, &Challenge{
		ID:        req.AuthReqID,
		Kind:      KindCIBARequest,
		SubjectID: req.LoginHint,
		Secret:    string(payload),
		CreatedAt: now,
		ExpiresAt: req.ExpiresAt,
	}); err != nil {
		return nil, err
	}
	return req, nil
}

// Decide records the authenticating user's decision.
func (r *CIBARequests) Decide(ctx context.Context, authReqID, userID string, approved bool) error {
	_, err := r.store.Update(ctx, authReqID, func(c *Challenge) error {
		req, err := decodeCIBA(c)
		if err != nil {
			return err
		}
		if req.Status != DeviceStatusPending {
			return fmt.Errorf("%w: already decided", ErrPredicateMismatch)
		}
		if approved {
			req.Status = DeviceStatusApproved
			req.UserID = userID
		} else {
			req.Status = DeviceStatusDenied
		}
		return encodeCIBA(c, req)
	})
	return err
}

// Redeem services one token-endpoint attempt for auth_req_id. The issued
// flag is the consume itself: exactly one redeem can ever succeed.
func (r *CIBARequests) Redeem(ctx context.Context, authReqID, clientID string) (*CIBARequest, error) {
	now := time.Now()

	var status string
	_, err := r.store.Update(ctx, authReqID, func(c *Challenge) error {
		req, err := decodeCIBA(c)
		if err != nil {
			return err
		}
		if req.ClientID != clientID {
			return fmt.Errorf("%w: client mismatch", ErrPredicateMismatch)
		}
		if req.DeliveryMode != CIBADeliveryPush &&
			!req.LastPoll.IsZero() && now.Sub(req.LastPoll) < time.Duration(req.Interval)*time.Second {
			req.LastPoll = now
			status = "slow_down"
		} else {
			req.LastPoll = now
			status = req.Status
		}
		return encodeCIBA(c, req)
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
		_ = r.store.Delete(ctx, authReqID)
		return nil, ErrPollDenied
	}

	ch, err := r.store.Consume(ctx, authReqID, func(c *Challenge) error {
		req, err := decodeCIBA(c)
		if err != nil {
			return err
		}
		if req.Status != DeviceStatusApproved {
			return fmt.Errorf("%w: not approved", ErrPredicateMismatch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeCIBA(ch)
}

var errNotCIBA = errors.New("challenge: not a ciba request")

func decodeCIBA(c *Challenge) (*CIBARequest, error) {
	if c.Kind != KindCIBARequest {
		return nil, fmt.Errorf("%w: %w", ErrPredicateMismatch, errNotCIBA)
	}
	var req CIBARequest
	if err := json.Unmarshal([]byte(c.Secret), &req); err != nil {
		return nil, fmt.Errorf("unmarshal ciba request: %w", err)
	}
	return &req, nil
}

func encodeCIBA(c *Challenge, req *CIBARequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.Secret = string(payload)
	return nil
}
