// Package logout terminates sessions and propagates the termination to
// every client that obtained tokens under them: front-channel iframes,
// signed back-channel logout tokens, and webhook notifications. The
// session↔client rows are read before anything cascades, so fan-out
// targets survive the delete. Delivery itself runs on a Dispatcher and
// outlives the request that scheduled it.
package logout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/devicesecret"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/refresh"
	"github.com/authrim/authrim/internal/secretbox"
	"github.com/authrim/authrim/internal/session"
	"github.com/authrim/authrim/internal/token"
)

// Termination causes recorded on events and audit rows.
const (
	CauseFrontChannel = "front_channel"
	CauseBackChannel  = "back_channel"
	CauseAdmin        = "admin"
)

// Deps carries the orchestrator's collaborators. Dispatcher, Bus, Audit
// and Log may be nil; nil Dispatcher selects an in-process pool.
type Deps struct {
	Sessions       session.Store
	SessionClients session.ClientIndex
	Clients        *clients.Store
	Minter         *token.Minter
	Refresh        *refresh.Manager
	DeviceSecrets  *devicesecret.Manager
	Provider       *config.Provider
	WebhookBox     *secretbox.Box
	Dispatcher     Dispatcher
	Bus            events.Bus
	Audit          audit.Recorder
	CookieSameSite http.SameSite
	Log            *common.Logger
}

// Orchestrator owns session termination and logout fan-out.
type Orchestrator struct {
	sessions       session.Store
	sessionClients session.ClientIndex
	clients        *clients.Store
	minter         *token.Minter
	refresh        *refresh.Manager
	deviceSecrets  *devicesecret.Manager
	provider       *config.Provider
	dispatcher     Dispatcher
	bus            events.Bus
	audit          audit.Recorder
	sameSite       http.SameSite
	log            *common.Logger
}

func NewOrchestrator(d Deps) *Orchestrator {
	if d.Bus == nil {
		d.Bus = events.NopBus{}
	}
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	if d.Log == nil {
		d.Log = common.NewSilentLogger()
	}
	if d.Dispatcher == nil {
		d.Dispatcher = NewPool(NewDeliverer(nil, d.WebhookBox, d.Log), 0, d.Log)
	}
	if d.CookieSameSite == 0 {
		d.CookieSameSite = http.SameSiteLaxMode
	}
	return &Orchestrator{
		sessions:       d.Sessions,
		sessionClients: d.SessionClients,
		clients:        d.Clients,
		minter:         d.Minter,
		refresh:        d.Refresh,
		deviceSecrets:  d.DeviceSecrets,
		provider:       d.Provider,
		dispatcher:     d.Dispatcher,
		bus:            d.Bus,
		audit:          d.Audit,
		sameSite:       d.CookieSameSite,
		log:            d.Log,
	}
}

// Close drains the dispatcher. Call on shutdown after the HTTP server has
// stopped accepting requests.
func (o *Orchestrator) Close() error {
	return o.dispatcher.Close()
}

// TerminateParams names one session to destroy.
type TerminateParams struct {
	SessionID string
	ClientID  string // initiating client, when known
	Tenant    string
	Cause     string
}

// Termination reports what one Terminate call actually did. The second of
// two concurrent calls on the same session observes Destroyed == false and
// triggers no fan-out, no events and no audit row.
type Termination struct {
	SessionID    string
	UserID       string
	Destroyed    bool
	FrontChannel []*session.SessionClient
	Backchannel  int
	Webhooks     int
}

// Terminate destroys one session and schedules logout fan-out for every
// client registered under it. Fan-out targets are collected before the
// session and its client rows are deleted. Absent sessions are a benign
// no-op; only transport failures surface as errors.
func (o *Orchestrator) Terminate(ctx context.Context, p TerminateParams) (*Termination, error) {
	term := &Termination{SessionID: p.SessionID}

	sess, err := o.sessions.Get(ctx, p.SessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return term, nil
	case err != nil:
		return nil, err
	}
	term.UserID = sess.UserID

	links, err := o.sessionClients.ForSession(ctx, p.SessionID)
	if err != nil {
		// The user still gets logged out; only the fan-out degrades.
		o.log.Warn().Err(err).Str("session_id", p.SessionID).Msg("Logout fan-out collection failed")
		links = nil
	}

	destroyed, err := o.sessions.Invalidate(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if !destroyed {
		return term, nil
	}
	term.Destroyed = true

	if o.deviceSecrets != nil {
		if n, err := o.deviceSecrets.RevokeForSession(ctx, p.SessionID); err != nil {
			o.log.Warn().Err(err).Str("session_id", p.SessionID).Msg("Device secret revocation failed")
		} else if n > 0 {
			o.log.Info().Int("count", n).Str("session_id", p.SessionID).Msg("Revoked session device secrets")
		}
	}
	if o.refresh != nil {
		for _, link := range links {
			if err := o.refresh.Revoke(ctx, sess.UserID, link.ClientID, refresh.ReasonUserLogout); err != nil {
				o.log.Warn().Err(err).Str("client_id", link.ClientID).Msg("Refresh family revocation failed")
			}
		}
	}
	if err := o.sessionClients.DeleteForSession(ctx, p.SessionID); err != nil {
		o.log.Warn().Err(err).Str("session_id", p.SessionID).Msg("Session client cascade failed")
	}

	for _, link := range links {
		if link.FrontchannelLogoutURI != "" {
			term.FrontChannel = append(term.FrontChannel, link)
		}
	}
	term.Backchannel = o.fanOutBackchannel(ctx, sess, links)
	term.Webhooks = o.fanOutWebhooks(ctx, sess, links, p.ClientID)

	o.bus.Publish(events.SessionUserDestroyed, p.Tenant, map[string]any{
		"session_id": p.SessionID,
		"user_id":    sess.UserID,
		"cause":      p.Cause,
	})
	o.bus.Publish(events.UserLogout, p.Tenant, map[string]any{
		"user_id":    sess.UserID,
		"session_id": p.SessionID,
		"client_id":  p.ClientID,
	})
	o.audit.Record(ctx, &audit.Entry{
		Action:    audit.ActionSessionDestroyed,
		ActorID:   sess.UserID,
		ClientID:  p.ClientID,
		SessionID: p.SessionID,
		TenantID:  p.Tenant,
		Detail:    map[string]any{"cause": p.Cause, "backchannel": term.Backchannel, "webhooks": term.Webhooks},
	})

	o.log.Info().
		Str("session_id", p.SessionID).
		Str("user_id", sess.UserID).
		Str("cause", p.Cause).
		Int("backchannel", term.Backchannel).
		Int("frontchannel", len(term.FrontChannel)).
		Int("webhooks", term.Webhooks).
		Msg("Session terminated")
	return term, nil
}

// fanOutBackchannel signs one logout token per back-channel client and
// hands it to the dispatcher. Signing happens here, while the key ring is
// warm; the worker only delivers.
func (o *Orchestrator) fanOutBackchannel(ctx context.Context, sess *session.Session, links []*session.SessionClient) int {
	ttl := o.provider.GetDuration(ctx, config.KeyLogoutTokenTTL)
	opts := DeliveryOptions{
		Retries: o.provider.GetInt(ctx, config.KeyLogoutBackchannelRetries),
		Timeout: o.provider.GetDuration(ctx, config.KeyLogoutBackchannelTimeout),
	}
	dispatched := 0
	for _, link := range links {
		if link.BackchannelLogoutURI == "" {
			continue
		}
		signed, err := o.minter.MintLogoutToken(ctx, sess.UserID, sess.ID, link.ClientID, ttl)
		if err != nil {
			o.log.Error().Err(err).Str("client_id", link.ClientID).Msg("Logout token mint failed")
			continue
		}
		task := &BackchannelTask{ClientID: link.ClientID, URI: link.BackchannelLogoutURI, LogoutToken: signed}
		if err := o.dispatcher.DispatchBackchannel(ctx, task, opts); err != nil {
			o.log.Warn().Err(err).Str("client_id", link.ClientID).Msg("Backchannel dispatch failed")
			continue
		}
		dispatched++
	}
	return dispatched
}

// fanOutWebhooks schedules one signed webhook POST per subscribed client.
// The sealed secret travels with the task and is opened only inside the
// delivery worker.
func (o *Orchestrator) fanOutWebhooks(ctx context.Context, sess *session.Session, links []*session.SessionClient, initiator string) int {
	opts := DeliveryOptions{
		Retries: o.provider.GetInt(ctx, config.KeyLogoutWebhookRetries),
		Timeout: o.provider.GetDuration(ctx, config.KeyLogoutWebhookTimeout),
	}
	dispatched := 0
	for _, link := range links {
		if link.WebhookURL == "" {
			continue
		}
		body, err := json.Marshal(webhookEvent{
			Event:     "session.logout",
			UserID:    sess.UserID,
			SessionID: sess.ID,
			ClientID:  link.ClientID,
			Initiator: initiator,
			IssuedAt:  time.Now().Unix(),
		})
		if err != nil {
			continue
		}
		task := &WebhookTask{ClientID: link.ClientID, URL: link.WebhookURL, SecretEnc: link.WebhookSecretEnc, Body: body}
		if err := o.dispatcher.DispatchWebhook(ctx, task, opts); err != nil {
			o.log.Warn().Err(err).Str("client_id", link.ClientID).Msg("Webhook dispatch failed")
			continue
		}
		dispatched++
	}
	return dispatched
}

// webhookEvent is the JSON body POSTed to webhook subscribers.
type webhookEvent struct {
	Event     string `json:"event"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
	Initiator string `json:"initiator,omitempty"`
	IssuedAt  int64  `json:"iat"`
}
