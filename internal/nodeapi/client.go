// Package nodeapi provides a typed HTTP client for a remote node's API
// surface: health, peers, channels, balances, sessions, and message sending.
package nodeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/mixnet-ct/internal/log"
	"github.com/Klingon-tech/mixnet-ct/pkg/types"
)

const apiPrefix = "/api/v3"

// API is the node surface the engine's components consume. Satisfied by
// *Client; tests substitute fakes.
type API interface {
	Health(ctx context.Context) error
	Addresses(ctx context.Context) (Addresses, error)
	Info(ctx context.Context) (Info, error)
	Peers(ctx context.Context, minQuality float64) ([]PeerRecord, error)
	Channels(ctx context.Context, includeClosed bool) (ChannelGraph, error)
	Balances(ctx context.Context) (Balances, error)
	OpenChannel(ctx context.Context, destination string, amountWei string) (string, error)
	FundChannel(ctx context.Context, channelID string, amountWei string) error
	CloseChannel(ctx context.Context, channelID string) error
	OpenSession(ctx context.Context, req SessionRequest) (Session, error)
	CloseSession(ctx context.Context, s Session) error
	ListSessions(ctx context.Context) ([]Session, error)
	SendMessage(ctx context.Context, destination, relayer string, body []byte) error
	PopMessages(ctx context.Context) ([]InboxMessage, error)
	TicketPrice(ctx context.Context) (float64, error)
	WinningProbability(ctx context.Context) (float64, error)
}

// Client is a typed HTTP client for one remote node.
type Client struct {
	host   string
	token  string
	http   *http.Client
	logger zerolog.Logger
}

// New creates a client for the node at host, authenticating with the given
// API key. Every call is bounded by timeout; no call blocks indefinitely.
func New(host, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		host:   strings.TrimRight(host, "/"),
		token:  apiKey,
		http:   &http.Client{Timeout: timeout},
		logger: log.API.With().Str("node", host).Logger(),
	}
}

// Host returns the node's base URL.
func (c *Client) Host() string { return c.host }

// Health checks the node's liveness endpoint. A nil return means healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/healthyz", nil, nil)
}

// Addresses returns the node's own peer id and native address.
func (c *Client) Addresses(ctx context.Context) (Addresses, error) {
	var out Addresses
	if err := c.call(ctx, http.MethodGet, "/account/addresses", nil, &out); err != nil {
		return Addresses{}, err
	}
	return out, nil
}

// Info returns the node's self-reported version and network.
func (c *Client) Info(ctx context.Context) (Info, error) {
	var out Info
	if err := c.call(ctx, http.MethodGet, "/node/info", nil, &out); err != nil {
		return Info{}, err
	}
	return out, nil
}

// Peers lists the peers the node currently sees with quality at or above
// minQuality.
func (c *Client) Peers(ctx context.Context, minQuality float64) ([]PeerRecord, error) {
	var out struct {
		Connected []PeerRecord `json:"connected"`
	}
	path := fmt.Sprintf("/node/peers?quality=%s", url.QueryEscape(fmt.Sprintf("%g", minQuality)))
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Connected, nil
}

// Channels lists the node's channel graph. With includeClosed, closed
// channels are returned too.
func (c *Client) Channels(ctx context.Context, includeClosed bool) (ChannelGraph, error) {
	var out ChannelGraph
	path := "/channels?fullTopology=true"
	if includeClosed {
		path += "&includingClosed=true"
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return ChannelGraph{}, err
	}
	return out, nil
}

// Balances returns the node's and its safe's token balances.
func (c *Client) Balances(ctx context.Context) (Balances, error) {
	var raw struct {
		Native             string `json:"native"`
		Token              string `json:"token"`
		SafeNative         string `json:"safeNative"`
		SafeToken          string `json:"safeToken"`
		SafeTokenAllowance string `json:"safeTokenAllowance"`
	}
	if err := c.call(ctx, http.MethodGet, "/account/balances", nil, &raw); err != nil {
		return Balances{}, err
	}

	var out Balances
	fields := []struct {
		name string
		src  string
		dst  *float64
	}{
		{"native", raw.Native, &out.Native},
		{"token", raw.Token, &out.Token},
		{"safeNative", raw.SafeNative, &out.SafeNative},
		{"safeToken", raw.SafeToken, &out.SafeToken},
		{"safeTokenAllowance", raw.SafeTokenAllowance, &out.SafeTokenAllowance},
	}
	for _, f := range fields {
		v, err := types.TokensFromWei(f.src)
		if err != nil {
			return Balances{}, &APIError{Message: fmt.Sprintf("balance %s: %v", f.name, err)}
		}
		*f.dst = v
	}
	return out, nil
}

// OpenChannel opens an outgoing channel to the given native address and
// returns the new channel id.
func (c *Client) OpenChannel(ctx context.Context, destination string, amountWei string) (string, error) {
	body := map[string]string{"destination": destination, "amount": amountWei}
	var out struct {
		ChannelID string `json:"channelId"`
	}
	if err := c.call(ctx, http.MethodPost, "/channels", body, &out); err != nil {
		return "", err
	}
	return out.ChannelID, nil
}

// FundChannel tops an open channel up.
func (c *Client) FundChannel(ctx context.Context, channelID string, amountWei string) error {
	body := map[string]string{"amount": amountWei}
	return c.call(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/fund", body, nil)
}

// CloseChannel initiates or finalizes channel closure.
func (c *Client) CloseChannel(ctx context.Context, channelID string) error {
	return c.call(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, nil)
}

// OpenSession opens a relay session through req.Relayer to req.Destination.
func (c *Client) OpenSession(ctx context.Context, req SessionRequest) (Session, error) {
	protocol := req.Protocol
	if protocol == "" {
		protocol = SessionUDP
	}
	body := map[string]interface{}{
		"destination": req.Destination,
		"listenHost":  req.ListenHost,
		"path":        map[string]interface{}{"intermediatePath": []string{req.Relayer}},
	}
	var out Session
	if err := c.call(ctx, http.MethodPost, "/session/"+string(protocol), body, &out); err != nil {
		return Session{}, err
	}
	out.Relayer = req.Relayer
	out.Protocol = protocol
	return out, nil
}

// CloseSession tears the remote session down.
func (c *Client) CloseSession(ctx context.Context, s Session) error {
	path := fmt.Sprintf("/session/%s/%s/%d", s.Protocol, url.PathEscape(s.IP), s.Port)
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

// ListSessions returns the sessions the node has open.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.call(ctx, http.MethodGet, "/session/"+string(SessionUDP), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage relays one message to destination through relayer.
func (c *Client) SendMessage(ctx context.Context, destination, relayer string, body []byte) error {
	payload := map[string]interface{}{
		"destination": destination,
		"path":        []string{relayer},
		"body":        string(body),
	}
	return c.call(ctx, http.MethodPost, "/messages", payload, nil)
}

// PopMessages drains the node's message inbox and returns what arrived
// since the last call.
func (c *Client) PopMessages(ctx context.Context) ([]InboxMessage, error) {
	var out struct {
		Messages []InboxMessage `json:"messages"`
	}
	if err := c.call(ctx, http.MethodPost, "/messages/pop-all", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// TicketPrice returns the current network ticket price in token units.
func (c *Client) TicketPrice(ctx context.Context) (float64, error) {
	var out struct {
		Price string `json:"price"`
	}
	if err := c.call(ctx, http.MethodGet, "/network/price", nil, &out); err != nil {
		return 0, err
	}
	v, err := types.TokensFromWei(out.Price)
	if err != nil {
		return 0, &APIError{Message: fmt.Sprintf("ticket price: %v", err)}
	}
	return v, nil
}

// WinningProbability returns the current ticket winning probability.
func (c *Client) WinningProbability(ctx context.Context) (float64, error) {
	var out struct {
		Probability float64 `json:"probability"`
	}
	if err := c.call(ctx, http.MethodGet, "/network/probability", nil, &out); err != nil {
		return 0, err
	}
	return out.Probability, nil
}

// call performs one request. Responses outside 2xx become APIErrors; the
// transport timeout is the client-wide hard limit, tightened further when the
// caller's context expires sooner.
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+apiPrefix+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Auth-Token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return wrapTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}
