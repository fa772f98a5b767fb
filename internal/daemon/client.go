// Package daemon implements the Daemon Client: a JSON-RPC client over
// HTTP(S) fanning calls out across an ordered set of endpoints, with
// retry/backoff and an optional websocket push-subscription mode, per
// spec.md §2/§4.3/§6.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"multipool/internal/jsonx"
	"multipool/internal/logging"
)

const (
	retryDelay      = 500 * time.Millisecond
	retryMaxDelay   = 5 * time.Second
	retryJitterFrac = 0.2
	defaultTimeout  = 30 * time.Second
)

// syncPollInterval is how often CheckReadiness re-polls a daemon still in
// initial block download before letting the caller proceed. A var, not a
// const, so tests can shrink it rather than wait out the real interval.
var syncPollInterval = 5 * time.Second

// blockchainInfo is the subset of bitcoind's getblockchaininfo response
// CheckReadiness needs to decide whether a daemon has finished syncing.
type blockchainInfo struct {
	Blocks               int64   `json:"blocks"`
	Headers              int64   `json:"headers"`
	VerificationProgress float64 `json:"verificationprogress"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     uint64          `json:"id"`
}

// httpStatusError carries a non-2xx HTTP status when the body held no
// usable JSON-RPC error envelope.
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// Endpoint describes one configured daemon target (PoolConfig.daemons[]).
type Endpoint struct {
	URL         string
	User        string
	Pass        string
	WebsocketURL string // non-empty enables push mode for this endpoint
}

// endpointClient is one live HTTP(S) connection to an Endpoint.
type endpointClient struct {
	ep        Endpoint
	http      *http.Client
	nextID    atomic.Uint64
	connected atomic.Bool
	unhealthy atomic.Bool
}

// Client fans calls out across an ordered list of endpoints, per
// spec.md §6's "execute on any healthy endpoint vs execute on all
// endpoints" modes.
type Client struct {
	endpoints []*endpointClient
	logger    *logging.Logger
}

// New constructs a Client over the given ordered endpoint list.
func New(endpoints []Endpoint, l *logging.Logger) *Client {
	clients := make([]*endpointClient, 0, len(endpoints))
	for _, ep := range endpoints {
		clients = append(clients, &endpointClient{
			ep:   ep,
			http: &http.Client{Timeout: defaultTimeout},
		})
	}
	return &Client{endpoints: clients, logger: l}
}

// CallCtx satisfies hashfamily.RPCClient: it calls the first healthy
// endpoint, retrying with backoff, falling through to the next endpoint
// once an endpoint's own retries are exhausted.
func (c *Client) CallCtx(ctx context.Context, method string, params any, out any) error {
	return c.CallAny(ctx, method, params, out)
}

// CallAny executes method against endpoints in order until one succeeds,
// satisfying spec.md §6's "execute on any healthy endpoint" mode.
func (c *Client) CallAny(ctx context.Context, method string, params, out any) error {
	if len(c.endpoints) == 0 {
		return errors.New("daemon: no endpoints configured")
	}
	var lastErr error
	for _, ep := range c.endpoints {
		err := c.callWithRetry(ctx, ep, method, params, out)
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Warn("daemon endpoint failed, trying next", "endpoint", ep.ep.URL, "error", err)
	}
	return lastErr
}

// CallAll executes method against every endpoint, satisfying spec.md §6's
// "execute on all endpoints" mode (e.g. broadcasting a submitted block).
// It reports whether any endpoint succeeded and returns all errors
// encountered; each successful endpoint decodes into out in turn, so out
// holds the result of the last endpoint that succeeded.
func (c *Client) CallAll(ctx context.Context, method string, params, out any) (anySucceeded bool, errs []error) {
	for _, ep := range c.endpoints {
		err := c.callWithRetry(ctx, ep, method, params, out)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		anySucceeded = true
	}
	return anySucceeded, errs
}

// Healthy reports whether at least one configured endpoint is currently
// reachable.
func (c *Client) Healthy() bool {
	for _, ep := range c.endpoints {
		if ep.connected.Load() && !ep.unhealthy.Load() {
			return true
		}
	}
	return false
}

// endpointReadiness pairs an endpoint with the getblockchaininfo result
// used to decide sync state.
type endpointReadiness struct {
	ep   *endpointClient
	info blockchainInfo
}

// CheckReadiness implements spec.md §4.3's startup preconditions: every
// configured endpoint must be reachable, with an unauthorized (401)
// response treated as a fatal misconfiguration rather than a transient
// failure; at least one endpoint must report a nonzero peer count; and
// the (first) healthy endpoint must report it is no longer in initial
// block download before the caller may proceed, with progress logged
// while it waits. Grounded on Client's own performCall JSON-RPC dispatch,
// generalized to bitcoind's getblockchaininfo/getpeerinfo calls.
func (c *Client) CheckReadiness(ctx context.Context) error {
	if len(c.endpoints) == 0 {
		return errors.New("daemon: no endpoints configured")
	}

	var healthy []endpointReadiness
	for _, ep := range c.endpoints {
		var info blockchainInfo
		if err := c.performCall(ctx, ep, "getblockchaininfo", nil, &info); err != nil {
			var statusErr *httpStatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
				return fmt.Errorf("daemon: endpoint %s rejected credentials, fatal startup error: %w", endpointLabel(ep.ep.URL), err)
			}
			ep.unhealthy.Store(true)
			return fmt.Errorf("daemon: endpoint %s unreachable during startup check, fatal startup error: %w", endpointLabel(ep.ep.URL), err)
		}
		ep.connected.Store(true)
		ep.unhealthy.Store(false)
		healthy = append(healthy, endpointReadiness{ep: ep, info: info})
	}
	if len(healthy) == 0 {
		return errors.New("daemon: no endpoint reached healthy state, fatal startup error")
	}

	anyPeers := false
	for _, hs := range healthy {
		var peers []json.RawMessage
		if err := c.performCall(ctx, hs.ep, "getpeerinfo", nil, &peers); err != nil {
			c.logger.Warn("daemon: getpeerinfo failed", "endpoint", endpointLabel(hs.ep.ep.URL), "error", err)
			continue
		}
		if len(peers) > 0 {
			anyPeers = true
			break
		}
	}
	if !anyPeers {
		return errors.New("daemon: no endpoint reports any connected peers, fatal startup error")
	}

	primary := healthy[0]
	for primary.info.InitialBlockDownload {
		c.logger.Info("daemon syncing, delaying job manager start",
			"endpoint", endpointLabel(primary.ep.ep.URL),
			"blocks", primary.info.Blocks, "headers", primary.info.Headers,
			"progress", primary.info.VerificationProgress)
		if err := sleepContext(ctx, syncPollInterval); err != nil {
			return err
		}
		if err := c.performCall(ctx, primary.ep, "getblockchaininfo", nil, &primary.info); err != nil {
			return fmt.Errorf("daemon: re-checking sync state on %s: %w", endpointLabel(primary.ep.ep.URL), err)
		}
	}
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, ep *endpointClient, method string, params, out any) error {
	// maxEndpointRetries bounds the retries spent on one endpoint so that
	// CallAny can fall through to the next endpoint.
	const maxEndpointRetries = 3
	retry := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.performCall(ctx, ep, method, params, out)
		if err == nil {
			ep.unhealthy.Store(false)
			ep.connected.Store(true)
			return nil
		}
		if isConnectivityError(err) {
			ep.unhealthy.Store(true)
		}
		if !shouldRetry(err) || retry >= maxEndpointRetries {
			return err
		}
		retry++
		if err := sleepContext(ctx, retryDelayWithBackoff(retry)); err != nil {
			return err
		}
	}
}

func (c *Client) performCall(ctx context.Context, ep *endpointClient, method string, params, out any) error {
	id := ep.nextID.Add(1)
	reqObj := rpcRequest{Jsonrpc: "1.0", ID: id, Method: method, Params: params}
	body, err := jsonx.Marshal(reqObj)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.ep.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if ep.ep.User != "" || ep.ep.Pass != "" {
		req.SetBasicAuth(ep.ep.User, ep.ep.Pass)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ep.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var rpcResp rpcResponse
	if jsonErr := jsonx.Unmarshal(data, &rpcResp); jsonErr != nil {
		if resp.StatusCode != http.StatusOK {
			return &httpStatusError{StatusCode: resp.StatusCode, Body: string(data)}
		}
		return jsonErr
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil && len(rpcResp.Result) > 0 {
		return jsonx.Unmarshal(rpcResp.Result, out)
	}
	return nil
}

func isConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode >= 500
	}
	return false
}

func shouldRetry(err error) bool {
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		return false
	}
	return isConnectivityError(err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryDelayWithBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return retryDelay
	}
	delay := retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			delay = retryMaxDelay
			break
		}
	}
	low := 1 - retryJitterFrac
	high := 1 + retryJitterFrac
	jitter := low + (high-low)*rand.Float64()
	delay = time.Duration(float64(delay) * jitter)
	if delay <= 0 {
		delay = time.Millisecond
	}
	return delay
}

func endpointLabel(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "(unknown)"
	}
	u, err := url.Parse(raw)
	if err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}

// Subscribe implements job.PushSource: it dials the first endpoint that
// advertises a WebsocketURL and streams decoded template pushes,
// satisfying spec.md §4.3's push mode ("if the daemon supports websocket
// subscription... the manager subscribes and accepts asynchronous
// pushes"). The teacher's own code never exercises this path (it only
// polls); this wiring is the one case where the pack's module graph
// carries a dependency the teacher itself never imports directly — see
// DESIGN.md.
func (c *Client) Subscribe(ctx context.Context) (<-chan any, error) {
	var target Endpoint
	found := false
	for _, ep := range c.endpoints {
		if ep.ep.WebsocketURL != "" {
			target = ep.ep
			found = true
			break
		}
	}
	if !found {
		return nil, errors.New("daemon: no endpoint configured for websocket push")
	}

	out := make(chan any)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target.WebsocketURL, nil)
	if err != nil {
		return nil, fmt.Errorf("daemon: websocket dial %s: %w", endpointLabel(target.WebsocketURL), err)
	}

	go func() {
		defer close(out)
		defer conn.Close()
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.logger.Warn("daemon websocket read failed", "endpoint", target.WebsocketURL, "error", err)
				return
			}
			var tmpl any
			if err := jsonx.Unmarshal(data, &tmpl); err != nil {
				c.logger.Warn("daemon websocket push decode failed", "error", err)
				continue
			}
			select {
			case out <- tmpl:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
