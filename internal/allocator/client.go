package allocator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"vesselctl/internal/identity"
	"vesselctl/internal/model"
)

const (
	HeaderIdentity  = "X-Vessel-Identity"
	HeaderKey       = "X-Vessel-Key"
	HeaderTimestamp = "X-Vessel-Timestamp"
	HeaderSignature = "X-Vessel-Signature"
)

// ClientOptions tunes the HTTP client.
type ClientOptions struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client is a thin HTTP client for an allocation gateway.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

var _ Allocator = (*Client)(nil)

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Client{
		baseURL: normalizeBaseURL(baseURL),
		http: &http.Client{
			Timeout: opts.Timeout,
		},
		limiter: rate.NewLimiter(limit, opts.Burst),
	}
}

// ValidateSlotType reports whether the gateway advertises t.
func (c *Client) ValidateSlotType(ctx context.Context, t model.SlotType) (bool, error) {
	var resp SlotTypesResponse
	if err := c.getJSON(ctx, nil, "/v1/slot-types", &resp); err != nil {
		return false, err
	}
	for _, advertised := range resp.Types {
		if strings.EqualFold(advertised, string(t)) {
			return true, nil
		}
	}
	return false, nil
}

// MaxSlots returns the identity's vessel credit ceiling.
func (c *Client) MaxSlots(ctx context.Context, id *identity.Identity) (int, error) {
	acct, err := c.account(ctx, id)
	if err != nil {
		return 0, err
	}
	return acct.MaxVessels, nil
}

// Port returns the port assigned to the identity.
func (c *Client) Port(ctx context.Context, id *identity.Identity) (int, error) {
	acct, err := c.account(ctx, id)
	if err != nil {
		return 0, err
	}
	return acct.Port, nil
}

func (c *Client) account(ctx context.Context, id *identity.Identity) (AccountResponse, error) {
	var resp AccountResponse
	err := c.getJSON(ctx, id, "/v1/account", &resp)
	return resp, err
}

// Acquire leases n vessels of type t. Handles the gateway returns in a
// form that cannot be parsed are reported in a *MalformedHandlesError next
// to the leases that could be parsed.
func (c *Client) Acquire(ctx context.Context, id *identity.Identity, t model.SlotType, n int) ([]model.SlotHandle, error) {
	var resp HandlesResponse
	if err := c.postJSON(ctx, id, "/v1/vessels/acquire", AcquireRequest{SlotType: string(t), Count: n}, &resp); err != nil {
		return nil, &AllocationError{Op: "acquire", Err: err}
	}
	handles, err := parseHandles(resp.Handles)
	if err != nil {
		return handles, &AllocationError{Op: "acquire", Err: err}
	}
	return handles, nil
}

// Renew extends the leases of handles to the maximum expiry.
func (c *Client) Renew(ctx context.Context, id *identity.Identity, handles []model.SlotHandle) error {
	if err := c.postJSON(ctx, id, "/v1/vessels/renew", HandlesRequest{Handles: handleStrings(handles)}, nil); err != nil {
		return &AllocationError{Op: "renew", Err: err}
	}
	return nil
}

// Release gives handles back to the allocator.
func (c *Client) Release(ctx context.Context, id *identity.Identity, handles []model.SlotHandle) error {
	if err := c.postJSON(ctx, id, "/v1/vessels/release", HandlesRequest{Handles: handleStrings(handles)}, nil); err != nil {
		return &AllocationError{Op: "release", Err: err}
	}
	return nil
}

// Acquired lists every vessel currently leased by the identity.
func (c *Client) Acquired(ctx context.Context, id *identity.Identity) ([]model.SlotHandle, error) {
	var resp HandlesResponse
	if err := c.getJSON(ctx, id, "/v1/vessels", &resp); err != nil {
		return nil, &AllocationError{Op: "list", Err: err}
	}
	handles, err := parseHandles(resp.Handles)
	if err != nil {
		return handles, &AllocationError{Op: "list", Err: err}
	}
	return handles, nil
}

// Upload pushes the file at path to the vessel, gzip-compressed.
func (c *Client) Upload(ctx context.Context, id *identity.Identity, h model.SlotHandle, path string) error {
	if err := c.upload(ctx, id, h, path); err != nil {
		return &CommunicationError{Op: "upload", Handle: h, Err: err}
	}
	return nil
}

func (c *Client) upload(ctx context.Context, id *identity.Identity, h model.SlotHandle, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	endpoint := vesselPath(h, "files", url.PathEscape(filepath.Base(path)))
	req, err := c.newRequest(ctx, id, http.MethodPut, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "gzip")
	res, err := c.send(req)
	if err != nil {
		return err
	}
	return res.Body.Close()
}

// Start launches the uploaded program on the vessel.
func (c *Client) Start(ctx context.Context, id *identity.Identity, h model.SlotHandle, path string, args []string) error {
	req := StartRequest{Program: filepath.Base(path), Args: args}
	if req.Args == nil {
		req.Args = []string{}
	}
	if err := c.postJSON(ctx, id, vesselPath(h, "start"), req, nil); err != nil {
		return &LaunchError{Handle: h, Err: err}
	}
	return nil
}

// Status returns the vessel's reported state.
func (c *Client) Status(ctx context.Context, id *identity.Identity, h model.SlotHandle) (model.VesselStatus, error) {
	var resp StatusResponse
	if err := c.getJSON(ctx, id, vesselPath(h, "status"), &resp); err != nil {
		return "", &CommunicationError{Op: "status", Handle: h, Err: err}
	}
	return model.VesselStatus(resp.Status), nil
}

// RemoteLog fetches the program's own log from the vessel.
func (c *Client) RemoteLog(ctx context.Context, id *identity.Identity, h model.SlotHandle) (string, error) {
	req, err := c.newRequest(ctx, id, http.MethodGet, vesselPath(h, "log"), nil)
	if err != nil {
		return "", &CommunicationError{Op: "log", Handle: h, Err: err}
	}
	res, err := c.send(req)
	if err != nil {
		return "", &CommunicationError{Op: "log", Handle: h, Err: err}
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", &CommunicationError{Op: "log", Handle: h, Err: err}
	}
	return string(body), nil
}

// Location describes where nodeID is. Lookup failures yield a fallback.
func (c *Client) Location(ctx context.Context, nodeID string) string {
	var resp LocationResponse
	endpoint := "/v1/nodes/" + url.PathEscape(nodeID) + "/location"
	if err := c.getJSON(ctx, nil, endpoint, &resp); err != nil || resp.Location == "" {
		return fmt.Sprintf("unknown location (node %s)", nodeID)
	}
	return resp.Location
}

func (c *Client) postJSON(ctx context.Context, id *identity.Identity, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, id, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.send(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *Client) getJSON(ctx context.Context, id *identity.Identity, path string, out any) error {
	req, err := c.newRequest(ctx, id, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	res, err := c.send(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	return json.NewDecoder(res.Body).Decode(out)
}

// newRequest builds a request and, when id is set, signs method, path and
// timestamp with the identity's key.
func (c *Client) newRequest(ctx context.Context, id *identity.Identity, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return req, nil
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := id.Sign(SigningPayload(method, path, ts))
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	req.Header.Set(HeaderIdentity, id.Username)
	req.Header.Set(HeaderKey, id.AuthorizedKey())
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(ssh.Marshal(sig)))
	return req, nil
}

// send waits for the rate limiter, performs the request and turns non-2xx
// responses into errors that carry the status and body.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return nil, fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return nil, fmt.Errorf("request failed: %s", res.Status)
	}
	return res, nil
}

// SigningPayload is the byte string covered by a request signature.
func SigningPayload(method, path, timestamp string) []byte {
	return []byte(method + "\n" + path + "\n" + timestamp)
}

func vesselPath(h model.SlotHandle, parts ...string) string {
	return "/v1/vessels/" + url.PathEscape(string(h)) + "/" + strings.Join(parts, "/")
}

func handleStrings(handles []model.SlotHandle) []string {
	out := make([]string, len(handles))
	for i, h := range handles {
		out[i] = string(h)
	}
	return out
}

// parseHandles keeps every value that parses. The rest are returned in a
// *MalformedHandlesError.
func parseHandles(values []string) ([]model.SlotHandle, error) {
	out := make([]model.SlotHandle, 0, len(values))
	var bad []string
	for _, v := range values {
		h, err := model.ParseSlotHandle(v)
		if err != nil {
			bad = append(bad, v)
			continue
		}
		out = append(out, h)
	}
	if len(bad) > 0 {
		return out, &MalformedHandlesError{Values: bad}
	}
	return out, nil
}

func normalizeBaseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}
