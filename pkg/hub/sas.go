package hub

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Signer produces the base64 HMAC-SHA256 signature of a SAS string-to-sign.
type Signer interface {
	Sign(ctx context.Context, data []byte) (string, error)
}

// KeySigner signs with a shared access key held in memory.
type KeySigner struct {
	key []byte
}

// NewKeySigner decodes a base64 shared access key.
func NewKeySigner(sharedAccessKey string) (*KeySigner, error) {
	key, err := base64.StdEncoding.DecodeString(sharedAccessKey)
	if err != nil {
		return nil, fmt.Errorf("decode shared access key: %w", err)
	}
	return &KeySigner{key: key}, nil
}

func (s *KeySigner) Sign(_ context.Context, data []byte) (string, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// sasToken builds "SharedAccessSignature sr=<uri>&sig=<sig>&se=<expiry>".
func sasToken(ctx context.Context, signer Signer, audience string, expiry time.Time) (string, error) {
	sr := url.QueryEscape(audience)
	se := strconv.FormatInt(expiry.Unix(), 10)
	sig, err := signer.Sign(ctx, []byte(sr+"\n"+se))
	if err != nil {
		return "", fmt.Errorf("sign sas token: %w", err)
	}
	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", sr, url.QueryEscape(sig), se), nil
}

// unixClient is an HTTP client that dials a unix domain socket regardless of the request host.
func unixClient(socket string) *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		},
	}
}

// socketPath turns "unix:///var/run/x.sock" into "/var/run/x.sock".
func socketPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse socket uri %q: %w", uri, err)
	}
	if u.Scheme != "unix" {
		return "", fmt.Errorf("unsupported socket uri scheme %q", u.Scheme)
	}
	return u.Path, nil
}

func postJSON(ctx context.Context, c *http.Client, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(c, req, out)
}

func getJSON(ctx context.Context, c *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return doJSON(c, req, out)
}

func doJSON(c *http.Client, req *http.Request, out any) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// WorkloadSigner signs through the edge runtime workload API.
type WorkloadSigner struct {
	client     *http.Client
	moduleID   string
	generation string
	apiVersion string
}

func (s *WorkloadSigner) Sign(ctx context.Context, data []byte) (string, error) {
	endpoint := fmt.Sprintf("http://workload/modules/%s/genid/%s/sign?api-version=%s",
		url.PathEscape(s.moduleID), url.PathEscape(s.generation), url.QueryEscape(s.apiVersion))
	in := map[string]string{
		"keyId": "primary",
		"algo":  "HMACSHA256",
		"data":  base64.StdEncoding.EncodeToString(data),
	}
	var out struct {
		Digest string `json:"digest"`
	}
	if err := postJSON(ctx, s.client, endpoint, in, &out); err != nil {
		return "", fmt.Errorf("workload sign: %w", err)
	}
	return out.Digest, nil
}

// KeydSigner signs through the key service with a key handle issued by the identity service.
type KeydSigner struct {
	client    *http.Client
	keyHandle string
}

func (s *KeydSigner) Sign(ctx context.Context, data []byte) (string, error) {
	in := map[string]any{
		"keyHandle": s.keyHandle,
		"algorithm": "HMAC-SHA256",
		"parameters": map[string]string{
			"message": base64.StdEncoding.EncodeToString(data),
		},
	}
	var out struct {
		Signature string `json:"signature"`
	}
	if err := postJSON(ctx, s.client, "http://keyd/sign?api-version=2020-09-01", in, &out); err != nil {
		return "", fmt.Errorf("keyd sign: %w", err)
	}
	return out.Signature, nil
}
