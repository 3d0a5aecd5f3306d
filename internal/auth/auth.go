// Package auth obtains and checks runner credentials against the server.
//
// Login runs a device authorization flow: the server hands out a short user
// code and a verification URL, the operator approves it in a browser, and the
// runner polls until a token is issued or the flow times out.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/hatchway/runner/internal/credential"
)

const (
	// AuthTimeout is the maximum time to wait for the operator to approve a login.
	AuthTimeout = 5 * time.Minute
	// DefaultPollInterval applies when the server does not suggest one.
	DefaultPollInterval = 5 * time.Second
	// slowDownStep is added to the poll interval on a slow_down response.
	slowDownStep = 5 * time.Second

	deviceCodePath  = "/api/runner/auth/device"
	deviceTokenPath = "/api/runner/auth/device/token"
	validatePath    = "/api/runner/auth/validate"
)

// Validity is the outcome of a credential validation round trip.
type Validity string

const (
	Valid   Validity = "valid"
	Expired Validity = "expired"
	Revoked Validity = "revoked"
)

// Options configures an Authenticator.
type Options struct {
	Store      *credential.Store
	HTTPClient *http.Client
	// Out receives operator-facing instructions (code and URL).
	Out io.Writer
	// OpenBrowser is attempted once per login; failures are ignored.
	OpenBrowser func(url string) error
	// MaxWait bounds the polling loop. Defaults to AuthTimeout.
	MaxWait time.Duration
	// PollInterval overrides the server-suggested interval when non-zero.
	PollInterval time.Duration
	Clock        func() time.Time
	Logger       *slog.Logger
}

// Authenticator performs login, validation and logout.
type Authenticator struct {
	store        *credential.Store
	httpClient   *http.Client
	out          io.Writer
	openBrowser  func(string) error
	maxWait      time.Duration
	pollInterval time.Duration
	clock        func() time.Time
	logger       *slog.Logger
}

// New creates an Authenticator.
func New(opts Options) *Authenticator {
	a := &Authenticator{
		store:        opts.Store,
		httpClient:   opts.HTTPClient,
		out:          opts.Out,
		openBrowser:  opts.OpenBrowser,
		maxWait:      opts.MaxWait,
		pollInterval: opts.PollInterval,
		clock:        opts.Clock,
		logger:       opts.Logger,
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if a.out == nil {
		a.out = io.Discard
	}
	if a.maxWait <= 0 {
		a.maxWait = AuthTimeout
	}
	if a.clock == nil {
		a.clock = time.Now
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

type deviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	Interval                int    `json:"interval"`
	ExpiresIn               int    `json:"expires_in"`
}

type tokenResponse struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expires_at"`
	Error     string     `json:"error"`
}

// Login runs the interactive device flow against serverURL and persists the
// resulting credential. A persistence failure is logged and the credential is
// still returned.
func (a *Authenticator) Login(ctx context.Context, serverURL string) (*credential.Credential, error) {
	serverURL = strings.TrimRight(serverURL, "/")

	var code deviceCodeResponse
	status, err := a.postJSON(ctx, serverURL+deviceCodePath, map[string]string{"client": "hatchway-runner"}, &code)
	if err != nil {
		return nil, &Error{Kind: KindServer, Msg: "request device code", Err: err}
	}
	if status != http.StatusOK || code.DeviceCode == "" {
		return nil, &Error{Kind: KindServer, Msg: fmt.Sprintf("device code request returned status %d", status)}
	}

	verifyURL := code.VerificationURIComplete
	if verifyURL == "" {
		verifyURL = code.VerificationURI
	}
	fmt.Fprintf(a.out, "\nTo authorize this runner, open:\n\n  %s\n\nand enter the code: %s\n\n", verifyURL, code.UserCode)
	if a.openBrowser != nil && verifyURL != "" {
		if err := a.openBrowser(verifyURL); err != nil {
			a.logger.Debug("could not open browser", "error", err)
		}
	}

	interval := a.pollInterval
	if interval <= 0 {
		interval = time.Duration(code.Interval) * time.Second
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	wait := a.maxWait
	if code.ExpiresIn > 0 {
		if server := time.Duration(code.ExpiresIn) * time.Second; server < wait {
			wait = server
		}
	}

	pollCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	cred, err := a.poll(pollCtx, serverURL, code.DeviceCode, interval)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Msg: fmt.Sprintf("login not approved within %v", wait)}
		}
		return nil, err
	}
	cred.ServerURL = serverURL

	if a.store != nil {
		if err := a.store.Save(cred); err != nil {
			a.logger.Warn("login succeeded but the credential could not be saved; it will only last for this session",
				"path", a.store.Path(), "error", err)
		}
	}
	return cred, nil
}

func (a *Authenticator) poll(ctx context.Context, serverURL, deviceCode string, interval time.Duration) (*credential.Credential, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		var tok tokenResponse
		status, err := a.postJSON(ctx, serverURL+deviceTokenPath, map[string]string{"device_code": deviceCode}, &tok)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Transient network failures keep the flow alive until the deadline.
			a.logger.Debug("login poll failed", "error", err)
			continue
		}

		if status == http.StatusOK && tok.Token != "" {
			return &credential.Credential{
				Token:     tok.Token,
				ExpiresAt: tok.ExpiresAt,
				CreatedAt: a.clock().UTC(),
			}, nil
		}

		switch tok.Error {
		case "authorization_pending", "":
			if status >= 500 {
				a.logger.Debug("login poll server error", "status", status)
			}
		case "slow_down":
			interval += slowDownStep
		case "access_denied":
			return nil, &Error{Kind: KindDenied, Msg: "login was denied"}
		case "expired_token":
			return nil, &Error{Kind: KindExpired, Msg: "login code expired"}
		default:
			return nil, &Error{Kind: KindServer, Msg: fmt.Sprintf("unexpected login response %q (status %d)", tok.Error, status)}
		}
	}
}

// Validate checks that the server still accepts cred. A credential whose
// recorded expiry has passed is reported Expired without a round trip.
func (a *Authenticator) Validate(ctx context.Context, serverURL string, cred *credential.Credential) (Validity, error) {
	if cred == nil || cred.Token == "" {
		return Revoked, nil
	}
	if cred.Expired(a.clock()) {
		return Expired, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+validatePath, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("validate credential: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return Valid, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
		if body.Error == "token_expired" {
			return Expired, nil
		}
		return Revoked, nil
	default:
		return "", fmt.Errorf("validate credential: unexpected status %d", resp.StatusCode)
	}
}

// Logout clears the stored credential. The token itself stays valid on the
// server until revoked there.
func (a *Authenticator) Logout() error {
	if a.store == nil {
		return nil
	}
	return a.store.Clear()
}

func (a *Authenticator) postJSON(ctx context.Context, url string, body any, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// OpenBrowser opens the default browser with the given URL.
func OpenBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return cmd.Start()
}
