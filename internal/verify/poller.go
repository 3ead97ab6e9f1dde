package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPollTimeout  = 10 * time.Minute
)

// Challenge statuses reported by the solver service.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// PollerOpts holds parameters for creating a Poller.
type PollerOpts struct {
	Server   string // solver base URL
	Resolver Resolver
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
	Logger   zerolog.Logger
}

// Poller submits challenges to a solver service and polls it for the
// outcome.
type Poller struct {
	server   string
	resolver Resolver
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	log      zerolog.Logger
}

// NewPoller creates a Poller.
func NewPoller(opts PollerOpts) (*Poller, error) {
	if opts.Server == "" {
		return nil, fmt.Errorf("verify: solver server is required")
	}
	if opts.Resolver.Accounts == nil {
		return nil, fmt.Errorf("verify: resolver accounts are required")
	}
	p := &Poller{
		server:   strings.TrimRight(opts.Server, "/"),
		resolver: opts.Resolver,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		client:   opts.Client,
		log:      opts.Logger,
	}
	if p.interval <= 0 {
		p.interval = defaultPollInterval
	}
	if p.timeout <= 0 {
		p.timeout = defaultPollTimeout
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 30 * time.Second}
	}
	return p, nil
}

type submitRequest struct {
	AccountID string `json:"account_id"`
	URL       string `json:"url"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// HandOff submits the challenge and blocks until the solver reports an
// outcome or the timeout passes. Either way the outcome is applied.
func (p *Poller) HandOff(ctx context.Context, accountID, verifyURL string) error {
	id, err := p.submit(ctx, submitRequest{AccountID: accountID, URL: verifyURL})
	if err != nil {
		return err
	}
	p.log.Info().Str("account", accountID).Str("challenge", id).Msg("verification submitted to solver")

	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	outcome, err := p.poll(pctx, id)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		outcome = statusResponse{Status: StatusFailed, Reason: "timed out"}
	}
	return p.resolver.Resolve(ctx, Outcome{
		AccountID: accountID,
		Success:   outcome.Status == StatusSuccess,
		Reason:    outcome.Reason,
	})
}

func (p *Poller) submit(ctx context.Context, body submitRequest) (string, error) {
	var resp submitResponse
	if err := p.do(ctx, http.MethodPost, p.server+"/", body, &resp); err != nil {
		return "", fmt.Errorf("verify: submit challenge: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("verify: submit challenge: empty id")
	}
	return resp.ID, nil
}

var errPending = errors.New("verify: challenge pending")

// poll asks the solver for the challenge status every interval until it
// reports an outcome or ctx is done.
func (p *Poller) poll(ctx context.Context, id string) (statusResponse, error) {
	endpoint := p.server + "/status/" + url.PathEscape(id)
	var st statusResponse
	err := retry.Do(
		func() error {
			st = statusResponse{}
			if err := p.do(ctx, http.MethodGet, endpoint, nil, &st); err != nil {
				return err
			}
			if st.Status == StatusSuccess || st.Status == StatusFailed {
				return nil
			}
			return errPending
		},
		retry.Attempts(0),
		retry.Delay(p.interval),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if !errors.Is(err, errPending) {
				p.log.Debug().Err(err).Str("challenge", id).Uint("attempt", n).Msg("poll solver")
			}
		}),
	)
	if ctx.Err() != nil {
		return statusResponse{}, ctx.Err()
	}
	if err != nil {
		return statusResponse{}, err
	}
	return st, nil
}

func (p *Poller) do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}
