package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sbtc/oss-medical-record/internal/domain"
	executor "github.com/sbtc/oss-medical-record/internal/execution/executor"
	"github.com/sbtc/oss-medical-record/internal/platform/auth"
	"github.com/sbtc/oss-medical-record/internal/platform/requestid"
)

const (
	MethodDeploy = "deployer_deploy"
	MethodCall   = "deployer_call"
	MethodRead   = "deployer_read"

	maxResponseBytes = 4 << 20
)

// ErrTransport marks failures to reach the endpoint or decode its reply, as
// opposed to errors the endpoint reported.
var ErrTransport = errors.New("rpc transport")

// Deployer speaks JSON-RPC 2.0 to a deployment gateway in front of the
// ledger. Every request carries its own timeout; the caller's context only
// contributes values.
type Deployer struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
	nextID  atomic.Int64
	now     func() time.Time
}

type Option func(*Deployer)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Deployer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(d *Deployer) {
		if client != nil {
			d.client = client
		}
	}
}

func New(ctx context.Context, cfg Config, opts ...Option) (*Deployer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Deployer{
		url:     strings.TrimSpace(cfg.URL),
		timeout: cfg.Timeout,
		client:  &http.Client{},
		logger:  slog.New(slog.DiscardHandler),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	client, err := auth.HTTPClient(ctx, cfg.Auth, d.client)
	if err != nil {
		return nil, fmt.Errorf("rpc auth: %w", err)
	}
	d.client = client
	return d, nil
}

type deployParams struct {
	RunID        string `json:"runId,omitempty"`
	Network      string `json:"network,omitempty"`
	Component    string `json:"component"`
	Artifact     string `json:"artifact"`
	Args         []any  `json:"args"`
	LogicAddress string `json:"logicAddress,omitempty"`
}

type deployResult struct {
	Address      string `json:"address"`
	LogicAddress string `json:"logicAddress,omitempty"`
}

type callParams struct {
	RunID     string `json:"runId,omitempty"`
	Network   string `json:"network,omitempty"`
	Component string `json:"component,omitempty"`
	Address   string `json:"address"`
	Method    string `json:"method"`
	Args      []any  `json:"args"`
}

type callResult struct {
	TxHash string `json:"txHash,omitempty"`
	Value  any    `json:"value,omitempty"`
}

func (d *Deployer) Deploy(ctx context.Context, req executor.DeployRequest) (domain.DeployedHandle, error) {
	params := deployParams{
		RunID:        req.RunID,
		Network:      req.Network,
		Component:    req.Component,
		Artifact:     req.Artifact,
		Args:         nonNilArgs(req.Args),
		LogicAddress: req.LogicAddress,
	}
	var out deployResult
	if err := d.invoke(ctx, MethodDeploy, params, &out); err != nil {
		return domain.DeployedHandle{}, &executor.DeploymentError{Component: req.Component, Artifact: req.Artifact, Err: err}
	}
	if strings.TrimSpace(out.Address) == "" {
		return domain.DeployedHandle{}, &executor.DeploymentError{
			Component: req.Component,
			Artifact:  req.Artifact,
			Err:       fmt.Errorf("%w: deploy result has no address", ErrTransport),
		}
	}
	logic := out.LogicAddress
	if logic == "" {
		logic = req.LogicAddress
	}
	return domain.DeployedHandle{
		Component:    req.Component,
		Artifact:     req.Artifact,
		Address:      out.Address,
		LogicAddress: logic,
		DeployedAt:   d.now().UTC(),
	}, nil
}

func (d *Deployer) Call(ctx context.Context, req executor.CallRequest) (executor.CallResult, error) {
	return d.call(ctx, MethodCall, req)
}

func (d *Deployer) Read(ctx context.Context, req executor.CallRequest) (executor.CallResult, error) {
	return d.call(ctx, MethodRead, req)
}

func (d *Deployer) call(ctx context.Context, method string, req executor.CallRequest) (executor.CallResult, error) {
	params := callParams{
		RunID:     req.RunID,
		Network:   req.Network,
		Component: req.Component,
		Address:   req.Address,
		Method:    req.Method,
		Args:      nonNilArgs(req.Args),
	}
	var out callResult
	if err := d.invoke(ctx, method, params, &out); err != nil {
		return executor.CallResult{}, &executor.InvocationError{Component: req.Component, Address: req.Address, Method: req.Method, Err: err}
	}
	return executor.CallResult{TxHash: out.TxHash, Value: out.Value}, nil
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Error is an error object returned by the endpoint. Its message is the
// collaborator's verbatim cause.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func (d *Deployer) invoke(ctx context.Context, method string, params any, out any) error {
	id := d.nextID.Add(1)
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: []any{params}})
	if err != nil {
		return fmt.Errorf("%w: encode request: %w", ErrTransport, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if rid, err := requestid.New(); err == nil {
		httpReq.Header.Set("X-Request-Id", rid)
	}

	start := d.now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrTransport, err)
	}
	d.logger.Debug("rpc request completed",
		"method", method,
		"id", id,
		"status", resp.StatusCode,
		"duration_ms", d.now().Sub(start).Milliseconds(),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: unexpected status %d: %s", ErrTransport, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrTransport, err)
	}
	if decoded.ID != id {
		return fmt.Errorf("%w: response id %d does not match request id %d", ErrTransport, decoded.ID, id)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if len(decoded.Result) == 0 || string(decoded.Result) == "null" {
		return nil
	}
	// Ledger values routinely exceed 2^53; numbers stay json.Number.
	dec := json.NewDecoder(bytes.NewReader(decoded.Result))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: decode result: %w", ErrTransport, err)
	}
	return nil
}

func nonNilArgs(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}
