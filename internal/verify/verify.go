// Package verify 把新部署的合约提交到区块浏览器 (Etherscan 兼容 API) 做源码验证。
// 验证失败只记录告警，不影响部署结果。
package verify

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"VaultOps/internal/artifacts"
	"VaultOps/internal/config"
	"VaultOps/internal/contracts"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/storage"
	"VaultOps/pkg/logger"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPollAttempts = 6
)

// Source is the compiler input submitted for one contract type, read from
// <sources_dir>/<ContractType>.json.
type Source struct {
	CompilerVersion string          `json:"compilerVersion"`
	Input           json.RawMessage `json:"input"`
}

// Result records the verification outcome of one deployment.
type Result struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	GUID    string `json:"guid,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Observer receives per-contract verification outcomes.
type Observer interface {
	ObserveVerification(status string)
}

// Verifier submits deployments with bounded concurrency.
type Verifier struct {
	APIURL      string
	APIKey      string
	SourcesDir  string
	Artifacts   *artifacts.Store
	Concurrency int
	HTTPClient  *http.Client
	Observer    Observer

	PollInterval time.Duration
	PollAttempts int

	log *slog.Logger
}

// New builds a Verifier from configuration. The API key is read from the
// environment variable named by cfg.APIKeyEnv.
func New(cfg config.VerifyConfig, store *artifacts.Store) *Verifier {
	return &Verifier{
		APIURL:      cfg.APIURL,
		APIKey:      os.Getenv(cfg.APIKeyEnv),
		SourcesDir:  cfg.SourcesDir,
		Artifacts:   store,
		Concurrency: cfg.Concurrency,
		HTTPClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: logger.Named("verify"),
	}
}

func (v *Verifier) logger() *slog.Logger {
	if v.log != nil {
		return v.log
	}
	return logger.Named("verify")
}

// Verify 并发提交所有部署；每个合约的失败只记录 warn。
func (v *Verifier) Verify(ctx context.Context, deployments []storage.Deployment) {
	v.VerifyAll(ctx, deployments)
}

// VerifyAll is Verify returning the per-deployment results in input order.
func (v *Verifier) VerifyAll(ctx context.Context, deployments []storage.Deployment) []Result {
	results := make([]Result, len(deployments))
	limit := v.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, d := range deployments {
		g.Go(func() error {
			res := Result{Name: d.Name, Address: d.Address.Hex()}
			guid, err := v.verifyOne(gctx, d)
			res.GUID = guid
			switch {
			case err == nil:
				res.Status = "verified"
			case xerrors.HasCode(err, xerrors.CodeConflict):
				res.Status = "already_verified"
			default:
				res.Status = "failed"
				res.Error = err.Error()
				v.logger().Warn("合约验证失败", "contract", d.Name, "address", d.Address.Hex(), "code", xerrors.CodeOf(err), "error", err)
			}
			if res.Status != "failed" {
				v.logger().Info("合约已验证", "contract", d.Name, "address", d.Address.Hex(), "status", res.Status)
			}
			if v.Observer != nil {
				v.Observer.ObserveVerification(res.Status)
			}
			results[i] = res
			// 单个失败不取消其它提交。
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (v *Verifier) verifyOne(ctx context.Context, d storage.Deployment) (string, error) {
	if v.APIKey == "" {
		return "", failure("缺少区块浏览器 API key", d)
	}
	src, err := v.source(d.ContractType)
	if err != nil {
		return "", err
	}
	if v.Artifacts == nil {
		return "", failure("缺少编译产物目录", d)
	}
	art, err := v.Artifacts.Get(d.ContractType)
	if err != nil {
		return "", err
	}
	ctorArgs, err := constructorArgs(art, d.Args)
	if err != nil {
		return "", err
	}

	form := url.Values{
		"apikey":                {v.APIKey},
		"module":                {"contract"},
		"action":                {"verifysourcecode"},
		"contractaddress":       {d.Address.Hex()},
		"sourceCode":            {string(src.Input)},
		"codeformat":            {"solidity-standard-json-input"},
		"contractname":          {art.SourceName + ":" + art.Name},
		"compilerversion":       {src.CompilerVersion},
		"constructorArguements": {ctorArgs},
	}
	reply, err := v.post(ctx, form)
	if err != nil {
		return "", err
	}
	if reply.Status != "1" {
		if strings.Contains(strings.ToLower(reply.Result), "already verified") {
			return "", xerrors.New(xerrors.CodeConflict, "合约已验证")
		}
		return "", failure(fmt.Sprintf("提交被拒绝: %s %s", reply.Message, reply.Result), d)
	}
	guid := reply.Result
	return guid, v.poll(ctx, guid, d)
}

// poll 轮询 checkverifystatus，直到通过、失败或次数用尽。
func (v *Verifier) poll(ctx context.Context, guid string, d storage.Deployment) error {
	interval := v.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	attempts := v.PollAttempts
	if attempts <= 0 {
		attempts = defaultPollAttempts
	}
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		reply, err := v.get(ctx, url.Values{
			"apikey": {v.APIKey},
			"module": {"contract"},
			"action": {"checkverifystatus"},
			"guid":   {guid},
		})
		if err != nil {
			return err
		}
		result := strings.ToLower(reply.Result)
		switch {
		case reply.Status == "1":
			return nil
		case strings.Contains(result, "already verified"):
			return xerrors.New(xerrors.CodeConflict, "合约已验证")
		case strings.Contains(result, "pending"):
			continue
		default:
			return failure("验证未通过: "+reply.Result, d)
		}
	}
	return failure("等待验证结果超时", d)
}

type apiReply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  string `json:"result"`
}

func (v *Verifier) post(ctx context.Context, form url.Values) (apiReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.APIURL, strings.NewReader(form.Encode()))
	if err != nil {
		return apiReply{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造验证请求失败")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return v.do(req)
}

func (v *Verifier) get(ctx context.Context, query url.Values) (apiReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.APIURL+"?"+query.Encode(), nil)
	if err != nil {
		return apiReply{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造验证请求失败")
	}
	return v.do(req)
}

func (v *Verifier) do(req *http.Request) (apiReply, error) {
	client := v.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return apiReply{}, xerrors.Wrap(xerrors.CodeVerificationFailure, err, "请求区块浏览器失败")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apiReply{}, xerrors.Wrap(xerrors.CodeVerificationFailure, err, "读取区块浏览器响应失败")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return apiReply{}, xerrors.New(xerrors.CodeVerificationFailure, fmt.Sprintf("区块浏览器返回 %d", resp.StatusCode))
	}
	var reply apiReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return apiReply{}, xerrors.Wrap(xerrors.CodeVerificationFailure, err, "解析区块浏览器响应失败")
	}
	return reply, nil
}

func (v *Verifier) source(contractType string) (Source, error) {
	path := filepath.Join(v.SourcesDir, contractType+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return Source{}, xerrors.Wrap(xerrors.CodeArtifactNotFound, err, fmt.Sprintf("读取验证源码 %s 失败", path))
	}
	var src Source
	if err := json.Unmarshal(raw, &src); err != nil {
		return Source{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("解析验证源码 %s 失败", path))
	}
	if src.CompilerVersion == "" || len(src.Input) == 0 {
		return Source{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("验证源码 %s 缺少 compilerVersion 或 input", path))
	}
	return src, nil
}

// constructorArgs ABI-encodes the recorded constructor arguments, without 0x.
func constructorArgs(art artifacts.Artifact, raw json.RawMessage) (string, error) {
	inputs := art.ABI.Constructor.Inputs
	if len(inputs) == 0 {
		return "", nil
	}
	var values []any
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&values); err != nil {
			return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析构造参数失败")
		}
	}
	coerced, err := contracts.CoerceArgs(inputs, values)
	if err != nil {
		return "", err
	}
	packed, err := inputs.Pack(coerced...)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码构造参数失败")
	}
	return hex.EncodeToString(packed), nil
}

func failure(msg string, d storage.Deployment) error {
	return xerrors.New(xerrors.CodeVerificationFailure, msg,
		xerrors.WithMetadata("contract", d.Name),
		xerrors.WithMetadata("address", d.Address.Hex()))
}
