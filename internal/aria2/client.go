// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package aria2

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// forcePause/forceRemove semantics and getGlobalStat.numStoppedTotal need 1.18.
var minSupportedVersion = semver.MustParse("1.18.0")

const (
	// DefaultURL is aria2's stock --rpc-listen-port endpoint.
	DefaultURL = "http://127.0.0.1:6800/jsonrpc"

	// listPageSize bounds tellWaiting/tellStopped pages.
	listPageSize = 1000

	globalStatKey          = "global"
	globalStatTTL          = time.Second
	minHealthCheckInterval = 5 * time.Second
	maxResponseSize        = 32 << 20
)

type Config struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	UserAgent  string
	HTTPClient *http.Client
}

// Client is a typed JSON-RPC client for a single aria2 daemon.
type Client struct {
	endpoint  string
	secret    string
	userAgent string
	http      *http.Client

	statCache *ttlcache.Cache[string, GlobalStat]

	mu          sync.RWMutex
	version     string
	features    map[string]struct{}
	isSupported bool

	healthMu        sync.RWMutex
	isHealthy       bool
	lastHealthCheck time.Time
}

func NewClient(cfg Config) *Client {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		endpoint = DefaultURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		endpoint:    endpoint,
		secret:      cfg.Secret,
		userAgent:   cfg.UserAgent,
		http:        httpClient,
		isSupported: true,
		statCache: ttlcache.New(ttlcache.Options[string, GlobalStat]{}.
			SetDefaultTTL(globalStatTTL)),
	}
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// call performs one JSON-RPC round trip and decodes the result into out (when non-nil).
func (c *Client) call(ctx context.Context, method string, out any, params ...any) error {
	rpcParams := make([]any, 0, len(params)+1)
	if c.secret != "" {
		rpcParams = append(rpcParams, "token:"+c.secret)
	}
	rpcParams = append(rpcParams, params...)

	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  rpcParams,
	})
	if err != nil {
		return errors.Wrapf(err, "encode %s request", method)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "build %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// A caller giving up says nothing about the daemon.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.updateHealthStatus(false)
		return &ConnectionError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.updateHealthStatus(false)
		return &ConnectionError{Method: method, Err: errors.Wrap(err, "read response")}
	}

	// aria2 answers JSON-RPC errors with HTTP 400, so decode before looking at the status code.
	var rpcResp rpcResponse
	if decodeErr := json.Unmarshal(body, &rpcResp); decodeErr != nil || (rpcResp.Error == nil && rpcResp.Result == nil) {
		c.updateHealthStatus(false)
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &ConnectionError{Method: method, Err: fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)}
		}
		if decodeErr != nil {
			return &ConnectionError{Method: method, Err: errors.Wrap(decodeErr, "decode response")}
		}
		return &ConnectionError{Method: method, Err: ErrEmptyResponse}
	}

	c.updateHealthStatus(true)

	if rpcResp.Error != nil {
		return &CommandError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}

	if out == nil {
		return nil
	}

	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return errors.Wrap(ErrEmptyResponse, method)
	}

	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return errors.Wrapf(err, "decode %s result", method)
	}
	return nil
}

func (c *Client) listDownloads(ctx context.Context, method string, params ...any) ([]Download, error) {
	var wire []wireDownload
	if err := c.call(ctx, method, &wire, params...); err != nil {
		return nil, err
	}

	downloads := make([]Download, 0, len(wire))
	for _, w := range wire {
		d, err := w.convert()
		if err != nil {
			log.Warn().Err(err).Str("method", method).Str("gid", w.GID).Msg("Skipping malformed download record")
			continue
		}
		downloads = append(downloads, d)
	}
	return downloads, nil
}

func (c *Client) TellActive(ctx context.Context) ([]Download, error) {
	return c.listDownloads(ctx, "aria2.tellActive", statusKeys)
}

func (c *Client) TellWaiting(ctx context.Context) ([]Download, error) {
	return c.listDownloads(ctx, "aria2.tellWaiting", 0, listPageSize, statusKeys)
}

func (c *Client) TellStopped(ctx context.Context) ([]Download, error) {
	return c.listDownloads(ctx, "aria2.tellStopped", 0, listPageSize, statusKeys)
}

// TellStatus returns the requested fields for one download; no keys means all fields.
func (c *Client) TellStatus(ctx context.Context, gid string, keys ...string) (Download, error) {
	params := []any{gid}
	if len(keys) > 0 {
		params = append(params, keys)
	}

	var wire wireDownload
	if err := c.call(ctx, "aria2.tellStatus", &wire, params...); err != nil {
		return Download{}, err
	}
	if wire.GID == "" {
		wire.GID = gid
	}
	return wire.convert()
}

func (c *Client) GetFiles(ctx context.Context, gid string) ([]File, error) {
	var wire []wireFile
	if err := c.call(ctx, "aria2.getFiles", &wire, gid); err != nil {
		return nil, err
	}
	return convertFiles(wire)
}

func (c *Client) gidCall(ctx context.Context, method, gid string) (string, error) {
	var result string
	if err := c.call(ctx, method, &result, gid); err != nil {
		return "", err
	}
	c.statCache.Delete(globalStatKey)
	return result, nil
}

// Pause uses forcePause so BitTorrent downloads do not wait for tracker unregistration.
func (c *Client) Pause(ctx context.Context, gid string) (string, error) {
	return c.gidCall(ctx, "aria2.forcePause", gid)
}

func (c *Client) Unpause(ctx context.Context, gid string) (string, error) {
	return c.gidCall(ctx, "aria2.unpause", gid)
}

// Remove force-removes an active or waiting download and falls back to dropping
// the download result when the daemon already stopped it.
func (c *Client) Remove(ctx context.Context, gid string) (string, error) {
	result, err := c.gidCall(ctx, "aria2.forceRemove", gid)
	if err == nil {
		return result, nil
	}
	if !IsCommandError(err) {
		return "", err
	}

	log.Trace().Err(err).Str("gid", gid).Msg("forceRemove rejected, removing download result")

	if resultErr := c.RemoveDownloadResult(ctx, gid); resultErr != nil {
		return "", resultErr
	}
	return gid, nil
}

func (c *Client) RemoveDownloadResult(ctx context.Context, gid string) error {
	var ok string
	if err := c.call(ctx, "aria2.removeDownloadResult", &ok, gid); err != nil {
		return err
	}
	c.statCache.Delete(globalStatKey)
	return nil
}

func (c *Client) PurgeDownloadResult(ctx context.Context) error {
	var ok string
	if err := c.call(ctx, "aria2.purgeDownloadResult", &ok); err != nil {
		return err
	}
	c.statCache.Delete(globalStatKey)
	return nil
}

func (c *Client) AddURI(ctx context.Context, uris []string, opts Options) (string, error) {
	if len(uris) == 0 {
		return "", errors.New("no uris to add")
	}
	if opts == nil {
		opts = Options{}
	}

	var gid string
	if err := c.call(ctx, "aria2.addUri", &gid, uris, opts); err != nil {
		return "", err
	}
	c.statCache.Delete(globalStatKey)
	return gid, nil
}

// AddMagnet submits a magnet link; aria2 takes those through addUri.
func (c *Client) AddMagnet(ctx context.Context, link string, opts Options) (string, error) {
	if !c.SupportsBitTorrent() {
		return "", ErrBitTorrentDisabled
	}
	return c.AddURI(ctx, []string{link}, opts)
}

// AddTorrent uploads raw .torrent content.
func (c *Client) AddTorrent(ctx context.Context, torrent []byte, opts Options) (string, error) {
	if !c.SupportsBitTorrent() {
		return "", ErrBitTorrentDisabled
	}
	if opts == nil {
		opts = Options{}
	}

	var gid string
	encoded := base64.StdEncoding.EncodeToString(torrent)
	if err := c.call(ctx, "aria2.addTorrent", &gid, encoded, []string{}, opts); err != nil {
		return "", err
	}
	c.statCache.Delete(globalStatKey)
	return gid, nil
}

func (c *Client) ChangeGlobalOption(ctx context.Context, opts Options) error {
	if len(opts) == 0 {
		return nil
	}
	var ok string
	return c.call(ctx, "aria2.changeGlobalOption", &ok, opts)
}

func (c *Client) GetGlobalOption(ctx context.Context) (Options, error) {
	var opts Options
	if err := c.call(ctx, "aria2.getGlobalOption", &opts); err != nil {
		return nil, err
	}
	return opts, nil
}

// GetGlobalStat is cached briefly; the UI and the reconciler poll it on overlapping timers.
func (c *Client) GetGlobalStat(ctx context.Context) (GlobalStat, error) {
	if stat, found := c.statCache.Get(globalStatKey); found {
		return stat, nil
	}

	var wire wireGlobalStat
	if err := c.call(ctx, "aria2.getGlobalStat", &wire); err != nil {
		return GlobalStat{}, err
	}

	stat, err := wire.convert()
	if err != nil {
		return GlobalStat{}, errors.Wrap(err, "aria2.getGlobalStat")
	}

	c.statCache.Set(globalStatKey, stat, ttlcache.DefaultTTL)
	return stat, nil
}

func (c *Client) GetVersion(ctx context.Context) (Version, error) {
	var v Version
	if err := c.call(ctx, "aria2.getVersion", &v); err != nil {
		return Version{}, err
	}
	return v, nil
}

// RefreshVersion fetches the daemon version and feature list and recalculates support flags.
func (c *Client) RefreshVersion(ctx context.Context) error {
	v, err := c.GetVersion(ctx)
	if err != nil {
		return err
	}

	version := strings.TrimSpace(v.Version)
	if version == "" {
		return errors.New("aria2 version is empty")
	}

	c.mu.Lock()
	previous := c.version
	c.applyVersionLocked(version, v.EnabledFeatures)
	supported := c.isSupported
	c.mu.Unlock()

	if previous != version {
		event := log.Debug()
		if !supported {
			event = log.Warn()
		}
		event.
			Str("version", version).
			Str("minimum", minSupportedVersion.String()).
			Bool("supported", supported).
			Strs("features", v.EnabledFeatures).
			Msg("Detected aria2 daemon")
	}

	return nil
}

func (c *Client) applyVersionLocked(version string, features []string) {
	c.version = version
	c.features = make(map[string]struct{}, len(features))
	for _, f := range features {
		c.features[f] = struct{}{}
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		log.Warn().Err(err).Str("version", version).Msg("Failed to parse aria2 version; assuming supported")
		c.isSupported = true
		return
	}
	c.isSupported = !v.LessThan(minSupportedVersion)
}

func (c *Client) DaemonVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *Client) IsSupported() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isSupported
}

// SupportsBitTorrent reports false only once the daemon confirmed it lacks the feature.
func (c *Client) SupportsBitTorrent() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.features == nil {
		return true
	}
	_, ok := c.features["BitTorrent"]
	return ok
}

func (c *Client) updateHealthStatus(healthy bool) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.isHealthy = healthy
	c.lastHealthCheck = time.Now()
}

func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.isHealthy
}

func (c *Client) GetLastHealthCheck() time.Time {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.lastHealthCheck
}

func (c *Client) HealthCheck(ctx context.Context) error {
	if c.IsHealthy() && time.Since(c.GetLastHealthCheck()) < minHealthCheckInterval {
		return nil
	}

	if err := c.RefreshVersion(ctx); err != nil {
		c.updateHealthStatus(false)
		return errors.Wrap(err, "health check failed")
	}
	return nil
}

// TestConnection probes the daemon, retrying transient transport failures a few times.
func (c *Client) TestConnection(ctx context.Context) bool {
	err := retry.Do(
		func() error {
			return c.RefreshVersion(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsConnectionError),
	)
	if err != nil {
		log.Debug().Err(err).Str("endpoint", c.endpoint).Msg("aria2 connection test failed")
		return false
	}
	return true
}

func (c *Client) Close() {
	c.statCache.Close()
}
