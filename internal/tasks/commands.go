// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tasks

import (
	"bytes"
	"context"
	"net/url"
	"os"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/ariasync/internal/aria2"
	"github.com/autobrr/ariasync/internal/models"
)

// maxTorrentFileSize bounds local .torrent files read for submission.
const maxTorrentFileSize = 32 << 20

// Daemon is the full command surface of the download daemon.
type Daemon interface {
	QueueReader
	Pause(ctx context.Context, gid string) (string, error)
	Unpause(ctx context.Context, gid string) (string, error)
	AddURI(ctx context.Context, uris []string, opts aria2.Options) (string, error)
	AddMagnet(ctx context.Context, link string, opts aria2.Options) (string, error)
	AddTorrent(ctx context.Context, torrent []byte, opts aria2.Options) (string, error)
	PurgeDownloadResult(ctx context.Context) error
	ChangeGlobalOption(ctx context.Context, opts aria2.Options) error
	TestConnection(ctx context.Context) bool
}

// SettingsRepository stores the download defaults applied to new tasks.
type SettingsRepository interface {
	Get(ctx context.Context) (*models.Settings, error)
	Update(ctx context.Context, settings *models.Settings) (*models.Settings, error)
}

// Triggerer schedules an out-of-cycle reconciliation.
type Triggerer interface {
	Trigger()
}

// ConnectionProber runs a health probe and records its outcome.
type ConnectionProber interface {
	Probe(ctx context.Context) bool
}

// SourceKind classifies what Add submits to the daemon.
type SourceKind string

const (
	SourceMagnet  SourceKind = "magnet"
	SourceURL     SourceKind = "url"
	SourceTorrent SourceKind = "torrent"
)

// BatchResult reports per-task outcomes of a bulk command.
type BatchResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

func (b *BatchResult) fail(gid string, err error) {
	if b.Failed == nil {
		b.Failed = make(map[string]string)
	}
	b.Failed[gid] = err.Error()
}

// AddResult is the outcome of one source in AddBatch.
type AddResult struct {
	Source string `json:"source"`
	GID    string `json:"gid,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Commands applies optimistic overlays, issues daemon RPCs and requests reconciliation.
type Commands struct {
	daemon     Daemon
	store      *Store
	reconciler Triggerer
	settings   SettingsRepository
	prober     ConnectionProber
	metrics    Recorder
}

func NewCommands(daemon Daemon, store *Store, reconciler Triggerer, settings SettingsRepository, prober ConnectionProber, metrics Recorder) *Commands {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Commands{
		daemon:     daemon,
		store:      store,
		reconciler: reconciler,
		settings:   settings,
		prober:     prober,
		metrics:    metrics,
	}
}

func (c *Commands) trigger() {
	if c.reconciler != nil {
		c.reconciler.Trigger()
	}
}

// Pause overlays paused, pauses on the daemon and reconciles.
func (c *Commands) Pause(ctx context.Context, gid string) error {
	defer c.trigger()
	return c.pause(ctx, gid)
}

func (c *Commands) pause(ctx context.Context, gid string) error {
	c.store.SetTargetStatus(gid, StatusPaused)
	confirmed, err := c.daemon.Pause(ctx, gid)
	if err != nil {
		return errors.Wrapf(err, "pause %s", gid)
	}
	if confirmed != "" {
		c.store.SetTargetStatus(confirmed, StatusPaused)
	}
	return nil
}

// Resume overlays active, unpauses on the daemon and reconciles.
func (c *Commands) Resume(ctx context.Context, gid string) error {
	defer c.trigger()
	return c.resume(ctx, gid)
}

func (c *Commands) resume(ctx context.Context, gid string) error {
	c.store.SetTargetStatus(gid, StatusActive)
	confirmed, err := c.daemon.Unpause(ctx, gid)
	if err != nil {
		return errors.Wrapf(err, "resume %s", gid)
	}
	if confirmed != "" {
		c.store.SetTargetStatus(confirmed, StatusActive)
	}
	return nil
}

// Remove deletes the task on the daemon and drops it from the store regardless of outcome.
func (c *Commands) Remove(ctx context.Context, gid string) error {
	defer c.trigger()
	return c.remove(ctx, gid, RemovalReasonUser)
}

func (c *Commands) remove(ctx context.Context, gid, reason string) error {
	_, err := c.daemon.Remove(ctx, gid)
	c.store.Remove(gid)
	c.metrics.TaskRemoved(reason)
	return errors.Wrapf(err, "remove %s", gid)
}

// StartAll resumes every paused task. Queued tasks are left to the daemon's
// scheduler since aria2 refuses to unpause them. One failing gid does not stop the rest.
func (c *Commands) StartAll(ctx context.Context) BatchResult {
	defer c.trigger()
	return c.batch(ctx, func(t Task) bool {
		return t.Status == StatusPaused
	}, c.resume)
}

// PauseAll pauses every active task.
func (c *Commands) PauseAll(ctx context.Context) BatchResult {
	defer c.trigger()
	return c.batch(ctx, func(t Task) bool {
		return t.Status == StatusActive
	}, c.pause)
}

// ClearCompleted removes every complete or failed task.
func (c *Commands) ClearCompleted(ctx context.Context) BatchResult {
	defer c.trigger()
	return c.batch(ctx, func(t Task) bool {
		return t.Status == StatusComplete || t.Status == StatusError
	}, func(ctx context.Context, gid string) error {
		return c.remove(ctx, gid, RemovalReasonCleared)
	})
}

func (c *Commands) batch(ctx context.Context, match func(Task) bool, op func(context.Context, string) error) BatchResult {
	result := BatchResult{Succeeded: []string{}}
	for _, t := range c.store.List() {
		if !match(t) {
			continue
		}
		if err := op(ctx, t.GID); err != nil {
			log.Debug().Err(err).Str("gid", t.GID).Msg("Batch command failed for task")
			result.fail(t.GID, err)
			continue
		}
		result.Succeeded = append(result.Succeeded, t.GID)
	}
	return result
}

// Purge clears finished download results on the daemon.
func (c *Commands) Purge(ctx context.Context) error {
	defer c.trigger()
	return errors.Wrap(c.daemon.PurgeDownloadResult(ctx), "purge download results")
}

// Add classifies source and submits it into dir, or the default download dir when empty.
func (c *Commands) Add(ctx context.Context, source, dir string) (string, error) {
	kind, err := ClassifySource(source)
	if err != nil {
		return "", err
	}

	opts, err := c.taskOptions(ctx, dir)
	if err != nil {
		return "", err
	}

	defer c.trigger()
	return c.submit(ctx, kind, strings.TrimSpace(source), opts)
}

// AddBatch adds every source and reconciles once.
func (c *Commands) AddBatch(ctx context.Context, sources []string, dir string) ([]AddResult, error) {
	opts, err := c.taskOptions(ctx, dir)
	if err != nil {
		return nil, err
	}
	defer c.trigger()

	results := make([]AddResult, 0, len(sources))
	for _, source := range sources {
		res := AddResult{Source: source}
		kind, err := ClassifySource(source)
		if err == nil {
			res.GID, err = c.submit(ctx, kind, strings.TrimSpace(source), opts)
		}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

// Restart re-adds a task from its first file's uris into the same dir and drops the old one.
func (c *Commands) Restart(ctx context.Context, gid string) (string, error) {
	task, ok := c.store.Get(gid)
	if !ok {
		return "", ErrTaskNotFound
	}

	uris := sourceURIs(task)
	if len(uris) == 0 {
		return "", ErrNoSourceURIs
	}

	opts, err := c.taskOptions(ctx, task.Dir)
	if err != nil {
		return "", err
	}

	defer c.trigger()

	newGID, err := c.daemon.AddURI(ctx, uris, opts)
	if err != nil {
		return "", errors.Wrapf(err, "restart %s", gid)
	}
	if err := c.remove(ctx, gid, RemovalReasonUser); err != nil {
		log.Warn().Err(err).Str("gid", gid).Str("newGid", newGID).Msg("Restarted task but failed to remove the original")
	}
	return newGID, nil
}

func sourceURIs(t Task) []string {
	if len(t.Files) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var uris []string
	for _, u := range t.Files[0].URIs {
		if _, ok := seen[u.URI]; ok || u.URI == "" {
			continue
		}
		seen[u.URI] = struct{}{}
		uris = append(uris, u.URI)
	}
	return uris
}

// CheckConnection probes the daemon independently of reconciliation.
func (c *Commands) CheckConnection(ctx context.Context) bool {
	if c.prober != nil {
		return c.prober.Probe(ctx)
	}
	return c.daemon.TestConnection(ctx)
}

// Settings returns the stored download defaults.
func (c *Commands) Settings(ctx context.Context) (*models.Settings, error) {
	return c.settings.Get(ctx)
}

// UpdateSettings persists settings and pushes the global limits to the daemon.
func (c *Commands) UpdateSettings(ctx context.Context, settings *models.Settings) (*models.Settings, error) {
	updated, err := c.settings.Update(ctx, settings)
	if err != nil {
		return nil, err
	}
	if err := c.daemon.ChangeGlobalOption(ctx, aria2.Options(updated.GlobalOptions())); err != nil {
		return updated, errors.Wrap(err, "apply settings to daemon")
	}
	return updated, nil
}

// ApplySettings pushes the stored global limits to the daemon.
func (c *Commands) ApplySettings(ctx context.Context) error {
	settings, err := c.settings.Get(ctx)
	if err != nil {
		return err
	}
	return errors.Wrap(c.daemon.ChangeGlobalOption(ctx, aria2.Options(settings.GlobalOptions())), "apply settings to daemon")
}

func (c *Commands) taskOptions(ctx context.Context, dir string) (aria2.Options, error) {
	settings, err := c.settings.Get(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load settings")
	}
	if strings.TrimSpace(dir) == "" {
		dir = settings.DefaultDownloadDir
	}
	return aria2.Options(settings.TaskOptions(dir)), nil
}

func (c *Commands) submit(ctx context.Context, kind SourceKind, source string, opts aria2.Options) (string, error) {
	var (
		gid string
		err error
	)

	switch kind {
	case SourceMagnet:
		gid, err = c.daemon.AddMagnet(ctx, source, opts)
	case SourceURL:
		gid, err = c.daemon.AddURI(ctx, []string{source}, opts)
	case SourceTorrent:
		var data []byte
		data, err = readTorrent(source)
		if err != nil {
			return "", err
		}
		gid, err = c.daemon.AddTorrent(ctx, data, opts)
	}
	if err != nil {
		return "", errors.Wrapf(err, "add %s", kind)
	}

	log.Info().Str("gid", gid).Str("kind", string(kind)).Str("dir", opts["dir"]).Msg("Task added")
	return gid, nil
}

// ClassifySource matches magnet links first, then http(s) urls, then existing local files.
func ClassifySource(source string) (SourceKind, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", &InvalidSourceError{Source: source, Reason: "empty source"}
	}

	if strings.HasPrefix(strings.ToLower(source), "magnet:?") {
		return SourceMagnet, nil
	}

	if u, err := url.Parse(source); err == nil && u.Host != "" {
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			return SourceURL, nil
		}
	}

	info, err := os.Stat(source)
	if err != nil {
		return "", &InvalidSourceError{Source: source, Reason: "not a magnet link, http(s) url or existing file"}
	}
	if info.IsDir() {
		return "", &InvalidSourceError{Source: source, Reason: "is a directory"}
	}
	return SourceTorrent, nil
}

func readTorrent(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &InvalidSourceError{Source: path, Reason: "file not found"}
	}
	if info.Size() > maxTorrentFileSize {
		return nil, &InvalidSourceError{Source: path, Reason: "torrent file too large"}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}

	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, &InvalidSourceError{Source: path, Reason: "not a valid torrent file"}
	}
	if _, err := mi.UnmarshalInfo(); err != nil {
		return nil, &InvalidSourceError{Source: path, Reason: "torrent has no valid info dictionary"}
	}
	return data, nil
}
