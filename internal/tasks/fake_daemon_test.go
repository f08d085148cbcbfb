// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autobrr/ariasync/internal/aria2"
	"github.com/autobrr/ariasync/internal/models"
)

// fakeDaemon keeps three in-memory queues and records every call.
type fakeDaemon struct {
	mu sync.Mutex

	active, waiting, stopped []aria2.Download
	files                    map[string][]aria2.File
	stat                     aria2.GlobalStat

	listErr   error
	filesErr  map[string]error
	pauseErr  map[string]error
	removeErr map[string]error
	addErr    error

	calls       []string
	removed     []string
	added       []addCall
	globalOpts  []aria2.Options
	nextGID     int
	unreachable bool

	gate        chan struct{}
	inflight    int
	maxInflight int
}

type addCall struct {
	Kind string
	URIs []string
	Data []byte
	Opts aria2.Options
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		files:     make(map[string][]aria2.File),
		filesErr:  make(map[string]error),
		pauseErr:  make(map[string]error),
		removeErr: make(map[string]error),
	}
}

func (f *fakeDaemon) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeDaemon) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeDaemon) removeCount(gid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, g := range f.removed {
		if g == gid {
			n++
		}
	}
	return n
}

func (f *fakeDaemon) list(ctx context.Context, q *[]aria2.Download, name string) ([]aria2.Download, error) {
	f.mu.Lock()
	f.inflight++
	f.maxInflight = max(f.maxInflight, f.inflight)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	f.record(name)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.unreachable {
		return nil, &aria2.ConnectionError{Method: name, Err: fmt.Errorf("connection refused")}
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]aria2.Download(nil), (*q)...), nil
}

func (f *fakeDaemon) TellActive(ctx context.Context) ([]aria2.Download, error) {
	return f.list(ctx, &f.active, "tellActive")
}

func (f *fakeDaemon) TellWaiting(ctx context.Context) ([]aria2.Download, error) {
	return f.list(ctx, &f.waiting, "tellWaiting")
}

func (f *fakeDaemon) TellStopped(ctx context.Context) ([]aria2.Download, error) {
	return f.list(ctx, &f.stopped, "tellStopped")
}

func (f *fakeDaemon) GetGlobalStat(ctx context.Context) (aria2.GlobalStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("getGlobalStat")
	return f.stat, nil
}

func (f *fakeDaemon) GetFiles(ctx context.Context, gid string) ([]aria2.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("getFiles")
	if err := f.filesErr[gid]; err != nil {
		return nil, err
	}
	files, ok := f.files[gid]
	if !ok {
		return nil, &aria2.CommandError{Method: "aria2.getFiles", Code: 1, Message: "GID " + gid + " is not found"}
	}
	return files, nil
}

func (f *fakeDaemon) find(gid string) (*[]aria2.Download, int) {
	for _, q := range []*[]aria2.Download{&f.active, &f.waiting, &f.stopped} {
		for i, d := range *q {
			if d.GID == gid {
				return q, i
			}
		}
	}
	return nil, -1
}

func (f *fakeDaemon) setStatus(gid, status string) {
	if q, i := f.find(gid); q != nil {
		(*q)[i].Status = status
	}
}

func (f *fakeDaemon) Pause(ctx context.Context, gid string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pause")
	if err := f.pauseErr[gid]; err != nil {
		return "", err
	}
	f.setStatus(gid, "paused")
	return gid, nil
}

func (f *fakeDaemon) Unpause(ctx context.Context, gid string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unpause")
	if q, i := f.find(gid); q == nil || (*q)[i].Status != "paused" {
		return "", &aria2.CommandError{Method: "aria2.unpause", Code: 1, Message: "GID#" + gid + " cannot be unpaused now"}
	}
	f.setStatus(gid, "active")
	return gid, nil
}

func (f *fakeDaemon) Remove(ctx context.Context, gid string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove")
	f.removed = append(f.removed, gid)
	if err := f.removeErr[gid]; err != nil {
		return "", err
	}
	if q, i := f.find(gid); q != nil {
		*q = append((*q)[:i:i], (*q)[i+1:]...)
	}
	delete(f.files, gid)
	return gid, nil
}

func (f *fakeDaemon) add(call addCall, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("add" + call.Kind)
	if f.addErr != nil {
		return "", f.addErr
	}
	f.added = append(f.added, call)
	f.nextGID++
	gid := fmt.Sprintf("n%d", f.nextGID)
	f.waiting = append(f.waiting, aria2.Download{GID: gid, Status: "waiting", Dir: dir})
	f.files[gid] = []aria2.File{{Index: 1, Path: dir + "/" + gid + ".bin", Selected: true}}
	return gid, nil
}

func (f *fakeDaemon) AddURI(ctx context.Context, uris []string, opts aria2.Options) (string, error) {
	return f.add(addCall{Kind: "URI", URIs: uris, Opts: opts}, opts["dir"])
}

func (f *fakeDaemon) AddMagnet(ctx context.Context, link string, opts aria2.Options) (string, error) {
	return f.add(addCall{Kind: "Magnet", URIs: []string{link}, Opts: opts}, opts["dir"])
}

func (f *fakeDaemon) AddTorrent(ctx context.Context, torrent []byte, opts aria2.Options) (string, error) {
	return f.add(addCall{Kind: "Torrent", Data: torrent, Opts: opts}, opts["dir"])
}

func (f *fakeDaemon) PurgeDownloadResult(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("purge")
	f.stopped = nil
	return nil
}

func (f *fakeDaemon) ChangeGlobalOption(ctx context.Context, opts aria2.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("changeGlobalOption")
	f.globalOpts = append(f.globalOpts, opts)
	return nil
}

func (f *fakeDaemon) TestConnection(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("testConnection")
	return !f.unreachable
}

type fakeSettings struct {
	settings models.Settings
}

func (s *fakeSettings) Get(ctx context.Context) (*models.Settings, error) {
	out := s.settings
	return &out, nil
}

func (s *fakeSettings) Update(ctx context.Context, settings *models.Settings) (*models.Settings, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	s.settings = *settings
	out := s.settings
	return &out, nil
}

type countingTrigger struct {
	mu sync.Mutex
	n  int
}

func (c *countingTrigger) Trigger() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingTrigger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type memoryPathRepo struct {
	mu    sync.Mutex
	paths map[string]models.TaskPath
}

func newMemoryPathRepo() *memoryPathRepo {
	return &memoryPathRepo{paths: make(map[string]models.TaskPath)}
}

func (m *memoryPathRepo) Upsert(ctx context.Context, paths []models.TaskPath) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		m.paths[p.GID] = p
	}
	return nil
}

func (m *memoryPathRepo) DeleteMany(ctx context.Context, gids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, gid := range gids {
		delete(m.paths, gid)
	}
	return nil
}

func (m *memoryPathRepo) snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.paths))
	for gid, p := range m.paths {
		out[gid] = p.Path
	}
	return out
}

type recordingMetrics struct {
	mu        sync.Mutex
	outcomes  []string
	removals  map[string]int
	failures  int
	lastCount map[Status]int
}

func (r *recordingMetrics) ObserveCycle(_ time.Duration, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingMetrics) TaskRemoved(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removals == nil {
		r.removals = make(map[string]int)
	}
	r.removals[reason]++
}

func (r *recordingMetrics) ResolutionFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

func (r *recordingMetrics) SetTaskCounts(counts map[Status]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCount = counts
}

func modelsPath(gid, path string) models.TaskPath {
	return models.TaskPath{GID: gid, Dir: "/dl", Path: path}
}
