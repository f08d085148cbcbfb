// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package aria2

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Download is a daemon-reported task with numeric fields already parsed.
type Download struct {
	GID             string
	Status          string
	TotalLength     int64
	CompletedLength int64
	DownloadSpeed   int64
	UploadSpeed     int64
	Dir             string
	Files           []File
	ErrorCode       string
	ErrorMessage    string
	BitTorrent      *BitTorrent
}

type File struct {
	Index           int
	Path            string
	Length          int64
	CompletedLength int64
	Selected        bool
	URIs            []URI
}

type URI struct {
	URI    string `json:"uri"`
	Status string `json:"status"`
}

type BitTorrent struct {
	AnnounceList [][]string
	Comment      string
	CreationDate int64
	Mode         string
	Name         string
}

type GlobalStat struct {
	NumActive       int
	NumWaiting      int
	NumStopped      int
	NumStoppedTotal int
	DownloadSpeed   int64
	UploadSpeed     int64
}

type Version struct {
	Version         string   `json:"version"`
	EnabledFeatures []string `json:"enabledFeatures"`
}

// Options is the option struct aria2 accepts; every value travels as a string.
type Options map[string]string

// statusKeys limits list responses to the fields the reconciler consumes.
var statusKeys = []string{
	"gid", "status", "totalLength", "completedLength", "downloadSpeed",
	"uploadSpeed", "dir", "files", "errorCode", "errorMessage", "bittorrent",
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wireDownload struct {
	GID             string          `json:"gid"`
	Status          string          `json:"status"`
	TotalLength     string          `json:"totalLength"`
	CompletedLength string          `json:"completedLength"`
	DownloadSpeed   string          `json:"downloadSpeed"`
	UploadSpeed     string          `json:"uploadSpeed"`
	Dir             string          `json:"dir"`
	Files           []wireFile      `json:"files"`
	ErrorCode       string          `json:"errorCode"`
	ErrorMessage    string          `json:"errorMessage"`
	BitTorrent      *wireBitTorrent `json:"bittorrent"`
}

type wireFile struct {
	Index           string `json:"index"`
	Path            string `json:"path"`
	Length          string `json:"length"`
	CompletedLength string `json:"completedLength"`
	Selected        string `json:"selected"`
	URIs            []URI  `json:"uris"`
}

type wireBitTorrent struct {
	AnnounceList [][]string `json:"announceList"`
	Comment      string     `json:"comment"`
	CreationDate int64      `json:"creationDate"`
	Mode         string     `json:"mode"`
	Info         struct {
		Name string `json:"name"`
	} `json:"info"`
}

type wireGlobalStat struct {
	NumActive       string `json:"numActive"`
	NumWaiting      string `json:"numWaiting"`
	NumStopped      string `json:"numStopped"`
	NumStoppedTotal string `json:"numStoppedTotal"`
	DownloadSpeed   string `json:"downloadSpeed"`
	UploadSpeed     string `json:"uploadSpeed"`
}

// parseInt treats an absent field as zero; aria2 omits keys it was not asked for.
func parseInt(field, value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s %q", field, value)
	}
	return n, nil
}

func (w wireDownload) convert() (Download, error) {
	if w.GID == "" {
		return Download{}, errors.New("download without gid")
	}

	d := Download{
		GID:          w.GID,
		Status:       w.Status,
		Dir:          w.Dir,
		ErrorCode:    w.ErrorCode,
		ErrorMessage: w.ErrorMessage,
	}

	var err error
	if d.TotalLength, err = parseInt("totalLength", w.TotalLength); err != nil {
		return Download{}, err
	}
	if d.CompletedLength, err = parseInt("completedLength", w.CompletedLength); err != nil {
		return Download{}, err
	}
	if d.DownloadSpeed, err = parseInt("downloadSpeed", w.DownloadSpeed); err != nil {
		return Download{}, err
	}
	if d.UploadSpeed, err = parseInt("uploadSpeed", w.UploadSpeed); err != nil {
		return Download{}, err
	}

	if d.Files, err = convertFiles(w.Files); err != nil {
		return Download{}, errors.Wrapf(err, "download %s", w.GID)
	}

	if w.BitTorrent != nil {
		d.BitTorrent = &BitTorrent{
			AnnounceList: w.BitTorrent.AnnounceList,
			Comment:      w.BitTorrent.Comment,
			CreationDate: w.BitTorrent.CreationDate,
			Mode:         w.BitTorrent.Mode,
			Name:         w.BitTorrent.Info.Name,
		}
	}

	return d, nil
}

func convertFiles(in []wireFile) ([]File, error) {
	if len(in) == 0 {
		return nil, nil
	}

	files := make([]File, 0, len(in))
	for _, wf := range in {
		index, err := parseInt("index", wf.Index)
		if err != nil {
			return nil, err
		}
		length, err := parseInt("length", wf.Length)
		if err != nil {
			return nil, err
		}
		completed, err := parseInt("completedLength", wf.CompletedLength)
		if err != nil {
			return nil, err
		}
		files = append(files, File{
			Index:           int(index),
			Path:            wf.Path,
			Length:          length,
			CompletedLength: completed,
			Selected:        wf.Selected == "" || wf.Selected == "true",
			URIs:            wf.URIs,
		})
	}
	return files, nil
}

func (w wireGlobalStat) convert() (GlobalStat, error) {
	var (
		stat GlobalStat
		n    int64
		err  error
	)

	ints := []struct {
		name  string
		value string
		dst   *int
	}{
		{"numActive", w.NumActive, &stat.NumActive},
		{"numWaiting", w.NumWaiting, &stat.NumWaiting},
		{"numStopped", w.NumStopped, &stat.NumStopped},
		{"numStoppedTotal", w.NumStoppedTotal, &stat.NumStoppedTotal},
	}
	for _, f := range ints {
		if n, err = parseInt(f.name, f.value); err != nil {
			return GlobalStat{}, err
		}
		*f.dst = int(n)
	}

	if stat.DownloadSpeed, err = parseInt("downloadSpeed", w.DownloadSpeed); err != nil {
		return GlobalStat{}, err
	}
	if stat.UploadSpeed, err = parseInt("uploadSpeed", w.UploadSpeed); err != nil {
		return GlobalStat{}, err
	}

	return stat, nil
}
