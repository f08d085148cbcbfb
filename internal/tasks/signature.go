// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tasks

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Signature digests every field a task is published with, so an unchanged list
// yields the same value and any visible change yields a new one.
func Signature(list []Task) string {
	d := xxhash.New()
	buf := make([]byte, 0, 256)
	for _, t := range list {
		buf = buf[:0]
		buf = appendField(buf, t.GID)
		buf = appendField(buf, string(t.Status))
		buf = appendField(buf, t.Dir)
		buf = appendField(buf, t.Path)
		buf = appendInt(buf, t.TotalLength)
		buf = appendInt(buf, t.CompletedLength)
		buf = appendInt(buf, t.DownloadSpeed)
		buf = appendInt(buf, t.UploadSpeed)
		buf = appendField(buf, t.ErrorCode)
		buf = appendField(buf, t.ErrorMessage)

		for _, f := range t.Files {
			buf = appendInt(buf, int64(f.Index))
			buf = appendField(buf, f.Path)
			buf = appendInt(buf, f.Length)
			buf = appendInt(buf, f.CompletedLength)
			buf = strconv.AppendBool(buf, f.Selected)
			buf = append(buf, 0)
			for _, u := range f.URIs {
				buf = appendField(buf, u.URI)
				buf = appendField(buf, u.Status)
			}
			buf = append(buf, 1)
		}

		if bt := t.BitTorrent; bt != nil {
			buf = appendField(buf, bt.Name)
			buf = appendField(buf, bt.Mode)
			buf = appendField(buf, bt.Comment)
			buf = appendInt(buf, bt.CreationDate)
			for _, tier := range bt.AnnounceList {
				for _, tracker := range tier {
					buf = appendField(buf, tracker)
				}
				buf = append(buf, 1)
			}
		}
		buf = append(buf, '\n')
		_, _ = d.Write(buf)
	}
	return fmt.Sprintf("%d-%x", len(list), d.Sum64())
}

func appendField(buf []byte, s string) []byte {
	return append(append(buf, s...), 0)
}

func appendInt(buf []byte, n int64) []byte {
	return append(strconv.AppendInt(buf, n, 10), 0)
}
