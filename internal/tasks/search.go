// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tasks

import (
	"path/filepath"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog/log"
)

// maxFuzzyRank bounds how loose a fuzzy name match may be.
const maxFuzzyRank = 10

func normalizeForSearch(text string) string {
	replacer := strings.NewReplacer(".", " ", "_", " ", "-", " ", "[", " ", "]", " ", "(", " ", ")", " ", "{", " ", "}", " ")
	return strings.Join(strings.Fields(replacer.Replace(strings.ToLower(text))), " ")
}

// Search keeps the tasks whose name, gid or path matches query. Glob
// characters switch to pattern matching on the display name. Order is kept.
func Search(list []Task, query string) []Task {
	query = strings.TrimSpace(query)
	if query == "" {
		return list
	}

	if strings.ContainsAny(query, "*?[") {
		return searchGlob(list, query)
	}

	queryLower := strings.ToLower(query)
	queryNormalized := normalizeForSearch(query)
	words := strings.Fields(queryNormalized)

	out := make([]Task, 0, len(list))
	for _, t := range list {
		name := t.DisplayName()
		if strings.Contains(strings.ToLower(name), queryLower) ||
			strings.HasPrefix(strings.ToLower(t.GID), queryLower) ||
			strings.Contains(strings.ToLower(t.Path), queryLower) {
			out = append(out, t)
			continue
		}

		nameNormalized := normalizeForSearch(name)
		if strings.Contains(nameNormalized, queryNormalized) {
			out = append(out, t)
			continue
		}

		if len(words) > 1 && containsAll(nameNormalized, words) {
			out = append(out, t)
			continue
		}

		if fuzzy.MatchNormalizedFold(queryNormalized, nameNormalized) &&
			fuzzy.RankMatchNormalizedFold(queryNormalized, nameNormalized) < maxFuzzyRank {
			out = append(out, t)
		}
	}
	return out
}

func containsAll(text string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(text, w) {
			return false
		}
	}
	return true
}

func searchGlob(list []Task, pattern string) []Task {
	pattern = strings.ToLower(pattern)
	out := make([]Task, 0, len(list))
	for _, t := range list {
		matched, err := filepath.Match(pattern, strings.ToLower(t.DisplayName()))
		if err != nil {
			log.Debug().Err(err).Str("pattern", pattern).Msg("Invalid glob pattern")
			return out
		}
		if matched {
			out = append(out, t)
		}
	}
	return out
}
