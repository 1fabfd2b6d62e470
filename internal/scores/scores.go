// Package scores loads the external label score table and caches it.
// Scores are advisory, so serving a table up to one refresh interval
// old is an accepted tradeoff.
package scores

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Loader produces the label → weight mapping from wherever the caller
// keeps it.
type Loader func() (map[string]float64, error)

// FileLoader reads a line-oriented "score,label" file. Blank lines and
// lines starting with # are skipped; labels keep any commas of their
// own.
func FileLoader(path string) Loader {
	return func() (map[string]float64, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open score table: %w", err)
		}
		defer f.Close()

		weights := make(map[string]float64)
		scanner := bufio.NewScanner(f)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := strings.TrimRight(scanner.Text(), "\r\n")
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			scoreText, label, found := strings.Cut(line, ",")
			if !found {
				return nil, fmt.Errorf("score table line %d: no label", lineNo)
			}
			score, err := strconv.ParseFloat(strings.TrimSpace(scoreText), 64)
			if err != nil {
				return nil, fmt.Errorf("score table line %d: bad score %q", lineNo, scoreText)
			}
			weights[label] = score
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read score table: %w", err)
		}
		return weights, nil
	}
}

const cacheKey = "weights"

// Table is a read-through cache in front of a Loader.
type Table struct {
	cache *gocache.Cache
	load  Loader
}

// NewTable caches loader results for ttl before reloading.
func NewTable(load Loader, ttl time.Duration) *Table {
	return &Table{
		cache: gocache.New(ttl, 10*time.Minute),
		load:  load,
	}
}

// Weights returns the current table, reloading it if the cached copy
// has expired.
func (t *Table) Weights() (map[string]float64, error) {
	if cached, ok := t.cache.Get(cacheKey); ok {
		return cached.(map[string]float64), nil
	}
	weights, err := t.load()
	if err != nil {
		return nil, err
	}
	t.cache.Set(cacheKey, weights, gocache.DefaultExpiration)
	return weights, nil
}
