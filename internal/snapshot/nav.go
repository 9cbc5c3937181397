package snapshot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentic-research/starfield/api"
	"github.com/agentic-research/starfield/internal/cache"
	"github.com/agentic-research/starfield/internal/fault"
	"github.com/agentic-research/starfield/internal/kv"
)

// navVersion versions the navigation mirror independently of the snapshot.
const navVersion = 1

type navSearch struct {
	Query string          `json:"q"`
	Hits  []api.SearchHit `json:"h"`
	At    time.Time       `json:"t"`
}

type navDoc struct {
	Version     int               `json:"version"`
	Searches    []navSearch       `json:"searches"`
	ProfilePics map[string]string `json:"pics"`
}

// SaveNav mirrors the most recent search results and resolved profile
// pictures so they survive a reload.
func (p *Persister) SaveNav(layer *cache.Layer) error {
	doc := navDoc{Version: navVersion, ProfilePics: make(map[string]string)}

	keys := layer.Search.Keys()
	if len(keys) > p.cfg.NavSearches {
		keys = keys[len(keys)-p.cfg.NavSearches:]
	}
	for _, q := range keys {
		if !layer.Search.Contains(q) {
			continue
		}
		e, _ := layer.Search.Entry(q)
		doc.Searches = append(doc.Searches, navSearch{Query: q, Hits: e.Value, At: e.Timestamp})
	}

	pics := layer.ProfilePics.Keys()
	if len(pics) > p.cfg.NavProfilePics {
		pics = pics[len(pics)-p.cfg.NavProfilePics:]
	}
	for _, id := range pics {
		if url, ok := layer.ProfilePics.Entry(id); ok {
			doc.ProfilePics[id] = url.Value
		}
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode nav cache: %w", err)
	}
	return p.kv.SetItem(kv.KeyNavCache, string(b))
}

// LoadNav restores the navigation mirror into layer. Search entries keep
// their original age, so expired ones are still misses.
func (p *Persister) LoadNav(layer *cache.Layer) (int, error) {
	raw, ok, err := p.kv.GetItem(kv.KeyNavCache)
	if err != nil || !ok {
		return 0, err
	}
	var doc navDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return 0, fmt.Errorf("parse nav cache: %w: %v", fault.ErrSchemaMismatch, err)
	}
	if doc.Version != navVersion {
		return 0, fmt.Errorf("nav cache version %d: %w", doc.Version, fault.ErrSchemaMismatch)
	}
	n := 0
	for _, s := range doc.Searches {
		layer.Search.SetAt(s.Query, s.Hits, s.At)
		n++
	}
	for id, url := range doc.ProfilePics {
		layer.ProfilePics.Set(id, url)
		n++
	}
	return n, nil
}
