// Package cache implements the three-tier on-disk cache (C4): lookup,
// profile, and relationship entries, each one file per identifier under its
// own subdirectory, with independent TTLs and an opportunistic eviction
// pass keyed on file mtime.
//
// There is no pack-sourced library for an embedded per-file cache of this
// shape; it is built directly on os/path/filepath the way the persistence
// layer's own file handling is built directly on database/sql, rather than
// reaching for an in-process cache package that does not model "one
// self-describing file per entry, safe under last-writer-wins."
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"xblock/internal/model"
)

const (
	lookupDir       = "lookups"
	profileDir      = "profiles"
	relationshipDir = "relationships"
)

// Cache is the three-tier on-disk cache rooted at a configured directory.
type Cache struct {
	root                string
	lookupTTL           time.Duration
	profileTTL          time.Duration
	relationshipTTL     time.Duration
	profileCeiling      int
	relationshipCeiling int
	nowFn               func() time.Time
}

// Options configures TTLs and size ceilings. Zero ceilings fall back to
// spec-level defaults (profile ~1000, relationship ~500, lookup unbounded);
// a zero TTL means entries of that tier never expire.
type Options struct {
	LookupTTL           time.Duration
	ProfileTTL          time.Duration
	RelationshipTTL     time.Duration
	ProfileCeiling      int
	RelationshipCeiling int
}

// Open creates the three tier subdirectories under root if absent and
// returns a ready Cache, running one opportunistic eviction pass.
func Open(root string, opts Options) (*Cache, error) {
	for _, d := range []string{lookupDir, profileDir, relationshipDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, err
		}
	}
	c := &Cache{
		root:                root,
		lookupTTL:           opts.LookupTTL,
		profileTTL:          opts.ProfileTTL,
		relationshipTTL:     opts.RelationshipTTL,
		profileCeiling:      opts.ProfileCeiling,
		relationshipCeiling: opts.RelationshipCeiling,
		nowFn:               time.Now,
	}
	if c.profileCeiling == 0 {
		c.profileCeiling = 1000
	}
	if c.relationshipCeiling == 0 {
		c.relationshipCeiling = 500
	}
	c.evict(profileDir, c.profileCeiling)
	c.evict(relationshipDir, c.relationshipCeiling)
	return c, nil
}

func (c *Cache) now() time.Time { return c.nowFn() }

// record is the self-describing on-disk shape: {value, captured_at, identifier}.
type record struct {
	Identifier string          `json:"identifier"`
	CapturedAt int64           `json:"captured_at"`
	Value      json.RawMessage `json:"value"`
}

func (c *Cache) path(tier, identifier string) string {
	return filepath.Join(c.root, tier, identifier)
}

func (c *Cache) read(tier, identifier string, ttl time.Duration) (json.RawMessage, bool) {
	p := c.path(tier, identifier)
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		os.Remove(p)
		return nil, false
	}
	if ttl > 0 && c.now().Sub(time.UnixMilli(rec.CapturedAt)) > ttl {
		os.Remove(p)
		return nil, false
	}
	return rec.Value, true
}

func (c *Cache) write(tier, identifier string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	rec := record{Identifier: identifier, CapturedAt: c.now().UnixMilli(), Value: raw}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// Last-writer-wins via truncate-then-write: os.WriteFile truncates the
	// existing file before writing, so a concurrent reader sees the old
	// content, the new content, or a transient empty or partly written
	// file, which read above treats as a miss and unlinks.
	return os.WriteFile(c.path(tier, identifier), b, 0o644)
}

// GetLookup returns the cached numeric id for a handle, if fresh.
func (c *Cache) GetLookup(handle string) (string, bool) {
	raw, ok := c.read(lookupDir, handle, c.lookupTTL)
	if !ok {
		return "", false
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", false
	}
	return id, true
}

// PutLookup stores the handle -> numeric id mapping.
func (c *Cache) PutLookup(handle, id string) error {
	return c.write(lookupDir, handle, id)
}

// GetProfile returns the cached profile for a numeric id, if fresh.
func (c *Cache) GetProfile(id string) (model.Profile, bool) {
	raw, ok := c.read(profileDir, id, c.profileTTL)
	if !ok {
		return model.Profile{}, false
	}
	var p model.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.Profile{}, false
	}
	return p, true
}

// PutProfile stores a profile, then opportunistically evicts the tier.
func (c *Cache) PutProfile(id string, p model.Profile) error {
	if err := c.write(profileDir, id, p); err != nil {
		return err
	}
	c.evict(profileDir, c.profileCeiling)
	return nil
}

// GetRelationship returns the cached relationship for a numeric id, if fresh.
func (c *Cache) GetRelationship(id string) (model.Relationship, bool) {
	raw, ok := c.read(relationshipDir, id, c.relationshipTTL)
	if !ok {
		return model.Relationship{}, false
	}
	var r model.Relationship
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.Relationship{}, false
	}
	return r, true
}

// PutRelationship stores a relationship, then opportunistically evicts.
func (c *Cache) PutRelationship(id string, r model.Relationship) error {
	if err := c.write(relationshipDir, id, r); err != nil {
		return err
	}
	c.evict(relationshipDir, c.relationshipCeiling)
	return nil
}

// InvalidateRelationship removes a cached relationship entry, used after a
// successful block so a subsequent run does not treat the target as already
// blocked based on stale data. Profile is deliberately left untouched.
func (c *Cache) InvalidateRelationship(id string) {
	os.Remove(c.path(relationshipDir, id))
}

// evict removes the oldest-by-mtime files in tier until its entry count is
// at or below ceiling. A ceiling <= 0 means unbounded (the lookup tier).
func (c *Cache) evict(tier string, ceiling int) {
	if ceiling <= 0 {
		return
	}
	entries, err := os.ReadDir(filepath.Join(c.root, tier))
	if err != nil || len(entries) <= ceiling {
		return
	}
	type fileInfo struct {
		name    string
		modTime time.Time
	}
	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	excess := len(files) - ceiling
	for i := 0; i < excess && i < len(files); i++ {
		os.Remove(filepath.Join(c.root, tier, files[i].name))
	}
}

// Coverage is the per-target coverage analysis C5's batcher uses to decide
// the minimum-necessary API calls.
type Coverage struct {
	Kind   model.CoverageKind
	ID     string // resolved numeric id, if lookup hit
	Handle string
}

// AnalyzeCoverage classifies a target as full_hit (lookup+profile+
// relationship all fresh), partial_hit (a subset present), or miss.
func (c *Cache) AnalyzeCoverage(handle string) Coverage {
	cov := Coverage{Handle: handle, Kind: model.CoverageMiss}
	id, lookupHit := c.GetLookup(handle)
	if !lookupHit {
		return cov
	}
	cov.ID = id
	cov.Kind = c.tierCoverage(id)
	return cov
}

// AnalyzeCoverageByID classifies coverage for a target already known by
// numeric id (a user_id-format target list entry), skipping the lookup
// tier entirely since the identity is not in question.
func (c *Cache) AnalyzeCoverageByID(id string) Coverage {
	return Coverage{ID: id, Kind: c.tierCoverage(id)}
}

func (c *Cache) tierCoverage(id string) model.CoverageKind {
	_, profileHit := c.GetProfile(id)
	_, relHit := c.GetRelationship(id)
	switch {
	case profileHit && relHit:
		return model.CoverageFullHit
	case profileHit || relHit:
		return model.CoveragePartialHit
	default:
		return model.CoverageMiss
	}
}
