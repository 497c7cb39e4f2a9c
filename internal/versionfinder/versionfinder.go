// Package versionfinder resolves version expressions against the historical
// data-version log at a fixed trigger timestamp (C3). All lookups are taken
// against a stable snapshot: "triggered_on <= trigger_time" throughout, so
// new commits racing the planner never change the answer mid-pass.
package versionfinder

import (
	"context"
	"fmt"
	"time"

	"github.com/tabsdata/scheduler/internal/version"
)

// History is the read-only snapshot query surface the finder needs. It is
// expected to be backed by C9's select_versions_at family of queries.
type History interface {
	// FunctionVersionAt returns the function version active for functionID
	// at or before triggerTime.
	FunctionVersionAt(ctx context.Context, functionID string, triggerTime time.Time) (string, error)
	// TableIDByName returns the table id produced under name, or false if no
	// active version of that table ever existed at or before triggerTime.
	TableIDByName(ctx context.Context, collectionID, name string, triggerTime time.Time) (string, bool, error)
	// OffsetForFixed returns the signed HEAD-relative offset of fixedID
	// (0 or negative), or an error if fixedID is not visible at triggerTime.
	OffsetForFixed(ctx context.Context, tableID, fixedID string, triggerTime time.Time) (int, error)
	// Exists confirms that id is an available data version of tableID at or
	// before triggerTime.
	Exists(ctx context.Context, tableID, id string, triggerTime time.Time) (bool, error)
	// HeadRange returns the slice of data-version ids for tableID newest to
	// oldest, applying the (limit, offset) pair computed by
	// internal/version.LimitAndOffset. Requests beyond available history
	// return a short (possibly empty) slice, never an error.
	HeadRange(ctx context.Context, tableID string, limit, offset int, triggerTime time.Time) ([]string, error)
	// InitialRange returns the slice of data-version ids for tableID oldest
	// to newest, offset from the earliest available version. Requests
	// beyond available history return a short (possibly empty) slice.
	InitialRange(ctx context.Context, tableID string, count, offset int, triggerTime time.Time) ([]string, error)
}

// cacheState is the tri-state memoisation value from the original
// CacheState<T>: Missing is the zero value (never looked up), Skip
// remembers a confirmed absence so repeated lookups for the same name don't
// re-hit the database, Cached holds a resolved value.
type cacheState struct {
	state int // 0 = missing, 1 = skip, 2 = cached
	value string
}

const (
	csMissing = 0
	csSkip    = 1
	csCached  = 2
)

// Finder resolves version expressions for one (collection, trigger time)
// pair, memoising function-id and table-id lookups across the planning pass.
type Finder struct {
	hist         History
	collectionID string
	triggerTime  time.Time

	functionCache map[string]cacheState // functionID -> cache
	tableCache    map[string]cacheState // name -> cache
}

// New returns a Finder scoped to collectionID at triggerTime.
func New(hist History, collectionID string, triggerTime time.Time) *Finder {
	return &Finder{
		hist:          hist,
		collectionID:  collectionID,
		triggerTime:   triggerTime,
		functionCache: make(map[string]cacheState),
		tableCache:    make(map[string]cacheState),
	}
}

// FunctionID resolves functionID to the function version active at the
// finder's trigger time, memoised.
func (f *Finder) FunctionID(ctx context.Context, functionID string) (string, error) {
	if c, ok := f.functionCache[functionID]; ok && c.state == csCached {
		return c.value, nil
	}
	fvID, err := f.hist.FunctionVersionAt(ctx, functionID, f.triggerTime)
	if err != nil {
		f.functionCache[functionID] = cacheState{state: csSkip}
		return "", fmt.Errorf("versionfinder: function %s: %w", functionID, err)
	}
	f.functionCache[functionID] = cacheState{state: csCached, value: fvID}
	return fvID, nil
}

// TableID resolves name to a table id, or returns ok=false if the table was
// never produced. A confirmed absence is memoised as Skip so repeated
// lookups for the same missing name are free.
func (f *Finder) TableID(ctx context.Context, name string) (id string, ok bool, err error) {
	if c, cached := f.tableCache[name]; cached {
		switch c.state {
		case csCached:
			return c.value, true, nil
		case csSkip:
			return "", false, nil
		}
	}
	id, found, err := f.hist.TableIDByName(ctx, f.collectionID, name, f.triggerTime)
	if err != nil {
		return "", false, fmt.Errorf("versionfinder: table %s: %w", name, err)
	}
	if !found {
		f.tableCache[name] = cacheState{state: csSkip}
		return "", false, nil
	}
	f.tableCache[name] = cacheState{state: csCached, value: id}
	return id, true, nil
}

// OffsetForFixed returns the signed HEAD-relative offset of fixedID.
func (f *Finder) OffsetForFixed(ctx context.Context, tableID, fixedID string) (int, error) {
	off, err := f.hist.OffsetForFixed(ctx, tableID, fixedID, f.triggerTime)
	if err != nil {
		return 0, fmt.Errorf("versionfinder: offset for %s: %w", fixedID, err)
	}
	return off, nil
}

// Fixed confirms that id is visible among available versions at or before
// the trigger time.
func (f *Finder) Fixed(ctx context.Context, tableID, id string) (bool, error) {
	ok, err := f.hist.Exists(ctx, tableID, id, f.triggerTime)
	if err != nil {
		return false, fmt.Errorf("versionfinder: fixed %s: %w", id, err)
	}
	return ok, nil
}

// HeadRange returns ids in (limit, offset) order — newest to oldest when
// limit is positive, oldest to newest when negative — per
// internal/version.LimitAndOffset.
func (f *Finder) HeadRange(ctx context.Context, tableID string, limit, offset int) ([]string, error) {
	ids, err := f.hist.HeadRange(ctx, tableID, limit, offset, f.triggerTime)
	if err != nil {
		return nil, fmt.Errorf("versionfinder: head range for %s: %w", tableID, err)
	}
	return ids, nil
}

// Resolve turns a version.Versions expression for tableID into a concrete
// list of data-version ids, newest first, per spec §4.1/§4.3.
func (f *Finder) Resolve(ctx context.Context, tableID string, vs version.Versions) ([]string, error) {
	switch vs.Kind {
	case version.KindNone:
		return nil, nil
	case version.KindSingle:
		return f.resolveOne(ctx, tableID, vs.Single)
	case version.KindList:
		var out []string
		for _, v := range vs.List {
			ids, err := f.resolveOne(ctx, tableID, v)
			if err != nil {
				return nil, err
			}
			out = append(out, ids...)
		}
		return out, nil
	case version.KindRange:
		if vs.From.Anchor != version.AnchorHead || vs.To.Anchor != version.AnchorHead {
			return nil, fmt.Errorf("versionfinder: range endpoints must be HEAD-relative")
		}
		limit, offset := version.LimitAndOffset(vs.From.Offset, vs.To.Offset)
		return f.HeadRange(ctx, tableID, limit, offset)
	default:
		return nil, fmt.Errorf("versionfinder: unknown versions kind %d", vs.Kind)
	}
}

func (f *Finder) resolveOne(ctx context.Context, tableID string, v version.Version) ([]string, error) {
	switch v.Anchor {
	case version.AnchorFixed:
		ok, err := f.Fixed(ctx, tableID, v.FixedID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return []string{v.FixedID}, nil
	case version.AnchorHead:
		ids, err := f.HeadRange(ctx, tableID, 1, v.Offset)
		if err != nil {
			return nil, err
		}
		return ids, nil
	case version.AnchorInitial:
		ids, err := f.hist.InitialRange(ctx, tableID, 1, v.Offset, f.triggerTime)
		if err != nil {
			return nil, fmt.Errorf("versionfinder: initial range for %s: %w", tableID, err)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("versionfinder: unknown anchor %v", v.Anchor)
	}
}
