package versionfinder_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tabsdata/scheduler/internal/version"
	"github.com/tabsdata/scheduler/internal/versionfinder"
)

// fakeHistory is an in-memory History fixture: versions newest-first.
type fakeHistory struct {
	tables    map[string][]string // tableID -> ids, newest first
	functions map[string]string
	lookups   int
}

func (h *fakeHistory) FunctionVersionAt(_ context.Context, functionID string, _ time.Time) (string, error) {
	if v, ok := h.functions[functionID]; ok {
		return v, nil
	}
	return "", errors.New("not found")
}

func (h *fakeHistory) TableIDByName(_ context.Context, _, name string, _ time.Time) (string, bool, error) {
	h.lookups++
	if _, ok := h.tables[name]; ok {
		return name, true, nil
	}
	return "", false, nil
}

func (h *fakeHistory) OffsetForFixed(_ context.Context, tableID, fixedID string, _ time.Time) (int, error) {
	for i, id := range h.tables[tableID] {
		if id == fixedID {
			return -i, nil
		}
	}
	return 0, errors.New("not found")
}

func (h *fakeHistory) Exists(_ context.Context, tableID, id string, _ time.Time) (bool, error) {
	for _, cand := range h.tables[tableID] {
		if cand == id {
			return true, nil
		}
	}
	return false, nil
}

func (h *fakeHistory) HeadRange(_ context.Context, tableID string, limit, offset int, _ time.Time) ([]string, error) {
	ids := h.tables[tableID]
	start := -offset // offset is HEAD-relative: 0 or negative
	if start < 0 || start >= len(ids) {
		return nil, nil
	}
	n := limit
	if n < 0 {
		n = -n
	}
	end := start + n
	if end > len(ids) {
		end = len(ids)
	}
	return ids[start:end], nil
}

func (h *fakeHistory) InitialRange(_ context.Context, tableID string, count, offset int, _ time.Time) ([]string, error) {
	ids := h.tables[tableID]
	oldestFirst := make([]string, len(ids))
	for i, id := range ids {
		oldestFirst[len(ids)-1-i] = id
	}
	if offset < 0 || offset >= len(oldestFirst) {
		return nil, nil
	}
	end := offset + count
	if end > len(oldestFirst) {
		end = len(oldestFirst)
	}
	return oldestFirst[offset:end], nil
}

func TestResolveSingleHead(t *testing.T) {
	h := &fakeHistory{tables: map[string][]string{"t0": {"v2", "v1", "v0"}}}
	f := versionfinder.New(h, "c0", time.Now())

	ids, err := f.Resolve(context.Background(), "t0", version.SingleOf(version.Head()))
	require.NoError(t, err)
	require.Equal(t, []string{"v2"}, ids)
}

func TestResolveSingleHeadBack(t *testing.T) {
	h := &fakeHistory{tables: map[string][]string{"t0": {"v2", "v1", "v0"}}}
	f := versionfinder.New(h, "c0", time.Now())

	ids, err := f.Resolve(context.Background(), "t0", version.SingleOf(version.HeadBack(1)))
	require.NoError(t, err)
	require.Equal(t, []string{"v1"}, ids)
}

func TestResolveRangeBeyondHistoryIsShortNotError(t *testing.T) {
	h := &fakeHistory{tables: map[string][]string{"t0": {"v1", "v0"}}}
	f := versionfinder.New(h, "c0", time.Now())

	ids, err := f.Resolve(context.Background(), "t0", version.RangeOf(version.HeadBack(5), version.Head()))
	require.NoError(t, err)
	require.LessOrEqual(t, len(ids), 2)
}

func TestTableIDIsMemoisedWithSkipState(t *testing.T) {
	h := &fakeHistory{tables: map[string][]string{"t0": {"v0"}}}
	f := versionfinder.New(h, "c0", time.Now())

	_, ok, err := f.TableID(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = f.TableID(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, 1, h.lookups, "second lookup for a confirmed-absent name must hit the Skip cache, not the store")
}
