package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseVersionAnchors(t *testing.T) {
	cases := []struct {
		in   string
		want Version
	}{
		{"HEAD", Head()},
		{"HEAD^", HeadBack(1)},
		{"HEAD^^", HeadBack(2)},
		{"HEAD~5", HeadBack(5)},
		{"INITIAL", Initial()},
		{"INITIAL^", InitialForward(1)},
		{"INITIAL~3", InitialForward(3)},
	}
	for _, tc := range cases {
		got, err := ParseVersion(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseVersionFixedID(t *testing.T) {
	id := "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	got, err := ParseVersion(id)
	require.NoError(t, err)
	require.Equal(t, Fixed(id), got)
}

func TestParseVersionRejectsGarbage(t *testing.T) {
	_, err := ParseVersion("nonsense")
	require.Error(t, err)
}

func TestParseVersionsList(t *testing.T) {
	got, err := Parse("HEAD,HEAD^,HEAD~2")
	require.NoError(t, err)
	require.Equal(t, KindList, got.Kind)
	require.Len(t, got.List, 3)
}

func TestParseVersionsRange(t *testing.T) {
	got, err := Parse("HEAD~2..HEAD")
	require.NoError(t, err)
	require.Equal(t, KindRange, got.Kind)
	require.Equal(t, HeadBack(2), got.From)
	require.Equal(t, Head(), got.To)
}

func TestParseVersionsRangeRejectsPositiveEndpoints(t *testing.T) {
	_, err := Parse("INITIAL^..INITIAL^^")
	require.ErrorIs(t, err, ErrInvalidVersionRange)
}

func TestParseVersionsNoneOnEmpty(t *testing.T) {
	got, err := Parse("")
	require.NoError(t, err)
	require.Equal(t, KindNone, got.Kind)
}

func TestLimitAndOffsetForwardOrder(t *testing.T) {
	limit, offset := LimitAndOffset(-2, 0)
	require.Equal(t, 3, limit)
	require.Equal(t, 0, offset)
}

func TestLimitAndOffsetReverseOrder(t *testing.T) {
	limit, offset := LimitAndOffset(0, -2)
	require.Equal(t, -3, limit)
	require.Equal(t, 0, offset)
}

func TestLimitAndOffsetRoundTripIgnoresEndpointOrder(t *testing.T) {
	l1, o1 := LimitAndOffset(-3, -1)
	l2, o2 := LimitAndOffset(-1, -3)
	require.Equal(t, o1, o2)
	require.Equal(t, -l1, l2)
}

func TestLimitAndOffsetSinglePoint(t *testing.T) {
	limit, offset := LimitAndOffset(0, 0)
	require.Equal(t, 1, limit)
	require.Equal(t, 0, offset)
}
