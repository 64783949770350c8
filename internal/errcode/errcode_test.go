package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodesKeepProgramNumbering(t *testing.T) {
	require := require.New(t)

	require.Equal(Code(6000), MathOverflow)
	require.Equal(Code(6004), ExchangePaused)
	require.Equal(Code(6016), InsufficientCollateral)
	require.Equal(Code(6031), OrderExpired)
	require.Equal(Code(6045), InsufficientMargin)
	require.Equal(Code(6054), PositionNotSettled)
	require.Equal(Code(6055), StateNotInitialized)
}

func TestEveryCodeHasDistinctMessage(t *testing.T) {
	require := require.New(t)

	seen := make(map[string]Code)
	for _, c := range Codes() {
		info, ok := table[c]
		require.True(ok, "code %d missing from table", c)
		require.NotEmpty(info.message)
		require.NotZero(info.kind, "code %s has no kind", info.name)
		prev, dup := seen[info.message]
		require.False(dup, "%s and %s share a message", prev, c)
		seen[info.message] = c
	}
}

func TestIsMatchesByCode(t *testing.T) {
	require := require.New(t)

	err := Newf(OrderExpired, "order %d", 7)
	require.ErrorIs(err, ErrOrderExpired)
	require.NotErrorIs(err, ErrOrderAlreadyFilled)

	wrapped := fmt.Errorf("fill: %w", err)
	require.ErrorIs(wrapped, ErrOrderExpired)

	code, ok := CodeOf(wrapped)
	require.True(ok)
	require.Equal(OrderExpired, code)

	_, ok = CodeOf(errors.New("plain"))
	require.False(ok)
}

func TestErrorString(t *testing.T) {
	require.Equal(t, "ExchangePaused: The exchange is paused", New(ExchangePaused).Error())
	require.Equal(t, KindMargin, WithdrawalExceedsFreeCollateral.Kind())
	require.Equal(t, "margin", KindMargin.String())
}
