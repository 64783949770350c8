package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

const testKey = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"

func TestPubkeyRoundTrip(t *testing.T) {
	require := require.New(t)

	p, err := ParsePubkey(testKey)
	require.NoError(err)
	require.Equal(testKey, p.String())
	require.False(p.IsZero())

	_, err = ParsePubkey("not-base58-0OIl")
	require.Error(err)
	_, err = ParsePubkey("3mJr7AoUXx2Wqd")
	require.Error(err, "short keys are rejected")
}

func TestEnumsRejectUnknownNames(t *testing.T) {
	require := require.New(t)

	var s OrderStatus
	require.NoError(json.Unmarshal([]byte(`"cancelled"`), &s))
	require.Equal(OrderCancelled, s)
	require.Error(json.Unmarshal([]byte(`"done"`), &s))

	b, err := json.Marshal(MarketSettled)
	require.NoError(err)
	require.Equal(`"settled"`, string(b))

	_, err = json.Marshal(Direction(9))
	require.Error(err)
}

func TestMarketJSONKeepsWideReserves(t *testing.T) {
	require := require.New(t)

	m := Market{MarketIndex: 3, Status: MarketActive}
	require.NoError(m.AMM.BaseAssetReserve.SetDecimal("340282366920938463463374607431768211455"))

	// Encoded by value on purpose: reserves must not depend on addressability.
	b, err := json.Marshal(m)
	require.NoError(err)
	require.Contains(string(b), `"base_asset_reserve":"340282366920938463463374607431768211455"`)

	var back Market
	require.NoError(json.Unmarshal(b, &back))
	require.Equal(m.AMM.BaseAssetReserve.String(), back.AMM.BaseAssetReserve.String())
	require.Equal(MarketActive, back.Status)
}

func TestKeysAreDeterministic(t *testing.T) {
	require := require.New(t)

	p := MustPubkey(testKey)
	require.Equal(UserKey(p), UserKey(p))
	require.NotEqual(MarketKey(0), MarketKey(1))
	require.NotEqual(StateKey(), VaultKey())
	require.Equal(AdmissionKey("0xabc"), AdmissionKey("0xabc"))
}

func TestPositionSlots(t *testing.T) {
	require := require.New(t)

	var u User
	for i := 0; i < MaxPositions; i++ {
		idx, ok := u.PositionFor(uint16(i))
		require.True(ok)
		u.Positions[idx].BaseAssetAmount = 1
	}
	_, ok := u.PositionFor(9)
	require.False(ok)

	// Flat slot with a resting order stays bound to its market.
	u.Positions[1].BaseAssetAmount = 0
	u.Positions[1].OpenOrders = 1
	_, ok = u.PositionFor(9)
	require.False(ok)
	require.Equal(1, u.FindPosition(1))

	u.Positions[1].OpenOrders = 0
	idx, ok := u.PositionFor(9)
	require.True(ok)
	require.Equal(1, idx)
	require.Equal(uint16(9), u.Positions[idx].MarketIndex)
}

func TestCanSign(t *testing.T) {
	p := MustPubkey(testKey)
	u := User{Authority: p}
	require.True(t, u.CanSign(p))
	require.False(t, u.CanSign(Pubkey{}))
	require.False(t, u.CanSign(Pubkey{1}))
	u.Delegate = Pubkey{1}
	require.True(t, u.CanSign(Pubkey{1}))
}
