package store

import (
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plpfi/vault/pkg/vault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbManager := manager.NewManager(t.TempDir(), nil)
	db, err := dbManager.New(manager.DefaultMemoryConfig())
	require.NoError(t, err)

	level, _ := log.ToLevel("debug")
	return New(db, log.NewTestLogger(level))
}

func seededVault(t *testing.T) *vault.Vault {
	t.Helper()
	oracle := vault.NewStaticOracle()
	v := vault.NewVault(nil, oracle)
	v.WhitelistAsset(&vault.AssetConfig{
		Symbol:   "USDC",
		Decimals: 6,
		Weight:   100,
		IsStable: true,
	})
	oracle.SetSpotPrice("USDC", new(big.Int).Set(vault.PricePrecision))

	require.NoError(t, v.Fund("USDC", big.NewInt(1_000_000_000)))
	_, err := v.MintUSDP("USDC", "alice")
	require.NoError(t, err)
	return v
}

func TestSaveLoadSnapshot(t *testing.T) {
	s := newTestStore(t)
	v := seededVault(t)

	snap := v.Snapshot()
	require.NoError(t, s.SaveSnapshot(snap, nil))

	loaded, err := s.LoadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 0, loaded.USDPSupply.Cmp(snap.USDPSupply))
	assert.Equal(t, snap.AssetList, loaded.AssetList)

	restored := vault.NewVault(nil, vault.NewStaticOracle())
	restored.Restore(loaded)
	assert.Equal(t, 0, restored.PoolAmount("USDC").Cmp(v.PoolAmount("USDC")))

	at, err := s.SavedAt()
	require.NoError(t, err)
	assert.False(t, at.IsZero())
}

func TestLoadSnapshotEmpty(t *testing.T) {
	s := newTestStore(t)

	snap, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snap)

	lp, err := s.LoadLpSnapshot()
	require.NoError(t, err)
	assert.Nil(t, lp)

	at, err := s.SavedAt()
	require.NoError(t, err)
	assert.True(t, at.IsZero())
}

func TestSaveLoadLpSnapshot(t *testing.T) {
	s := newTestStore(t)
	v := seededVault(t)

	m := vault.NewLpManager(v, time.Minute)
	require.NoError(t, v.Fund("USDC", big.NewInt(500_000_000)))
	_, err := m.AddLiquidity("USDC", big.NewInt(0), big.NewInt(0), "alice")
	require.NoError(t, err)

	require.NoError(t, s.SaveSnapshot(v.Snapshot(), m.Snapshot()))

	lp, err := s.LoadLpSnapshot()
	require.NoError(t, err)
	require.NotNil(t, lp)
	assert.Equal(t, 0, lp.PlpSupply.Cmp(m.PlpSupply()))
	assert.Equal(t, 0, lp.PlpBalances["alice"].Cmp(m.PlpBalance("alice")))

	fresh := vault.NewLpManager(v, time.Minute)
	fresh.Restore(lp)
	assert.Equal(t, 0, fresh.PlpSupply().Cmp(m.PlpSupply()))
	assert.NotZero(t, fresh.CooldownRemaining("alice"))
}