package vault

import (
	"math/big"
	"time"
)

// Snapshot is the full serializable vault state. big.Int fields marshal as
// JSON numbers, which round-trips exactly.
type Snapshot struct {
	Config       *VaultConfig            `json:"config"`
	Assets       map[string]*AssetConfig `json:"assets"`
	AssetList    []string                `json:"assetList"`
	Ledgers      map[string]*PoolLedger  `json:"ledgers"`
	Balances     map[string]*big.Int     `json:"balances"`
	LastBalances map[string]*big.Int     `json:"lastBalances"`
	USDPSupply   *big.Int                `json:"usdpSupply"`
	USDPBalances map[string]*big.Int     `json:"usdpBalances"`
	Positions    map[string]*Position    `json:"positions"`
	TotalWeights uint64                  `json:"totalWeights"`
	Taken        time.Time               `json:"taken"`
}

// Snapshot captures a deep copy of the vault state for persistence.
func (v *Vault) Snapshot() *Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s := &Snapshot{
		Config:       v.cfg.clone(),
		Assets:       make(map[string]*AssetConfig, len(v.assets)),
		AssetList:    append([]string(nil), v.assetList...),
		Ledgers:      make(map[string]*PoolLedger, len(v.ledgers)),
		Balances:     copyBigMap(v.balances),
		LastBalances: copyBigMap(v.lastBalances),
		USDPSupply:   new(big.Int).Set(v.usdpSupply),
		USDPBalances: copyBigMap(v.usdpBalances),
		Positions:    make(map[string]*Position, len(v.positions)),
		TotalWeights: v.totalWeights,
		Taken:        v.now(),
	}
	for sym, a := range v.assets {
		s.Assets[sym] = a.clone()
	}
	for sym, l := range v.ledgers {
		s.Ledgers[sym] = l.clone()
	}
	for key, p := range v.positions {
		s.Positions[key] = p.clone()
	}
	return s
}

// Restore replaces the vault state with a snapshot. The oracle, publisher,
// and clock are left untouched.
func (v *Vault) Restore(s *Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s.Config != nil {
		v.cfg = s.Config.clone()
	}
	v.assets = make(map[string]*AssetConfig, len(s.Assets))
	for sym, a := range s.Assets {
		v.assets[sym] = a.clone()
	}
	v.assetList = append([]string(nil), s.AssetList...)
	v.ledgers = make(map[string]*PoolLedger, len(s.Ledgers))
	for sym, l := range s.Ledgers {
		v.ledgers[sym] = l.clone()
	}
	v.balances = copyBigMap(s.Balances)
	v.lastBalances = copyBigMap(s.LastBalances)
	v.usdpSupply = bigOrZero(s.USDPSupply)
	v.usdpBalances = copyBigMap(s.USDPBalances)
	v.positions = make(map[string]*Position, len(s.Positions))
	for key, p := range s.Positions {
		v.positions[key] = p.clone()
	}
	v.totalWeights = s.TotalWeights
}

func copyBigMap(src map[string]*big.Int) map[string]*big.Int {
	dst := make(map[string]*big.Int, len(src))
	for k, b := range src {
		dst[k] = bigOrZero(b)
	}
	return dst
}

func bigOrZero(b *big.Int) *big.Int {
	if b == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(b)
}
