package vault

import (
	"math/big"
	"sync"
	"time"
)

// lpManagerAccount holds the USDP backing all outstanding PLP.
const lpManagerAccount = "plp-manager"

// DefaultCooldown is the minimum wait between adding liquidity and
// removing it from the same account.
const DefaultCooldown = 15 * time.Minute

// LpManager issues PLP shares against the vault's assets under management.
// Deposits are valued at the maximised AUM and withdrawals at the
// minimised AUM, so pricing uncertainty always favors remaining holders.
type LpManager struct {
	vault *Vault

	plpSupply   *big.Int
	plpBalances map[string]*big.Int
	lastAdded   map[string]time.Time
	cooldown    time.Duration

	now func() time.Time
	mu  sync.RWMutex
}

// NewLpManager wires a manager to a vault with the given withdrawal
// cooldown. Zero cooldown disables the wait.
func NewLpManager(v *Vault, cooldown time.Duration) *LpManager {
	return &LpManager{
		vault:       v,
		plpSupply:   big.NewInt(0),
		plpBalances: make(map[string]*big.Int),
		lastAdded:   make(map[string]time.Time),
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Aum values every whitelisted asset in USD (price precision units).
// Stable pools are worth their full pool amount; for the rest the
// guaranteed notional plus the unreserved pool portion is marked at the
// current price, matching the vault's worst-case payout obligations.
// Reporting callers get the partial total when an asset is unpriced; the
// LP operations use the strict variant and reject instead.
func (v *Vault) Aum(maximise bool) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	aum, _ := v.aum(maximise)
	return aum
}

// aum assumes the lock is held. An unpriced whitelisted asset makes the
// valuation unreliable: the partial total comes back with ErrInvalidPrice
// and value-moving callers must reject on it.
func (v *Vault) aum(maximise bool) (*big.Int, error) {
	var err error
	aum := big.NewInt(0)
	for _, symbol := range v.assetList {
		a := v.assets[symbol]
		l := v.ledgers[symbol]
		price := v.oracle.Price(symbol, maximise)
		if price.Sign() <= 0 {
			err = ErrInvalidPrice
			continue
		}
		if a.IsStable {
			aum.Add(aum, v.tokenToUsd(a, l.PoolAmount, price))
			continue
		}
		aum.Add(aum, l.GuaranteedUsd)
		free := new(big.Int).Sub(l.PoolAmount, l.ReservedAmount)
		if free.Sign() > 0 {
			aum.Add(aum, v.tokenToUsd(a, free, price))
		}
	}
	return aum, err
}

// GetAum reports assets under management in USD price precision units.
func (m *LpManager) GetAum(maximise bool) *big.Int {
	return m.vault.Aum(maximise)
}

// AddLiquidity deposits the pending balance of asset, mints USDP through
// the vault, and issues PLP pro rata against the pre-deposit AUM. The
// first deposit (or a deposit into an empty pool) receives PLP one-to-one
// with USDP. Both slippage limits are checked against the staged mint
// before anything commits, so a rejected call leaves the vault untouched.
// Starts the withdrawal cooldown for the depositor.
func (m *LpManager) AddLiquidity(asset string, minUsdp, minPlp *big.Int, depositor string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.vault
	v.mu.Lock()
	defer v.mu.Unlock()

	aumUsd, err := v.aum(true)
	if err != nil {
		return nil, err
	}
	aumBefore := usdToUsdp(aumUsd)

	st, err := v.stageMint(asset)
	if err != nil {
		return nil, err
	}
	if minUsdp != nil && st.usdpMinted.Cmp(minUsdp) < 0 {
		return nil, ErrSlippage
	}

	plpMinted := new(big.Int)
	if m.plpSupply.Sign() == 0 || aumBefore.Sign() == 0 {
		plpMinted.Set(st.usdpMinted)
	} else {
		plpMinted = mulDiv(st.usdpMinted, m.plpSupply, aumBefore)
	}
	if minPlp != nil && plpMinted.Cmp(minPlp) < 0 {
		return nil, ErrSlippage
	}

	v.commitMint(st, lpManagerAccount)
	m.plpSupply.Add(m.plpSupply, plpMinted)
	m.creditPlp(depositor, plpMinted)
	m.lastAdded[depositor] = m.now()

	v.publish(&LiquidityEvent{
		Type:      "add",
		Account:   depositor,
		Asset:     asset,
		USDPValue: new(big.Int).Set(st.usdpMinted),
		PLPDelta:  new(big.Int).Set(plpMinted),
		Aum:       aumBefore,
		Timestamp: m.now(),
	})
	return plpMinted, nil
}

// RemoveLiquidity burns plpAmount of the holder's PLP and redeems the
// matching AUM slice through the vault in the requested asset. Rejected
// while the holder's cooldown is active. The redemption is staged first
// and committed only once the minOut limit passes, so a rejected call
// pays nothing out and burns nothing.
func (m *LpManager) RemoveLiquidity(asset string, plpAmount, minOut *big.Int, holder string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if plpAmount == nil || plpAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if m.cooldown > 0 {
		if last, ok := m.lastAdded[holder]; ok && m.now().Before(last.Add(m.cooldown)) {
			return nil, ErrCooldownActive
		}
	}
	bal := m.plpBalance(holder)
	if bal.Cmp(plpAmount) < 0 {
		return nil, ErrInsufficientPLP
	}
	if m.plpSupply.Sign() == 0 {
		return nil, ErrInsufficientPLP
	}

	v := m.vault
	v.mu.Lock()
	defer v.mu.Unlock()

	aumUsd, err := v.aum(false)
	if err != nil {
		return nil, err
	}
	aum := usdToUsdp(aumUsd)
	usdpValue := mulDiv(plpAmount, aum, m.plpSupply)
	if usdpValue.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	st, err := v.stageRedeem(asset, usdpValue)
	if err != nil {
		return nil, err
	}
	if minOut != nil && st.payout.Cmp(minOut) < 0 {
		return nil, ErrSlippage
	}

	// The manager's USDP balance lags AUM growth from fees and trader
	// losses; the shortfall is minted only once the redemption is accepted.
	managerBal := v.usdpBalance(lpManagerAccount)
	if managerBal.Cmp(usdpValue) < 0 {
		v.mintUSDPBare(lpManagerAccount, new(big.Int).Sub(usdpValue, managerBal))
	}
	v.commitRedeem(st, lpManagerAccount)

	m.plpSupply.Sub(m.plpSupply, plpAmount)
	m.debitPlp(holder, plpAmount)

	v.publish(&LiquidityEvent{
		Type:      "remove",
		Account:   holder,
		Asset:     asset,
		AmountOut: new(big.Int).Set(st.payout),
		USDPValue: usdpValue,
		PLPDelta:  new(big.Int).Neg(plpAmount),
		Aum:       aum,
		Timestamp: m.now(),
	})
	return st.payout, nil
}

// PlpPrice is the USDP value of one PLP share at the minimised AUM, in
// price precision units per whole share. Returns zero with no supply.
func (m *LpManager) PlpPrice() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.plpSupply.Sign() == 0 {
		return big.NewInt(0)
	}
	return mulDiv(m.GetAum(false), pow10(USDPDecimals), m.plpSupply)
}

// PlpSupply returns the outstanding PLP supply.
func (m *LpManager) PlpSupply() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.plpSupply)
}

// PlpBalance returns holder's PLP balance.
func (m *LpManager) PlpBalance(holder string) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plpBalance(holder)
}

// CooldownRemaining reports how long until holder may remove liquidity.
func (m *LpManager) CooldownRemaining(holder string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	last, ok := m.lastAdded[holder]
	if !ok {
		return 0
	}
	remaining := last.Add(m.cooldown).Sub(m.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// LpSnapshot is the serializable state of an LpManager.
type LpSnapshot struct {
	PlpSupply   *big.Int             `json:"plpSupply"`
	PlpBalances map[string]*big.Int  `json:"plpBalances"`
	LastAdded   map[string]time.Time `json:"lastAdded"`
}

// Snapshot deep-copies the manager's share accounting.
func (m *LpManager) Snapshot() *LpSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lastAdded := make(map[string]time.Time, len(m.lastAdded))
	for k, v := range m.lastAdded {
		lastAdded[k] = v
	}
	return &LpSnapshot{
		PlpSupply:   new(big.Int).Set(m.plpSupply),
		PlpBalances: copyBigMap(m.plpBalances),
		LastAdded:   lastAdded,
	}
}

// Restore replaces the manager's share accounting with the snapshot.
// The vault link and cooldown are left untouched.
func (m *LpManager) Restore(s *LpSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.plpSupply = bigOrZero(s.PlpSupply)
	m.plpBalances = copyBigMap(s.PlpBalances)
	m.lastAdded = make(map[string]time.Time, len(s.LastAdded))
	for k, v := range s.LastAdded {
		m.lastAdded[k] = v
	}
}

func (m *LpManager) plpBalance(holder string) *big.Int {
	if b, ok := m.plpBalances[holder]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

func (m *LpManager) creditPlp(holder string, amount *big.Int) {
	b, ok := m.plpBalances[holder]
	if !ok {
		b = big.NewInt(0)
		m.plpBalances[holder] = b
	}
	b.Add(b, amount)
}

func (m *LpManager) debitPlp(holder string, amount *big.Int) {
	if b, ok := m.plpBalances[holder]; ok {
		b.Sub(b, amount)
	}
}
