package vault

import (
	"math/big"
	"sync"
	"time"
)

// Vault is the single-pool collateral ledger backing USDP and PLP. It owns
// every PoolLedger and Position record and guards them with one exclusive
// lock: each public operation is a serialized, all-or-nothing unit of work.
// Operations stage their mutations on cloned records and commit only after
// every guard has passed, so a rejected call leaves no partial state.
type Vault struct {
	cfg    *VaultConfig
	oracle PriceOracle
	events Publisher

	assets    map[string]*AssetConfig
	assetList []string
	ledgers   map[string]*PoolLedger

	// balances is the asset units actually held; lastBalances is the amount
	// observed at the end of the previous operation. The difference is the
	// "transferred in" precondition read once per operation.
	balances     map[string]*big.Int
	lastBalances map[string]*big.Int

	usdpSupply   *big.Int
	usdpBalances map[string]*big.Int

	positions    map[string]*Position
	totalWeights uint64

	now func() time.Time
	mu  sync.RWMutex
}

// NewVault creates an empty vault with the given parameters and oracle.
func NewVault(cfg *VaultConfig, oracle PriceOracle) *Vault {
	if cfg == nil {
		cfg = DefaultVaultConfig()
	}
	return &Vault{
		cfg:          cfg,
		oracle:       oracle,
		assets:       make(map[string]*AssetConfig),
		ledgers:      make(map[string]*PoolLedger),
		balances:     make(map[string]*big.Int),
		lastBalances: make(map[string]*big.Int),
		usdpSupply:   big.NewInt(0),
		usdpBalances: make(map[string]*big.Int),
		positions:    make(map[string]*Position),
		now:          time.Now,
	}
}

// SetPublisher attaches an event publisher. A nil publisher drops events.
func (v *Vault) SetPublisher(p Publisher) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = p
}

func (v *Vault) publish(e Event) {
	if v.events != nil {
		v.events.Publish(e)
	}
}

// WhitelistAsset adds or reconfigures a whitelisted asset. Called by the
// governance collaborator only.
func (v *Vault) WhitelistAsset(cfg *AssetConfig) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if prev, ok := v.assets[cfg.Symbol]; ok {
		v.totalWeights -= prev.Weight
	} else {
		v.assetList = append(v.assetList, cfg.Symbol)
		v.ledgers[cfg.Symbol] = newPoolLedger()
		v.balances[cfg.Symbol] = big.NewInt(0)
		v.lastBalances[cfg.Symbol] = big.NewInt(0)
	}
	v.totalWeights += cfg.Weight
	v.assets[cfg.Symbol] = cfg
}

// SetBufferAmount sets the pool floor for an asset.
func (v *Vault) SetBufferAmount(asset string, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	cfg, ok := v.assets[asset]
	if !ok {
		return ErrAssetNotWhitelisted
	}
	cfg.BufferAmount = new(big.Int).Set(amount)
	return nil
}

// SetSwapEnabled toggles asset-to-asset swaps.
func (v *Vault) SetSwapEnabled(enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg.SwapEnabled = enabled
}

// SetLeverageEnabled toggles position opening.
func (v *Vault) SetLeverageEnabled(enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg.LeverageEnabled = enabled
}

// Fund records an inbound asset transfer. Transfers are an external,
// atomic, all-or-nothing primitive; the vault only ever observes the
// balance delta at the start of its next operation.
func (v *Vault) Fund(asset string, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.assets[asset]; !ok {
		return ErrAssetNotWhitelisted
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v.balances[asset].Add(v.balances[asset], amount)
	return nil
}

// pendingIn is the balance delta since the last observed balance. Read
// once at the start of an operation, committed only on success.
func (v *Vault) pendingIn(asset string) *big.Int {
	return new(big.Int).Sub(v.balances[asset], v.lastBalances[asset])
}

func (v *Vault) commitIn(asset string) {
	v.lastBalances[asset].Set(v.balances[asset])
}

// transferOut moves asset units out of the vault to the receiver via the
// external transfer primitive.
func (v *Vault) transferOut(asset string, amount *big.Int) {
	v.balances[asset].Sub(v.balances[asset], amount)
	v.lastBalances[asset].Set(v.balances[asset])
}

// MintUSDP converts the asset amount transferred in since the last
// operation into USDP, minted to payer. The asset is valued at the bid
// price, the dynamic fee is carved out of the deposited amount, and the
// asset's debt rises by the fee-adjusted USDP. A mint that would push debt
// over the asset's cap is rejected unless the cap was already exceeded by
// price movement alone.
func (v *Vault) MintUSDP(asset, payer string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	st, err := v.stageMint(asset)
	if err != nil {
		return nil, err
	}
	v.commitMint(st, payer)
	return st.usdpMinted, nil
}

// mintStage is a staged, uncommitted USDP mint. The caller inspects the
// outputs and either commits or walks away; a discarded stage leaves no
// trace.
type mintStage struct {
	asset      string
	ledger     *PoolLedger
	funding    *FundingEvent
	amountIn   *big.Int
	usdpMinted *big.Int
	feeBps     uint64
	feeTokens  *big.Int
}

// stageMint runs every mint guard and the fee math against a cloned
// ledger. Lock must be held.
func (v *Vault) stageMint(asset string) (*mintStage, error) {
	a, ok := v.assets[asset]
	if !ok {
		return nil, ErrAssetNotWhitelisted
	}
	amount := v.pendingIn(asset)
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	l := v.ledgers[asset].clone()
	funding := v.updateFunding(l, asset)

	price := v.oracle.Price(asset, false)
	if price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}

	usdpDelta := usdToUsdp(v.tokenToUsd(a, amount, price))
	if usdpDelta.Sign() == 0 {
		return nil, ErrInvalidAmount
	}

	feeBps := v.feeBasisPoints(asset, usdpDelta, v.cfg.MintBurnFeeBps, v.cfg.TaxBps, true)
	afterFee, feeTokens := applyFeeBps(amount, feeBps)
	usdpMinted := usdToUsdp(v.tokenToUsd(a, afterFee, price))

	if err := l.increaseDebt(usdpMinted, a.MaxDebt); err != nil {
		return nil, err
	}
	l.increasePool(amount)
	l.FeeReserve.Add(l.FeeReserve, feeTokens)

	return &mintStage{
		asset:      asset,
		ledger:     l,
		funding:    funding,
		amountIn:   amount,
		usdpMinted: usdpMinted,
		feeBps:     feeBps,
		feeTokens:  feeTokens,
	}, nil
}

// commitMint makes a staged mint visible and emits its events. Lock must
// be held.
func (v *Vault) commitMint(st *mintStage, payer string) {
	v.ledgers[st.asset] = st.ledger
	v.commitIn(st.asset)
	v.usdpSupply.Add(v.usdpSupply, st.usdpMinted)
	v.creditUSDP(payer, st.usdpMinted)

	if st.funding != nil {
		v.publish(st.funding)
	}
	v.publish(&MintEvent{
		Asset:      st.asset,
		Payer:      payer,
		AmountIn:   new(big.Int).Set(st.amountIn),
		USDPMinted: new(big.Int).Set(st.usdpMinted),
		FeeBps:     st.feeBps,
		FeeTokens:  st.feeTokens,
		Timestamp:  v.now(),
	})
}

// RedeemUSDP burns usdpAmount from account and pays out the asset, valued
// at the ask price so redeemers get the conservative side. The dynamic fee
// is applied on the way out and the pool may not drop below its buffer.
func (v *Vault) RedeemUSDP(asset string, usdpAmount *big.Int, account string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if usdpAmount == nil || usdpAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if v.usdpBalance(account).Cmp(usdpAmount) < 0 {
		return nil, ErrInsufficientUSDP
	}
	st, err := v.stageRedeem(asset, usdpAmount)
	if err != nil {
		return nil, err
	}
	v.commitRedeem(st, account)
	return st.payout, nil
}

// redeemStage is a staged, uncommitted USDP redemption. It covers the
// pool side only; the account's USDP balance is the caller's concern.
type redeemStage struct {
	asset      string
	ledger     *PoolLedger
	funding    *FundingEvent
	usdpAmount *big.Int
	payout     *big.Int
	feeBps     uint64
	feeTokens  *big.Int
}

// stageRedeem runs the redemption guards and fee math against a cloned
// ledger. Lock must be held.
func (v *Vault) stageRedeem(asset string, usdpAmount *big.Int) (*redeemStage, error) {
	a, ok := v.assets[asset]
	if !ok {
		return nil, ErrAssetNotWhitelisted
	}
	if usdpAmount == nil || usdpAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	l := v.ledgers[asset].clone()
	funding := v.updateFunding(l, asset)

	price := v.oracle.Price(asset, true)
	if price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}

	feeBps := v.feeBasisPoints(asset, usdpAmount, v.cfg.MintBurnFeeBps, v.cfg.TaxBps, false)
	afterFeeUsdp, feeUsdp := applyFeeBps(usdpAmount, feeBps)

	payout := v.usdToToken(a, usdpToUsd(afterFeeUsdp), price)
	if payout.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	feeTokens := v.usdToToken(a, usdpToUsd(feeUsdp), price)

	if err := l.decreasePool(payout, a.BufferAmount); err != nil {
		return nil, err
	}
	l.decreaseDebt(usdpAmount)
	l.FeeReserve.Add(l.FeeReserve, feeTokens)

	return &redeemStage{
		asset:      asset,
		ledger:     l,
		funding:    funding,
		usdpAmount: new(big.Int).Set(usdpAmount),
		payout:     payout,
		feeBps:     feeBps,
		feeTokens:  feeTokens,
	}, nil
}

// commitRedeem makes a staged redemption visible, burns the USDP from
// account, pays the tokens out, and emits the events. Lock must be held.
func (v *Vault) commitRedeem(st *redeemStage, account string) {
	v.ledgers[st.asset] = st.ledger
	v.usdpSupply.Sub(v.usdpSupply, st.usdpAmount)
	v.debitUSDP(account, st.usdpAmount)
	v.transferOut(st.asset, st.payout)

	if st.funding != nil {
		v.publish(st.funding)
	}
	v.publish(&RedeemEvent{
		Asset:      st.asset,
		Account:    account,
		USDPBurned: new(big.Int).Set(st.usdpAmount),
		AmountOut:  new(big.Int).Set(st.payout),
		FeeBps:     st.feeBps,
		FeeTokens:  st.feeTokens,
		Timestamp:  v.now(),
	})
}

// Swap trades the transferred-in assetIn for assetOut: an atomic mint of
// the intermediate USDP followed by a redemption of it, with each leg
// priced on its own side of the oracle and charged by its own asset's fee
// curve. USDP supply is untouched; the two debts move in opposite
// directions and both fee reserves are credited.
func (v *Vault) Swap(assetIn, assetOut, receiver string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.cfg.SwapEnabled {
		return nil, ErrSwapsDisabled
	}
	if assetIn == assetOut {
		return nil, ErrIdenticalAssets
	}
	aIn, ok := v.assets[assetIn]
	if !ok {
		return nil, ErrAssetNotWhitelisted
	}
	aOut, ok := v.assets[assetOut]
	if !ok {
		return nil, ErrAssetNotWhitelisted
	}

	amountIn := v.pendingIn(assetIn)
	if amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	lIn := v.ledgers[assetIn].clone()
	lOut := v.ledgers[assetOut].clone()
	fundingIn := v.updateFunding(lIn, assetIn)
	fundingOut := v.updateFunding(lOut, assetOut)

	priceIn := v.oracle.Price(assetIn, false)
	priceOut := v.oracle.Price(assetOut, true)
	if priceIn.Sign() <= 0 || priceOut.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}

	usdpGross := usdToUsdp(v.tokenToUsd(aIn, amountIn, priceIn))
	if usdpGross.Sign() == 0 {
		return nil, ErrInvalidAmount
	}

	baseBps, taxBps := v.swapFeeBasis(assetIn, assetOut)
	feeBpsIn := v.feeBasisPoints(assetIn, usdpGross, baseBps, taxBps, true)
	afterFeeIn, feeTokensIn := applyFeeBps(amountIn, feeBpsIn)
	usdpAmount := usdToUsdp(v.tokenToUsd(aIn, afterFeeIn, priceIn))

	feeBpsOut := v.feeBasisPoints(assetOut, usdpAmount, baseBps, taxBps, false)
	afterFeeUsdp, feeUsdpOut := applyFeeBps(usdpAmount, feeBpsOut)

	amountOut := v.usdToToken(aOut, usdpToUsd(afterFeeUsdp), priceOut)
	if amountOut.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	feeTokensOut := v.usdToToken(aOut, usdpToUsd(feeUsdpOut), priceOut)

	if err := lIn.increaseDebt(usdpAmount, aIn.MaxDebt); err != nil {
		return nil, err
	}
	if err := lOut.decreasePool(amountOut, aOut.BufferAmount); err != nil {
		return nil, err
	}
	lIn.increasePool(amountIn)
	lIn.FeeReserve.Add(lIn.FeeReserve, feeTokensIn)
	lOut.decreaseDebt(usdpAmount)
	lOut.FeeReserve.Add(lOut.FeeReserve, feeTokensOut)

	v.ledgers[assetIn] = lIn
	v.ledgers[assetOut] = lOut
	v.commitIn(assetIn)
	v.transferOut(assetOut, amountOut)

	if fundingIn != nil {
		v.publish(fundingIn)
	}
	if fundingOut != nil {
		v.publish(fundingOut)
	}
	v.publish(&SwapEvent{
		AssetIn:   assetIn,
		AssetOut:  assetOut,
		Receiver:  receiver,
		AmountIn:  new(big.Int).Set(amountIn),
		AmountOut: new(big.Int).Set(amountOut),
		ValueUsd:  usdpToUsd(usdpAmount),
		PriceOut:  new(big.Int).Set(priceOut),
		FeeBpsIn:  feeBpsIn,
		FeeBpsOut: feeBpsOut,
		Timestamp: v.now(),
	})
	return amountOut, nil
}

// WithdrawFees moves the accrued fee reserve out of the pool to the
// receiver. Governance only.
func (v *Vault) WithdrawFees(asset, receiver string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	a, ok := v.assets[asset]
	if !ok {
		return nil, ErrAssetNotWhitelisted
	}
	l := v.ledgers[asset].clone()
	amount := new(big.Int).Set(l.FeeReserve)
	if amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if err := l.decreasePool(amount, a.BufferAmount); err != nil {
		return nil, err
	}
	l.FeeReserve = big.NewInt(0)

	v.ledgers[asset] = l
	v.transferOut(asset, amount)
	return amount, nil
}

// USDP bookkeeping. USDP lives purely inside the vault's ledger; transfers
// between external accounts are out of scope.

func (v *Vault) usdpBalance(account string) *big.Int {
	if b, ok := v.usdpBalances[account]; ok {
		return b
	}
	return big.NewInt(0)
}

func (v *Vault) creditUSDP(account string, amount *big.Int) {
	b, ok := v.usdpBalances[account]
	if !ok {
		b = big.NewInt(0)
		v.usdpBalances[account] = b
	}
	b.Add(b, amount)
}

func (v *Vault) debitUSDP(account string, amount *big.Int) {
	if b, ok := v.usdpBalances[account]; ok {
		b.Sub(b, amount)
	}
}

// mintUSDPBare raises the USDP supply without touching any pool ledger.
// Used by the LP manager, under the vault lock, to cover redemption value
// that exceeds the USDP it holds after the pool has appreciated.
func (v *Vault) mintUSDPBare(account string, amount *big.Int) {
	v.usdpSupply.Add(v.usdpSupply, amount)
	v.creditUSDP(account, amount)
}

// Conversions. amount*price/10^decimals and usd*10^decimals/price, with
// every multiplication performed before division.

func (v *Vault) tokenToUsd(a *AssetConfig, amount, price *big.Int) *big.Int {
	return mulDiv(amount, price, pow10(a.Decimals))
}

func (v *Vault) usdToToken(a *AssetConfig, usd, price *big.Int) *big.Int {
	return mulDiv(usd, pow10(a.Decimals), price)
}

// Read access for collaborators. All getters copy.

// Assets returns the whitelisted asset symbols in listing order.
func (v *Vault) Assets() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.assetList))
	copy(out, v.assetList)
	return out
}

// AssetConfigFor returns the configuration of a whitelisted asset.
func (v *Vault) AssetConfigFor(asset string) (*AssetConfig, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	a, ok := v.assets[asset]
	if !ok {
		return nil, false
	}
	c := *a
	return &c, true
}

// Ledger returns a copy of the asset's pool ledger.
func (v *Vault) Ledger(asset string) (*PoolLedger, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	l, ok := v.ledgers[asset]
	if !ok {
		return nil, false
	}
	return l.clone(), true
}

// PoolAmount returns the asset units the pool holds.
func (v *Vault) PoolAmount(asset string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if l, ok := v.ledgers[asset]; ok {
		return new(big.Int).Set(l.PoolAmount)
	}
	return big.NewInt(0)
}

// ReservedAmount returns the asset units earmarked for open exposure.
func (v *Vault) ReservedAmount(asset string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if l, ok := v.ledgers[asset]; ok {
		return new(big.Int).Set(l.ReservedAmount)
	}
	return big.NewInt(0)
}

// Debt returns the USDP debt attributed to the asset.
func (v *Vault) Debt(asset string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if l, ok := v.ledgers[asset]; ok {
		return new(big.Int).Set(l.Debt)
	}
	return big.NewInt(0)
}

// FeeReserve returns the accrued protocol fees in asset units.
func (v *Vault) FeeReserve(asset string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if l, ok := v.ledgers[asset]; ok {
		return new(big.Int).Set(l.FeeReserve)
	}
	return big.NewInt(0)
}

// GuaranteedUsd returns the 1e30 USD long-exposure guarantee for the asset.
func (v *Vault) GuaranteedUsd(asset string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if l, ok := v.ledgers[asset]; ok {
		return new(big.Int).Set(l.GuaranteedUsd)
	}
	return big.NewInt(0)
}

// USDPSupply returns the total USDP in circulation.
func (v *Vault) USDPSupply() *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.usdpSupply)
}

// USDPBalance returns the account's USDP balance.
func (v *Vault) USDPBalance(account string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.usdpBalance(account))
}

// Balance returns the asset units the vault physically holds, including
// amounts not yet attributed to the pool.
func (v *Vault) Balance(asset string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if b, ok := v.balances[asset]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}
