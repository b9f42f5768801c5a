package sim

import (
	"flexlev-keeper/internal/exec"
	"flexlev-keeper/internal/position"
	"flexlev-keeper/internal/precise"
	"flexlev-keeper/internal/state"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type PaperConfig struct {
	Account           common.Address
	Market            MarketConfig
	Venues            []AMMConfig
	InitialCollateral sdkmath.Int
	InitialDebt       sdkmath.Int
	Supply            sdkmath.Int
	VaultBalance      sdkmath.Int
}

// Paper bundles a full set of simulated collaborators around one basket.
type Paper struct {
	Market   *Market
	Ledger   *Ledger
	Router   *Router
	Executor *exec.Executor
	Module   *LeverageModule
	Vault    *RewardVault
	oracle   position.Oracle
}

func NewPaper(cfg PaperConfig, oracle position.Oracle, store state.Store, log *zap.Logger) *Paper {
	if log == nil {
		log = zap.NewNop()
	}
	market := NewMarket(cfg.Market, oracle)
	if collateral := precise.IntOrZero(cfg.InitialCollateral); collateral.IsPositive() {
		market.Deposit(cfg.Account, collateral)
	}
	if debt := precise.IntOrZero(cfg.InitialDebt); debt.IsPositive() {
		market.SetDebt(cfg.Account, debt)
	}
	ledger := NewLedger(cfg.Supply)
	ledger.SyncExternalPosition(cfg.Market.BorrowAsset, precise.IntOrZero(cfg.InitialDebt))
	router := NewRouter()
	for _, v := range cfg.Venues {
		router.Add(NewAMM(v, oracle))
	}
	executor := exec.New(router, store, log.Named("exec"))
	return &Paper{
		Market:   market,
		Ledger:   ledger,
		Router:   router,
		Executor: executor,
		Module:   NewLeverageModule(cfg.Account, market, ledger, executor, router, log.Named("module")),
		Vault:    NewRewardVault(cfg.VaultBalance),
		oracle:   oracle,
	}
}

// Deps returns the collaborators in the shape the position gateway takes.
func (p *Paper) Deps() position.Deps {
	return position.Deps{
		Market: p.Market,
		Oracle: p.oracle,
		Ledger: p.Ledger,
		Module: p.Module,
	}
}
