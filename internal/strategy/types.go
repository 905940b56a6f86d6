package strategy

// State is the hedged-position state machine. OPEN_LONG_BASIS is long spot
// against a short perp (the classic "perp rich" trade); OPEN_SHORT_BASIS is
// the mirror.
type State string

const (
	StateFlat           State = "FLAT"
	StateOpenLongBasis  State = "OPEN_LONG_BASIS"
	StateOpenShortBasis State = "OPEN_SHORT_BASIS"
)

// Action is the outcome of one tick.
type Action string

const (
	ActionEnterLong  Action = "ENTER_LONG_BASIS"
	ActionEnterShort Action = "ENTER_SHORT_BASIS"
	ActionExit       Action = "EXIT"
	ActionHold       Action = "HOLD"
	ActionBlocked    Action = "BLOCKED"
	ActionSkip       Action = "SKIP"
)

// Reason codes separate policy gates from data-driven blocks in logs and
// in the trade history.
const (
	ReasonMissingData       = "missing_data"
	ReasonKillSwitch        = "kill_switch"
	ReasonTrendFilter       = "trend_filter"
	ReasonFundingFloor      = "funding_floor"
	ReasonDirectionMismatch = "direction_mismatch"
	ReasonBasisBelowMin     = "basis_below_min"
	ReasonInsufficientCash  = "insufficient_cash"
	ReasonBasisEntry        = "basis_entry"
	ReasonTakeProfit        = "take_profit"
	ReasonStopLoss          = "stop_loss"
	ReasonBasisConvergence  = "basis_convergence"
	ReasonLiqGauge          = "liq_gauge"
	ReasonMaxHold           = "max_hold"
	ReasonNoEdge            = "no_edge"
)

// TickResult reports what the engine did this tick, for logging, alerting
// and tests.
type TickResult struct {
	Action Action
	Reason string
	Note   string
}
