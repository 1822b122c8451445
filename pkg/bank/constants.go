package bank

const (
	operationBalance    = "balance"
	operationSpin       = "spin"
	operationDeposit    = "deposit"
	operationWithdrawal = "withdrawal"
	operationResolve    = "resolve"

	operationStatusOK    = "ok"
	operationStatusError = "error"
	operationStatusNoop  = "noop"
)
