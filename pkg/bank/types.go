package bank

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is an integer credit amount (smallest unit = 1 credit).
type Credits int64

// Int64 returns the raw credit amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// NewCredits validates an amount and ensures it is strictly positive.
func NewCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// PlayerID identifies a wallet owner.
type PlayerID struct {
	value string
}

// NewPlayerID validates and normalizes a player id.
func NewPlayerID(raw string) (PlayerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PlayerID{}, fmt.Errorf("%w: empty value", ErrInvalidPlayerID)
	}
	return PlayerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PlayerID) String() string {
	return id.value
}

// MetadataJSON stores opaque structured audit data on a transaction.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates a metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// TransactionType enumerates the causes of a ledger movement.
type TransactionType string

const (
	TypeSpinBet    TransactionType = "spin_bet"
	TypeSpinWin    TransactionType = "spin_win"
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
)

// String returns the wire value of the type.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// ParseTransactionType validates a stored type value.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TypeSpinBet, TypeSpinWin, TypeDeposit, TypeWithdrawal:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// Status defines the transaction lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// String returns the wire value of the status.
func (status Status) String() string {
	return string(status)
}

// Terminal reports whether the status admits no further ledger effect.
func (status Status) Terminal() bool {
	return status == StatusCompleted || status == StatusFailed
}

// ParseStatus validates a stored status value.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return Status(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// Wallet is the stored credit balance for a player.
type Wallet struct {
	WalletID       string
	PlayerID       string
	BalanceCredits int64
	LockedCredits  int64
}

// Transaction is an audit entry binding a ledger movement to its cause.
// AmountCredits is signed: negative for bets and withdrawals, positive
// for wins and deposits.
type Transaction struct {
	TransactionID  string
	PlayerID       string
	WalletID       string
	Type           TransactionType
	AmountCredits  int64
	Status         Status
	ExternalRef    string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// NewDeposit builds a pending deposit transaction (positive amount).
func NewDeposit(transactionID string, playerID PlayerID, walletID string, amount Credits, nowUnixUTC int64) (Transaction, error) {
	return newTransaction(transactionID, playerID, walletID, TypeDeposit, amount.Int64(), StatusPending, nowUnixUTC)
}

// NewWithdrawal builds a processing withdrawal transaction (negative amount,
// funds already reserved by the caller).
func NewWithdrawal(transactionID string, playerID PlayerID, walletID string, amount Credits, nowUnixUTC int64) (Transaction, error) {
	return newTransaction(transactionID, playerID, walletID, TypeWithdrawal, -amount.Int64(), StatusProcessing, nowUnixUTC)
}

// NewSpinBet builds a completed-by-construction bet transaction (negative amount).
func NewSpinBet(transactionID string, playerID PlayerID, walletID string, bet Credits, nowUnixUTC int64) (Transaction, error) {
	return newTransaction(transactionID, playerID, walletID, TypeSpinBet, -bet.Int64(), StatusCompleted, nowUnixUTC)
}

// NewSpinWin builds a completed-by-construction payout transaction (positive amount).
func NewSpinWin(transactionID string, playerID PlayerID, walletID string, payout Credits, nowUnixUTC int64) (Transaction, error) {
	return newTransaction(transactionID, playerID, walletID, TypeSpinWin, payout.Int64(), StatusCompleted, nowUnixUTC)
}

func newTransaction(transactionID string, playerID PlayerID, walletID string, transactionType TransactionType, signedAmount int64, status Status, nowUnixUTC int64) (Transaction, error) {
	if strings.TrimSpace(transactionID) == "" {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	if strings.TrimSpace(walletID) == "" {
		return Transaction{}, fmt.Errorf("%w: empty wallet id", ErrInvalidTransactionID)
	}
	return Transaction{
		TransactionID:  transactionID,
		PlayerID:       playerID.String(),
		WalletID:       walletID,
		Type:           transactionType,
		AmountCredits:  signedAmount,
		Status:         status,
		MetadataJSON:   "{}",
		CreatedUnixUTC: nowUnixUTC,
	}, nil
}

// SpinRecord is the persisted audit row for a single spin.
type SpinRecord struct {
	SpinID          string
	PlayerID        string
	BetCredits      int64
	PayoutCredits   int64
	ResultJSON      string
	ServerNonce     string
	ServerSignature string
	CreatedUnixUTC  int64
}

// SpinSettlement reports the ledger effects of a settled spin.
type SpinSettlement struct {
	SpinID           string
	BetTransactionID string
	WinTransactionID string
	NewBalance       int64
}

// Resolution reports the outcome of a terminal transition attempt.
type Resolution struct {
	Transaction Transaction
	Applied     bool
}

// Store is the persistence contract used by Service. Lock-taking calls
// (LockWallet, GetTransactionForUpdate) are only valid inside WithTx.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateWallet(ctx context.Context, playerID PlayerID) (Wallet, error)
	LockWallet(ctx context.Context, walletID string) (Wallet, error)
	AddToBalance(ctx context.Context, walletID string, deltaCredits int64) (int64, error)
	InsertTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, transactionID string) (Transaction, error)
	GetTransactionForUpdate(ctx context.Context, transactionID string) (Transaction, error)
	FindTransactionByReference(ctx context.Context, reference string) (Transaction, error)
	UpdateTransactionStatus(ctx context.Context, transactionID string, from []Status, to Status) (bool, error)
	SetExternalRef(ctx context.Context, transactionID string, reference string) error
	MergeTransactionMeta(ctx context.Context, transactionID string, patch map[string]any) error
	InsertSpin(ctx context.Context, record SpinRecord) error
	ListProcessingOlderThan(ctx context.Context, cutoffUnixUTC int64, limit int) ([]Transaction, error)
}
