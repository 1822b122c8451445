// Package pgstore implements bank.Store directly on pgx for postgres
// deployments, keeping the money path on hand-written SQL.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarkoPoloResearchLab/spinbank/pkg/bank"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation = "23505"

	errorOperationStore     = "store"
	errorSubjectWallet      = "wallet"
	errorSubjectTransaction = "transaction"
	errorSubjectSpin        = "spin"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeLookup         = "lookup"
	errorCodeMergeMeta      = "merge_meta"
	errorCodeSetReference   = "set_reference"
	errorCodeUpdateBalance  = "update_balance"
	errorCodeUpdateStatus   = "update_status"

	sqlInsertOrGetWallet = `
		insert into wallets(player_id) values($1)
		on conflict (player_id) do update set player_id = excluded.player_id
		returning wallet_id::text, player_id::text, balance_credits, locked_credits
	`

	sqlLockWallet = `
		select wallet_id::text, player_id::text, balance_credits, locked_credits
		from wallets
		where wallet_id = $1
		for update
	`

	sqlAddToBalance = `
		update wallets
		set balance_credits = balance_credits + $2, updated_at = now()
		where wallet_id = $1 and balance_credits + $2 >= 0
		returning balance_credits
	`

	sqlInsertTransaction = `
		insert into transactions(
			transaction_id, player_id, wallet_id, type, amount_credits, status, external_ref, meta, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6,
			nullif($7,''),
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9)
		)
	`

	sqlSelectTransaction = `
		select
			transaction_id::text,
			player_id::text,
			wallet_id::text,
			type,
			amount_credits,
			status,
			coalesce(external_ref,''),
			coalesce(meta::text,'{}'),
			extract(epoch from created_at)::bigint
		from transactions
		where transaction_id = $1
	`

	sqlSelectTransactionForUpdate = sqlSelectTransaction + `
		for update
	`

	sqlSelectTransactionByReference = `
		select
			transaction_id::text,
			player_id::text,
			wallet_id::text,
			type,
			amount_credits,
			status,
			coalesce(external_ref,''),
			coalesce(meta::text,'{}'),
			extract(epoch from created_at)::bigint
		from transactions
		where external_ref = $1
		   or meta #>> '{provider_response,internal_reference}' = $1
		order by created_at desc
		limit 1
	`

	sqlUpdateTransactionStatus = `
		update transactions
		set status = $3, updated_at = now()
		where transaction_id = $1 and status = any($2)
	`

	sqlSetExternalRef = `
		update transactions
		set external_ref = $2, updated_at = now()
		where transaction_id = $1
	`

	sqlMergeTransactionMeta = `
		update transactions
		set meta = meta || $2::jsonb, updated_at = now()
		where transaction_id = $1
	`

	sqlInsertSpin = `
		insert into spins(
			spin_id, player_id, bet_credits, payout_credits, result_payload, server_nonce, server_signature, created_at
		)
		values(
			$1, $2, $3, $4,
			coalesce(nullif($5,''),'{}')::jsonb,
			$6, $7,
			to_timestamp($8)
		)
	`

	sqlListProcessingOlderThan = `
		select
			transaction_id::text,
			player_id::text,
			wallet_id::text,
			type,
			amount_credits,
			status,
			coalesce(external_ref,''),
			coalesce(meta::text,'{}'),
			extract(epoch from created_at)::bigint
		from transactions
		where status = 'processing' and created_at < to_timestamp($1)
		order by created_at asc
		limit $2
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements bank.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx runs fn against a store bound to one database transaction. The
// nested store serializes on the rows it locks, so LockWallet and
// GetTransactionForUpdate behave as advertised inside fn.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore bank.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction; postgres has no nesting here.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateWallet(ctx context.Context, playerID bank.PlayerID) (bank.Wallet, error) {
	var wallet bank.Wallet
	err := store.db.QueryRow(ctx, sqlInsertOrGetWallet, playerID.String()).Scan(
		&wallet.WalletID,
		&wallet.PlayerID,
		&wallet.BalanceCredits,
		&wallet.LockedCredits,
	)
	if err != nil {
		return bank.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	return wallet, nil
}

func (store *Store) LockWallet(ctx context.Context, walletID string) (bank.Wallet, error) {
	var wallet bank.Wallet
	err := store.db.QueryRow(ctx, sqlLockWallet, walletID).Scan(
		&wallet.WalletID,
		&wallet.PlayerID,
		&wallet.BalanceCredits,
		&wallet.LockedCredits,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bank.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, bank.ErrUnknownWallet)
		}
		return bank.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, err)
	}
	return wallet, nil
}

func (store *Store) AddToBalance(ctx context.Context, walletID string, deltaCredits int64) (int64, error) {
	var balance int64
	err := store.db.QueryRow(ctx, sqlAddToBalance, walletID, deltaCredits).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the wallet is missing or the delta would go negative;
			// callers check funds under lock first, so report the guard.
			return 0, wrapStoreError(errorSubjectWallet, errorCodeUpdateBalance, bank.ErrNegativeBalance)
		}
		return 0, wrapStoreError(errorSubjectWallet, errorCodeUpdateBalance, err)
	}
	return balance, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction bank.Transaction) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.PlayerID,
		transaction.WalletID,
		transaction.Type.String(),
		transaction.AmountCredits,
		transaction.Status.String(),
		transaction.ExternalRef,
		transaction.MetadataJSON,
		transaction.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID string) (bank.Transaction, error) {
	return store.scanTransactionRow(store.db.QueryRow(ctx, sqlSelectTransaction, transactionID), errorCodeGet)
}

func (store *Store) GetTransactionForUpdate(ctx context.Context, transactionID string) (bank.Transaction, error) {
	return store.scanTransactionRow(store.db.QueryRow(ctx, sqlSelectTransactionForUpdate, transactionID), errorCodeGet)
}

func (store *Store) FindTransactionByReference(ctx context.Context, reference string) (bank.Transaction, error) {
	return store.scanTransactionRow(store.db.QueryRow(ctx, sqlSelectTransactionByReference, reference), errorCodeLookup)
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID string, from []bank.Status, to bank.Status) (bool, error) {
	fromValues := make([]string, 0, len(from))
	for _, status := range from {
		fromValues = append(fromValues, status.String())
	}
	tag, err := store.db.Exec(ctx, sqlUpdateTransactionStatus, transactionID, fromValues, to.String())
	if err != nil {
		return false, wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *Store) SetExternalRef(ctx context.Context, transactionID string, reference string) error {
	tag, err := store.db.Exec(ctx, sqlSetExternalRef, transactionID, reference)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeSetReference, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeSetReference, bank.ErrUnknownTransaction)
	}
	return nil
}

func (store *Store) MergeTransactionMeta(ctx context.Context, transactionID string, patch map[string]any) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	tag, err := store.db.Exec(ctx, sqlMergeTransactionMeta, transactionID, string(raw))
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeMergeMeta, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeMergeMeta, bank.ErrUnknownTransaction)
	}
	return nil
}

func (store *Store) InsertSpin(ctx context.Context, record bank.SpinRecord) error {
	_, err := store.db.Exec(ctx, sqlInsertSpin,
		record.SpinID,
		record.PlayerID,
		record.BetCredits,
		record.PayoutCredits,
		record.ResultJSON,
		record.ServerNonce,
		record.ServerSignature,
		record.CreatedUnixUTC,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return wrapStoreError(errorSubjectSpin, errorCodeInsert, bank.ErrDuplicateNonce)
		}
		return wrapStoreError(errorSubjectSpin, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListProcessingOlderThan(ctx context.Context, cutoffUnixUTC int64, limit int) ([]bank.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListProcessingOlderThan, cutoffUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]bank.Transaction, 0, 32)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) scanTransactionRow(row pgx.Row, code string) (bank.Transaction, error) {
	transaction, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bank.Transaction{}, wrapStoreError(errorSubjectTransaction, code, bank.ErrUnknownTransaction)
		}
		return bank.Transaction{}, wrapStoreError(errorSubjectTransaction, code, err)
	}
	return transaction, nil
}

func scanTransaction(row pgx.Row) (bank.Transaction, error) {
	var (
		transactionID  string
		playerIDValue  string
		walletID       string
		typeValue      string
		amountCredits  int64
		statusValue    string
		externalRef    string
		metadataValue  string
		createdUnixUTC int64
	)
	if err := row.Scan(
		&transactionID,
		&playerIDValue,
		&walletID,
		&typeValue,
		&amountCredits,
		&statusValue,
		&externalRef,
		&metadataValue,
		&createdUnixUTC,
	); err != nil {
		return bank.Transaction{}, err
	}
	transactionType, err := bank.ParseTransactionType(typeValue)
	if err != nil {
		return bank.Transaction{}, err
	}
	status, err := bank.ParseStatus(statusValue)
	if err != nil {
		return bank.Transaction{}, err
	}
	return bank.Transaction{
		TransactionID:  transactionID,
		PlayerID:       playerIDValue,
		WalletID:       walletID,
		Type:           transactionType,
		AmountCredits:  amountCredits,
		Status:         status,
		ExternalRef:    externalRef,
		MetadataJSON:   metadataValue,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return bank.WrapError(errorOperationStore, subject, code, err)
}
