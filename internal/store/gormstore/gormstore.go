// Package gormstore persists the bank domain plus machines, players, spins,
// and the admin config through GORM, against sqlite or postgres.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/spinbank/internal/adminconfig"
	"github.com/MarkoPoloResearchLab/spinbank/pkg/bank"
	"github.com/MarkoPoloResearchLab/spinbank/pkg/spin"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetaJSON         = "{}"
	errorOperationStore     = "store"
	errorSubjectWallet      = "wallet"
	errorSubjectTransaction = "transaction"
	errorSubjectPlayer      = "player"
	errorSubjectSpin        = "spin"
	errorSubjectMachine     = "machine"
	errorSubjectConfig      = "admin_config"
	errorCodeCreate         = "create"
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
	errorCodeSave           = "save"
)

// Store implements bank.Store using GORM. It also serves the player
// directory, machine catalog, and admin config contracts.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore bank.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateWallet(ctx context.Context, playerID bank.PlayerID) (bank.Wallet, error) {
	wallet := Wallet{PlayerID: playerID.String()}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "player_id"}},
			DoNothing: true,
		}).
		Create(&wallet)
	if result.Error != nil {
		return bank.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeCreate, result.Error)
	}
	if result.RowsAffected == 0 {
		// Lost the insert race: the row exists under an id generated by the
		// winner, not the one BeforeCreate minted locally. Re-select it.
		wallet = Wallet{}
		err := store.db.WithContext(ctx).Where("player_id = ?", playerID.String()).Take(&wallet).Error
		if err != nil {
			return bank.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
		}
	}
	return mapWallet(wallet), nil
}

func (store *Store) LockWallet(ctx context.Context, walletID string) (bank.Wallet, error) {
	var wallet Wallet
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("wallet_id = ?", walletID).
		Take(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return bank.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, bank.ErrUnknownWallet)
		}
		return bank.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, err)
	}
	return mapWallet(wallet), nil
}

func (store *Store) AddToBalance(ctx context.Context, walletID string, deltaCredits int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("wallet_id = ? AND balance_credits + ? >= 0", walletID, deltaCredits).
		UpdateColumn("balance_credits", gorm.Expr("balance_credits + ?", deltaCredits))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeUpdateBalance, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeUpdateBalance, bank.ErrNegativeBalance)
	}
	var wallet Wallet
	if err := store.db.WithContext(ctx).Where("wallet_id = ?", walletID).Take(&wallet).Error; err != nil {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return wallet.BalanceCredits, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction bank.Transaction) error {
	row := Transaction{
		TransactionID: transaction.TransactionID,
		PlayerID:      transaction.PlayerID,
		WalletID:      transaction.WalletID,
		Type:          transaction.Type.String(),
		AmountCredits: transaction.AmountCredits,
		Status:        transaction.Status.String(),
		Meta:          datatypesJSON(transaction.MetadataJSON),
		CreatedAt:     time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if transaction.ExternalRef != "" {
		reference := transaction.ExternalRef
		row.ExternalRef = &reference
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID string) (bank.Transaction, error) {
	return store.getTransaction(ctx, transactionID, false)
}

func (store *Store) GetTransactionForUpdate(ctx context.Context, transactionID string) (bank.Transaction, error) {
	return store.getTransaction(ctx, transactionID, true)
}

func (store *Store) getTransaction(ctx context.Context, transactionID string, forUpdate bool) (bank.Transaction, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Transaction
	err := query.Where("transaction_id = ?", transactionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return bank.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, bank.ErrUnknownTransaction)
		}
		return bank.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return mapTransaction(row)
}

func (store *Store) FindTransactionByReference(ctx context.Context, reference string) (bank.Transaction, error) {
	var row Transaction
	err := store.db.WithContext(ctx).
		Where(
			store.db.Where("external_ref = ?", reference).
				Or(datatypes.JSONQuery("meta").Equals(reference, "provider_response", "internal_reference")),
		).
		Order("created_at DESC").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return bank.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, bank.ErrUnknownTransaction)
		}
		return bank.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return mapTransaction(row)
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID string, from []bank.Status, to bank.Status) (bool, error) {
	fromValues := make([]string, 0, len(from))
	for _, status := range from {
		fromValues = append(fromValues, status.String())
	}
	result := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("transaction_id = ? AND status IN ?", transactionID, fromValues).
		Update("status", to.String())
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) SetExternalRef(ctx context.Context, transactionID string, reference string) error {
	result := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("transaction_id = ?", transactionID).
		Update("external_ref", reference)
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeSetReference, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeSetReference, bank.ErrUnknownTransaction)
	}
	return nil
}

func (store *Store) MergeTransactionMeta(ctx context.Context, transactionID string, patch map[string]any) error {
	var row Transaction
	err := store.db.WithContext(ctx).Where("transaction_id = ?", transactionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wrapStoreError(errorSubjectTransaction, errorCodeMergeMeta, bank.ErrUnknownTransaction)
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeMergeMeta, err)
	}
	merged := map[string]any{}
	if len(row.Meta) > 0 {
		if err := json.Unmarshal(row.Meta, &merged); err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
	}
	for key, value := range patch {
		merged[key] = value
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	result := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("transaction_id = ?", transactionID).
		UpdateColumn("meta", datatypes.JSON(raw))
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeMergeMeta, result.Error)
	}
	return nil
}

func (store *Store) InsertSpin(ctx context.Context, record bank.SpinRecord) error {
	row := Spin{
		SpinID:          record.SpinID,
		PlayerID:        record.PlayerID,
		BetCredits:      record.BetCredits,
		PayoutCredits:   record.PayoutCredits,
		ResultPayload:   datatypesJSON(record.ResultJSON),
		ServerNonce:     record.ServerNonce,
		ServerSignature: record.ServerSignature,
		CreatedAt:       time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return wrapStoreError(errorSubjectSpin, errorCodeInsert, bank.ErrDuplicateNonce)
		}
		return wrapStoreError(errorSubjectSpin, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListProcessingOlderThan(ctx context.Context, cutoffUnixUTC int64, limit int) ([]bank.Transaction, error) {
	cutoff := time.Unix(cutoffUnixUTC, 0).UTC()
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", bank.StatusProcessing.String(), cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]bank.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return bank.WrapError(errorOperationStore, subject, code, err)
}

func mapWallet(row Wallet) bank.Wallet {
	return bank.Wallet{
		WalletID:       row.WalletID,
		PlayerID:       row.PlayerID,
		BalanceCredits: row.BalanceCredits,
		LockedCredits:  row.LockedCredits,
	}
}

func mapTransaction(row Transaction) (bank.Transaction, error) {
	transactionType, err := bank.ParseTransactionType(row.Type)
	if err != nil {
		return bank.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	status, err := bank.ParseStatus(row.Status)
	if err != nil {
		return bank.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	externalRef := ""
	if row.ExternalRef != nil {
		externalRef = *row.ExternalRef
	}
	meta := defaultMetaJSON
	if len(row.Meta) > 0 {
		meta = string(row.Meta)
	}
	return bank.Transaction{
		TransactionID:  row.TransactionID,
		PlayerID:       row.PlayerID,
		WalletID:       row.WalletID,
		Type:           transactionType,
		AmountCredits:  row.AmountCredits,
		Status:         status,
		ExternalRef:    externalRef,
		MetadataJSON:   meta,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetaJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// EnsurePlayer upserts the player row for an authenticated session.
func (store *Store) EnsurePlayer(ctx context.Context, playerID string, phone string) error {
	player := Player{PlayerID: playerID, Phone: phone}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "player_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"phone"}),
		}).
		Create(&player).Error
	if err != nil {
		return wrapStoreError(errorSubjectPlayer, errorCodeCreate, err)
	}
	return nil
}

// PhoneNumber implements the reconcile player directory.
func (store *Store) PhoneNumber(ctx context.Context, playerID string) (string, error) {
	var player Player
	err := store.db.WithContext(ctx).Where("player_id = ?", playerID).Take(&player).Error
	if err != nil {
		return "", wrapStoreError(errorSubjectPlayer, errorCodeGet, err)
	}
	return player.Phone, nil
}

// ListActiveMachines returns the playable machine catalog.
func (store *Store) ListActiveMachines(ctx context.Context) ([]spin.Machine, error) {
	var rows []Machine
	err := store.db.WithContext(ctx).Where("active = ?", true).Order("name ASC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectMachine, errorCodeList, err)
	}
	machines := make([]spin.Machine, 0, len(rows))
	for _, row := range rows {
		machine, err := mapMachine(row)
		if err != nil {
			return nil, err
		}
		machines = append(machines, machine)
	}
	return machines, nil
}

// GetMachine fetches one machine by id.
func (store *Store) GetMachine(ctx context.Context, machineID string) (spin.Machine, error) {
	var row Machine
	err := store.db.WithContext(ctx).Where("machine_id = ?", machineID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return spin.Machine{}, wrapStoreError(errorSubjectMachine, errorCodeGet, spin.ErrUnknownMachine)
		}
		return spin.Machine{}, wrapStoreError(errorSubjectMachine, errorCodeGet, err)
	}
	return mapMachine(row)
}

func mapMachine(row Machine) (spin.Machine, error) {
	var paytable []spin.PaytableEntry
	if len(row.Paytable) > 0 {
		if err := json.Unmarshal(row.Paytable, &paytable); err != nil {
			return spin.Machine{}, wrapStoreError(errorSubjectMachine, errorCodeInvalid, err)
		}
	}
	return spin.Machine{
		MachineID:   row.MachineID,
		Name:        row.Name,
		Paytable:    paytable,
		ReelsConfig: string(row.ReelsConfig),
		RTP:         row.RTP,
		Volatility:  row.Volatility,
		Active:      row.Active,
	}, nil
}

// LoadAdminConfig implements adminconfig.Store.
func (store *Store) LoadAdminConfig(ctx context.Context) (adminconfig.Config, error) {
	var row AdminConfig
	err := store.db.WithContext(ctx).Order("id ASC").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return adminconfig.Config{}, adminconfig.ErrConfigNotFound
		}
		return adminconfig.Config{}, wrapStoreError(errorSubjectConfig, errorCodeGet, err)
	}
	return adminconfig.Config{TargetRTP: row.TargetRTP, MaxWinMultiplier: row.MaxWinMultiplier}, nil
}

// SaveAdminConfig upserts the singleton admin config row.
func (store *Store) SaveAdminConfig(ctx context.Context, config adminconfig.Config) error {
	var row AdminConfig
	err := store.db.WithContext(ctx).Order("id ASC").First(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return wrapStoreError(errorSubjectConfig, errorCodeGet, err)
		}
		row = AdminConfig{TargetRTP: config.TargetRTP, MaxWinMultiplier: config.MaxWinMultiplier}
		if createErr := store.db.WithContext(ctx).Create(&row).Error; createErr != nil {
			return wrapStoreError(errorSubjectConfig, errorCodeSave, createErr)
		}
		return nil
	}
	result := store.db.WithContext(ctx).
		Model(&AdminConfig{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"target_rtp":         config.TargetRTP,
			"max_win_multiplier": config.MaxWinMultiplier,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectConfig, errorCodeSave, result.Error)
	}
	return nil
}
