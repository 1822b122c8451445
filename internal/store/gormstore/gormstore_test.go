package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarkoPoloResearchLab/spinbank/pkg/bank"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustOpenStore(test *testing.T) *Store {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "store.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{TranslateError: true})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		test.Fatalf("auto migrate: %v", err)
	}
	return New(db)
}

func mustStorePlayerID(test *testing.T, raw string) bank.PlayerID {
	test.Helper()
	playerID, err := bank.NewPlayerID(raw)
	if err != nil {
		test.Fatalf("player id: %v", err)
	}
	return playerID
}

func TestGetOrCreateWalletIsIdempotent(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	playerID := mustStorePlayerID(test, "6e1a0cd0-0000-4000-8000-000000000001")

	first, err := store.GetOrCreateWallet(context.Background(), playerID)
	if err != nil {
		test.Fatalf("first call: %v", err)
	}
	second, err := store.GetOrCreateWallet(context.Background(), playerID)
	if err != nil {
		test.Fatalf("second call: %v", err)
	}
	if first.WalletID == "" || first.WalletID != second.WalletID {
		test.Fatalf("wallet id must be stable: %q vs %q", first.WalletID, second.WalletID)
	}
}

func TestGetOrCreateWalletReturnsPersistedRowAfterConflict(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	playerID := mustStorePlayerID(test, "6e1a0cd0-0000-4000-8000-000000000002")

	// A competing request already inserted the row; the conflicting create
	// affects zero rows and must hand back the persisted wallet, not the
	// locally minted id.
	existing := Wallet{WalletID: "7f2b1de1-0000-4000-8000-0000000000aa", PlayerID: playerID.String()}
	if err := store.db.Create(&existing).Error; err != nil {
		test.Fatalf("seed wallet: %v", err)
	}

	wallet, err := store.GetOrCreateWallet(context.Background(), playerID)
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}
	if wallet.WalletID != existing.WalletID {
		test.Fatalf("expected persisted wallet %q, got %q", existing.WalletID, wallet.WalletID)
	}

	if _, err := store.LockWallet(context.Background(), wallet.WalletID); err != nil {
		test.Fatalf("returned wallet must be lockable: %v", err)
	}
}

func TestInsertSpinRejectsReusedNonce(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)

	record := bank.SpinRecord{
		SpinID:          "8a3c2ef2-0000-4000-8000-000000000001",
		PlayerID:        "6e1a0cd0-0000-4000-8000-000000000003",
		BetCredits:      10,
		PayoutCredits:   50,
		ResultJSON:      `{"reels":["seven","seven","seven"]}`,
		ServerNonce:     "nonce-once",
		ServerSignature: "sig",
		CreatedUnixUTC:  1700000000,
	}
	if err := store.InsertSpin(context.Background(), record); err != nil {
		test.Fatalf("first insert: %v", err)
	}

	record.SpinID = "8a3c2ef2-0000-4000-8000-000000000002"
	err := store.InsertSpin(context.Background(), record)
	if !errors.Is(err, bank.ErrDuplicateNonce) {
		test.Fatalf("expected ErrDuplicateNonce, got %v", err)
	}
}

func mustInsertTransaction(test *testing.T, store *Store, transactionID string, status bank.Status, externalRef string) {
	test.Helper()
	err := store.InsertTransaction(context.Background(), bank.Transaction{
		TransactionID:  transactionID,
		PlayerID:       "6e1a0cd0-0000-4000-8000-000000000004",
		WalletID:       "7f2b1de1-0000-4000-8000-0000000000bb",
		Type:           bank.TypeWithdrawal,
		AmountCredits:  -40,
		Status:         status,
		ExternalRef:    externalRef,
		MetadataJSON:   "{}",
		CreatedUnixUTC: 1700000000,
	})
	if err != nil {
		test.Fatalf("insert transaction %s: %v", transactionID, err)
	}
}

func TestActiveExternalRefIsUniqueAcrossOpenTransactions(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)

	mustInsertTransaction(test, store, "9b4d3f03-0000-4000-8000-000000000001", bank.StatusProcessing, "prov-dup")
	mustInsertTransaction(test, store, "9b4d3f03-0000-4000-8000-000000000002", bank.StatusProcessing, "")

	err := store.SetExternalRef(context.Background(), "9b4d3f03-0000-4000-8000-000000000002", "prov-dup")
	if err == nil {
		test.Fatalf("two open transactions must not share a provider reference")
	}

	// A settled transaction no longer holds the reference, so a later retry
	// may legitimately reuse it.
	applied, err := store.UpdateTransactionStatus(context.Background(),
		"9b4d3f03-0000-4000-8000-000000000001",
		[]bank.Status{bank.StatusProcessing}, bank.StatusCompleted)
	if err != nil || !applied {
		test.Fatalf("complete first transaction: applied=%v err=%v", applied, err)
	}
	if err := store.SetExternalRef(context.Background(), "9b4d3f03-0000-4000-8000-000000000002", "prov-dup"); err != nil {
		test.Fatalf("reference must be reusable once the holder settles: %v", err)
	}
}
