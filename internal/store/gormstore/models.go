package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Player mirrors the players table.
type Player struct {
	PlayerID  string    `gorm:"type:uuid;primaryKey"`
	Phone     string    `gorm:"not null;index:idx_players_phone,unique"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Player) TableName() string { return "players" }

// Wallet mirrors the wallets table.
type Wallet struct {
	WalletID       string    `gorm:"type:uuid;primaryKey"`
	PlayerID       string    `gorm:"type:uuid;not null;index:idx_wallets_player,unique"`
	BalanceCredits int64     `gorm:"not null;default:0"`
	LockedCredits  int64     `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

func (wallet *Wallet) BeforeCreate(tx *gorm.DB) error {
	if wallet.WalletID == "" {
		wallet.WalletID = uuid.NewString()
	}
	return nil
}

// Transaction mirrors the transactions table.
type Transaction struct {
	TransactionID  string         `gorm:"type:uuid;primaryKey"`
	PlayerID       string         `gorm:"type:uuid;not null;index:idx_transactions_player"`
	WalletID       string         `gorm:"type:uuid;not null;index:idx_transactions_wallet"`
	Type           string         `gorm:"not null"`
	AmountCredits  int64          `gorm:"not null"`
	AmountCurrency string         `gorm:"not null;default:CREDITS"`
	Status         string         `gorm:"not null;default:pending;index:idx_transactions_status_created,priority:1"`
	ExternalRef    *string        `gorm:"index:idx_transactions_external_ref;uniqueIndex:idx_transactions_active_external_ref,where:external_ref is not null and (status = 'pending' or status = 'processing')"`
	Meta           datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_transactions_status_created,priority:2"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

func (Transaction) TableName() string { return "transactions" }

// Spin mirrors the spins table.
type Spin struct {
	SpinID          string         `gorm:"type:uuid;primaryKey"`
	PlayerID        string         `gorm:"type:uuid;not null;index:idx_spins_player"`
	BetCredits      int64          `gorm:"not null"`
	PayoutCredits   int64          `gorm:"not null"`
	ResultPayload   datatypes.JSON `gorm:"not null"`
	ServerNonce     string         `gorm:"uniqueIndex:idx_spins_server_nonce,where:server_nonce <> ''"`
	ServerSignature string         `gorm:""`
	CreatedAt       time.Time      `gorm:"not null"`
}

func (Spin) TableName() string { return "spins" }

// Machine mirrors the machines table.
type Machine struct {
	MachineID   string         `gorm:"type:uuid;primaryKey"`
	Name        string         `gorm:"not null"`
	ReelsConfig datatypes.JSON `gorm:""`
	Paytable    datatypes.JSON `gorm:""`
	RTP         float64        `gorm:"not null;default:0.96"`
	Volatility  string         `gorm:"not null;default:medium"`
	Active      bool           `gorm:"not null;default:true"`
	CreatedAt   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null"`
}

func (Machine) TableName() string { return "machines" }

func (machine *Machine) BeforeCreate(tx *gorm.DB) error {
	if machine.MachineID == "" {
		machine.MachineID = uuid.NewString()
	}
	return nil
}

// AdminConfig mirrors the admin_configs singleton table.
type AdminConfig struct {
	ID               uint           `gorm:"primaryKey"`
	TargetRTP        float64        `gorm:"not null;default:0.96"`
	MaxWinMultiplier float64        `gorm:"not null;default:50"`
	Extra            datatypes.JSON `gorm:""`
	CreatedAt        time.Time      `gorm:"not null"`
	UpdatedAt        time.Time      `gorm:"not null"`
}

func (AdminConfig) TableName() string { return "admin_configs" }

// Models lists every table for sqlite auto-migration.
func Models() []any {
	return []any{&Player{}, &Wallet{}, &Transaction{}, &Spin{}, &Machine{}, &AdminConfig{}}
}
