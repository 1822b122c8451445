package spin

import "errors"

// Engine-level error values.
var (
	ErrInvalidBet     = errors.New("invalid bet")
	ErrInvalidConfig  = errors.New("invalid engine config")
	ErrUnknownMachine = errors.New("unknown machine")
)

// PaytableEntry describes one symbol on a machine. Weight 0 means the engine
// derives a weight from the multiplier.
type PaytableEntry struct {
	ID         string  `json:"id"`
	Multiplier float64 `json:"value"`
	Weight     int     `json:"weight,omitempty"`
}

// Machine is a playable slot configuration.
type Machine struct {
	MachineID   string
	Name        string
	Paytable    []PaytableEntry
	ReelsConfig string
	RTP         float64
	Volatility  string
	Active      bool
}

// Outcome is one signed spin result. The signature covers every field except
// itself, so any client-side tampering is detectable.
type Outcome struct {
	Reels      []string `json:"reels"`
	Payout     int64    `json:"payout"`
	Bet        int64    `json:"bet"`
	IsWin      bool     `json:"isWin"`
	IsBigWin   bool     `json:"isBigWin"`
	IsLdw      bool     `json:"isLdw"`
	IsNearMiss bool     `json:"isNearMiss"`
	Nonce      string   `json:"serverNonce"`
	Signature  string   `json:"serverSignature,omitempty"`
}
