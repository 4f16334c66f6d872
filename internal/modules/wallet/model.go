// README: Wallet accounts, ledger entries and the error taxonomy for money movement.
package wallet

import (
	"errors"
	"time"

	"foodrelay/internal/types"
)

type OwnerKind string

const (
	OwnerCustomer   OwnerKind = "customer"
	OwnerRestaurant OwnerKind = "restaurant"
	OwnerCourier    OwnerKind = "courier"
	OwnerPlatform   OwnerKind = "platform"
)

func (k OwnerKind) Valid() bool {
	switch k {
	case OwnerCustomer, OwnerRestaurant, OwnerCourier, OwnerPlatform:
		return true
	}
	return false
}

// PlatformID identifies the single platform wallet.
const PlatformID types.ID = "platform"

type Owner struct {
	Kind OwnerKind
	ID   types.ID
}

// Platform is the system-wide platform wallet owner.
func Platform() Owner {
	return Owner{Kind: OwnerPlatform, ID: PlatformID}
}

func Customer(id types.ID) Owner   { return Owner{Kind: OwnerCustomer, ID: id} }
func Restaurant(id types.ID) Owner { return Owner{Kind: OwnerRestaurant, ID: id} }
func Courier(id types.ID) Owner    { return Owner{Kind: OwnerCourier, ID: id} }

func (o Owner) String() string {
	return string(o.Kind) + ":" + string(o.ID)
}

func (o Owner) valid() bool {
	if !o.Kind.Valid() || o.ID == "" {
		return false
	}
	return o.Kind != OwnerPlatform || o.ID == PlatformID
}

type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketEscrow    Bucket = "escrow"
)

type EntryKind string

const (
	KindHold    EntryKind = "hold"
	KindRelease EntryKind = "release"
	KindCredit  EntryKind = "credit"
	KindDebit   EntryKind = "debit"
)

type Account struct {
	Owner           Owner
	Available       int64
	Escrow          int64
	LifetimeCredits int64
	LifetimeDebits  int64
	Active          bool
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Entry is one immutable balance mutation. Amount is signed.
type Entry struct {
	ID        string
	Owner     Owner
	Bucket    Bucket
	Kind      EntryKind
	Amount    int64
	OrderID   types.ID
	CreatedAt time.Time
}

// SettleCommand carries an already computed split. Escrowed must equal the
// escrow outstanding for the order (the order's final total).
type SettleCommand struct {
	OrderID           types.ID
	RestaurantID      types.ID
	CourierID         types.ID
	Escrowed          int64
	RestaurantRevenue int64
	CourierPayment    int64
	PlatformRevenue   int64
	// Discount is absorbed by the platform as a separate debit.
	Discount int64
}

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrWalletInactive      = errors.New("wallet inactive")
	ErrAlreadySettled      = errors.New("order already settled")
	ErrAlreadyHeld         = errors.New("order already has escrow")
	ErrEscrowMismatch      = errors.New("escrow does not match settlement")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidOwner        = errors.New("invalid wallet owner")
	ErrNotFound            = errors.New("wallet not found")
	ErrLedgerCorrupt       = errors.New("wallet balance does not match ledger entries")
)
