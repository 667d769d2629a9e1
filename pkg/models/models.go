package models

import "time"

// User is a panel account holding a prepaid balance.
type User struct {
	ID    string
	Email string
	Name  string
	// Balance is held in cents. Every change goes through the store's
	// AdjustBalance so the ledger stays in step with it.
	Balance      int64
	PasswordHash string
	IsSuspended  bool
	CreatedAt    time.Time
}

// ServerStatus indicates the lifecycle state of a virtual server.
type ServerStatus string

const (
	ServerStatusNew       ServerStatus = "new"
	ServerStatusActive    ServerStatus = "active"
	ServerStatusOff       ServerStatus = "off"
	ServerStatusRebooting ServerStatus = "rebooting"
	ServerStatusStarting  ServerStatus = "starting"
	ServerStatusStopping  ServerStatus = "stopping"
	ServerStatusRestoring ServerStatus = "restoring"
)

// Server is a provisioned virtual server. CreatedAt anchors its personal
// bandwidth billing cycle.
type Server struct {
	ID                 string
	OwnerID            string
	Name               string
	SizeClass          string
	Region             string
	Status             ServerStatus
	ProviderInstanceID string
	IPv4               string
	CreatedAt          time.Time
}

// Volume is a block storage volume. ServerID is empty while detached;
// detached volumes are excluded from hourly volume metering.
type Volume struct {
	ID               string
	OwnerID          string
	ServerID         string
	Name             string
	SizeGB           int64
	ProviderVolumeID string
	CreatedAt        time.Time
}

// ServerMetric is one sample of a server's resource usage. Only the
// network counters are billing relevant.
type ServerMetric struct {
	ServerID        string
	Timestamp       time.Time
	NetworkInBytes  int64
	NetworkOutBytes int64
	CPUPercent      float64
	MemoryPercent   float64
	DiskPercent     float64
}

// TransactionType categorizes ledger entries.
type TransactionType string

const (
	TxHourlyServerCharge             TransactionType = "hourly_server_charge"
	TxHourlyVolumeCharge             TransactionType = "hourly_volume_charge"
	TxBandwidthOverage               TransactionType = "bandwidth_overage"
	TxDeposit                        TransactionType = "deposit"
	TxServerDeletedInsufficientFunds TransactionType = "server_deleted_insufficient_funds"
)

// TransactionStatus indicates settlement state of a ledger entry.
type TransactionStatus string

const (
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusPending   TransactionStatus = "pending"
	TxStatusFailed    TransactionStatus = "failed"
)

// Transaction is one append-only ledger entry. Amount is signed cents:
// negative for charges, positive for credits. Completed entries are never
// updated or deleted.
type Transaction struct {
	ID          string
	UserID      string
	Amount      int64
	Type        TransactionType
	Status      TransactionStatus
	Description string
	CreatedAt   time.Time
}
