package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nimbushost/panel/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence surface consumed by the billing engine, the
// metric collector and the gateway. The production implementation is
// backed by Postgres; tests substitute an in-memory fake.
type Store interface {
	GetAllUsers(ctx context.Context) ([]models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	CreateUser(ctx context.Context, user models.User) error

	// AdjustBalance applies delta to the user's balance and appends the
	// ledger entry in one database transaction. The balance update is a
	// single relative UPDATE so concurrent sweeps cannot lose writes.
	AdjustBalance(ctx context.Context, userID string, delta int64, tx models.Transaction) error

	// CreateTransaction appends a ledger entry without touching the
	// balance. Used for zero-amount audit records and pending deposits.
	CreateTransaction(ctx context.Context, tx models.Transaction) error

	// CompleteDeposit marks a pending deposit as completed and credits
	// its amount to the owner's balance atomically. Completing an
	// already-completed deposit is a no-op.
	CompleteDeposit(ctx context.Context, txID string) error

	FailDeposit(ctx context.Context, txID string) error
	TransactionsByUser(ctx context.Context, userID string) ([]models.Transaction, error)

	GetAllServers(ctx context.Context) ([]models.Server, error)
	GetServer(ctx context.Context, id string) (models.Server, error)
	GetServersByOwner(ctx context.Context, ownerID string) ([]models.Server, error)
	CreateServer(ctx context.Context, server models.Server) error
	UpdateServerStatus(ctx context.Context, id string, status models.ServerStatus) error
	DeleteServer(ctx context.Context, id string) error

	GetVolume(ctx context.Context, id string) (models.Volume, error)
	GetVolumesByServer(ctx context.Context, serverID string) ([]models.Volume, error)
	GetVolumesByOwner(ctx context.Context, ownerID string) ([]models.Volume, error)
	CreateVolume(ctx context.Context, volume models.Volume) error
	AttachVolume(ctx context.Context, volumeID, serverID string) error
	DetachVolume(ctx context.Context, volumeID string) error
	DeleteVolume(ctx context.Context, id string) error

	InsertServerMetric(ctx context.Context, metric models.ServerMetric) error
	ServerMetricHistory(ctx context.Context, serverID string, since time.Time) ([]models.ServerMetric, error)
}

// PGStore implements Store on the shared connection pool.
type PGStore struct {
	db *Database
}

// NewStore creates a Postgres-backed store.
func NewStore(db *Database) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) GetAllUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, email, name, balance_cents, password_hash, is_suspended, created_at
		FROM users
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Balance, &u.PasswordHash, &u.IsSuspended, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PGStore) GetUser(ctx context.Context, id string) (models.User, error) {
	return s.userBy(ctx, "id", id)
}

func (s *PGStore) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return s.userBy(ctx, "email", email)
}

func (s *PGStore) userBy(ctx context.Context, column, value string) (models.User, error) {
	var u models.User
	err := s.db.Pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, email, name, balance_cents, password_hash, is_suspended, created_at
		FROM users
		WHERE %s = $1
	`, column), value).Scan(&u.ID, &u.Email, &u.Name, &u.Balance, &u.PasswordHash, &u.IsSuspended, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (s *PGStore) CreateUser(ctx context.Context, user models.User) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO users (id, email, name, balance_cents, password_hash, is_suspended, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.Email, user.Name, user.Balance, user.PasswordHash, user.IsSuspended, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// AdjustBalance performs the balance update and the ledger insert inside
// one transaction. The UPDATE is relative (balance = balance + delta), so
// two overlapping sweeps serialize at the row level instead of losing an
// update through read-modify-write.
func (s *PGStore) AdjustBalance(ctx context.Context, userID string, delta int64, tx models.Transaction) error {
	dbTx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	tag, err := dbTx.Exec(ctx, `
		UPDATE users SET balance_cents = balance_cents + $1 WHERE id = $2
	`, delta, userID)
	if err != nil {
		return fmt.Errorf("failed to adjust balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = dbTx.Exec(ctx, `
		INSERT INTO billing_transactions (id, user_id, amount_cents, type, status, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tx.ID, tx.UserID, tx.Amount, tx.Type, tx.Status, tx.Description, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return dbTx.Commit(ctx)
}

func (s *PGStore) CreateTransaction(ctx context.Context, tx models.Transaction) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO billing_transactions (id, user_id, amount_cents, type, status, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tx.ID, tx.UserID, tx.Amount, tx.Type, tx.Status, tx.Description, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *PGStore) CompleteDeposit(ctx context.Context, txID string) error {
	dbTx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	var userID string
	var amount int64
	err = dbTx.QueryRow(ctx, `
		UPDATE billing_transactions
		SET status = $1
		WHERE id = $2 AND type = $3 AND status = $4
		RETURNING user_id, amount_cents
	`, models.TxStatusCompleted, txID, models.TxDeposit, models.TxStatusPending).Scan(&userID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already settled or unknown; the webhook layer retries, so
		// treat it as done.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to complete deposit: %w", err)
	}

	_, err = dbTx.Exec(ctx, `
		UPDATE users SET balance_cents = balance_cents + $1 WHERE id = $2
	`, amount, userID)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	return dbTx.Commit(ctx)
}

func (s *PGStore) FailDeposit(ctx context.Context, txID string) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE billing_transactions
		SET status = $1
		WHERE id = $2 AND type = $3 AND status = $4
	`, models.TxStatusFailed, txID, models.TxDeposit, models.TxStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark deposit failed: %w", err)
	}
	return nil
}

func (s *PGStore) TransactionsByUser(ctx context.Context, userID string) ([]models.Transaction, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, user_id, amount_cents, type, status, description, created_at
		FROM billing_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Type, &tx.Status, &tx.Description, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

const serverColumns = `id, owner_id, name, size_class, region, status, provider_instance_id, ipv4, created_at`

func (s *PGStore) GetAllServers(ctx context.Context) ([]models.Server, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+serverColumns+` FROM servers ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query servers: %w", err)
	}
	defer rows.Close()
	return scanServers(rows)
}

func (s *PGStore) GetServersByOwner(ctx context.Context, ownerID string) ([]models.Server, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+serverColumns+` FROM servers WHERE owner_id = $1 ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query servers: %w", err)
	}
	defer rows.Close()
	return scanServers(rows)
}

func scanServers(rows pgx.Rows) ([]models.Server, error) {
	var servers []models.Server
	for rows.Next() {
		var srv models.Server
		if err := rows.Scan(&srv.ID, &srv.OwnerID, &srv.Name, &srv.SizeClass, &srv.Region,
			&srv.Status, &srv.ProviderInstanceID, &srv.IPv4, &srv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

func (s *PGStore) GetServer(ctx context.Context, id string) (models.Server, error) {
	var srv models.Server
	err := s.db.Pool.QueryRow(ctx, `
		SELECT `+serverColumns+` FROM servers WHERE id = $1
	`, id).Scan(&srv.ID, &srv.OwnerID, &srv.Name, &srv.SizeClass, &srv.Region,
		&srv.Status, &srv.ProviderInstanceID, &srv.IPv4, &srv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Server{}, ErrNotFound
	}
	if err != nil {
		return models.Server{}, fmt.Errorf("failed to get server: %w", err)
	}
	return srv, nil
}

func (s *PGStore) CreateServer(ctx context.Context, server models.Server) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO servers (`+serverColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, server.ID, server.OwnerID, server.Name, server.SizeClass, server.Region,
		server.Status, server.ProviderInstanceID, server.IPv4, server.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert server: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateServerStatus(ctx context.Context, id string, status models.ServerStatus) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE servers SET status = $1 WHERE id = $2
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update server status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteServer removes the server row and detaches any volumes that were
// attached to it. The volumes themselves survive; only compute is torn
// down for non-payment.
func (s *PGStore) DeleteServer(ctx context.Context, id string) error {
	dbTx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	if _, err := dbTx.Exec(ctx, `UPDATE volumes SET server_id = NULL WHERE server_id = $1`, id); err != nil {
		return fmt.Errorf("failed to detach volumes: %w", err)
	}
	if _, err := dbTx.Exec(ctx, `DELETE FROM servers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	return dbTx.Commit(ctx)
}

const volumeColumns = `id, owner_id, COALESCE(server_id, ''), name, size_gb, provider_volume_id, created_at`

func (s *PGStore) GetVolume(ctx context.Context, id string) (models.Volume, error) {
	var v models.Volume
	err := s.db.Pool.QueryRow(ctx, `
		SELECT `+volumeColumns+` FROM volumes WHERE id = $1
	`, id).Scan(&v.ID, &v.OwnerID, &v.ServerID, &v.Name, &v.SizeGB, &v.ProviderVolumeID, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Volume{}, ErrNotFound
	}
	if err != nil {
		return models.Volume{}, fmt.Errorf("failed to get volume: %w", err)
	}
	return v, nil
}

func (s *PGStore) GetVolumesByServer(ctx context.Context, serverID string) ([]models.Volume, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+volumeColumns+` FROM volumes WHERE server_id = $1 ORDER BY created_at
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query volumes: %w", err)
	}
	defer rows.Close()
	return scanVolumes(rows)
}

func (s *PGStore) GetVolumesByOwner(ctx context.Context, ownerID string) ([]models.Volume, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+volumeColumns+` FROM volumes WHERE owner_id = $1 ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query volumes: %w", err)
	}
	defer rows.Close()
	return scanVolumes(rows)
}

func scanVolumes(rows pgx.Rows) ([]models.Volume, error) {
	var volumes []models.Volume
	for rows.Next() {
		var v models.Volume
		if err := rows.Scan(&v.ID, &v.OwnerID, &v.ServerID, &v.Name, &v.SizeGB, &v.ProviderVolumeID, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan volume: %w", err)
		}
		volumes = append(volumes, v)
	}
	return volumes, rows.Err()
}

func (s *PGStore) CreateVolume(ctx context.Context, volume models.Volume) error {
	serverID := any(volume.ServerID)
	if volume.ServerID == "" {
		serverID = nil
	}
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO volumes (id, owner_id, server_id, name, size_gb, provider_volume_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, volume.ID, volume.OwnerID, serverID, volume.Name, volume.SizeGB, volume.ProviderVolumeID, volume.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert volume: %w", err)
	}
	return nil
}

func (s *PGStore) AttachVolume(ctx context.Context, volumeID, serverID string) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE volumes SET server_id = $1 WHERE id = $2 AND server_id IS NULL
	`, serverID, volumeID)
	if err != nil {
		return fmt.Errorf("failed to attach volume: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("volume %s is missing or already attached", volumeID)
	}
	return nil
}

func (s *PGStore) DetachVolume(ctx context.Context, volumeID string) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE volumes SET server_id = NULL WHERE id = $1
	`, volumeID)
	if err != nil {
		return fmt.Errorf("failed to detach volume: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) DeleteVolume(ctx context.Context, id string) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM volumes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete volume: %w", err)
	}
	return nil
}

func (s *PGStore) InsertServerMetric(ctx context.Context, metric models.ServerMetric) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO server_metrics (server_id, ts, network_in_bytes, network_out_bytes, cpu_percent, memory_percent, disk_percent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, metric.ServerID, metric.Timestamp, metric.NetworkInBytes, metric.NetworkOutBytes,
		metric.CPUPercent, metric.MemoryPercent, metric.DiskPercent)
	if err != nil {
		return fmt.Errorf("failed to insert metric: %w", err)
	}
	return nil
}

func (s *PGStore) ServerMetricHistory(ctx context.Context, serverID string, since time.Time) ([]models.ServerMetric, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT server_id, ts, network_in_bytes, network_out_bytes, cpu_percent, memory_percent, disk_percent
		FROM server_metrics
		WHERE server_id = $1 AND ts >= $2
		ORDER BY ts
	`, serverID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var metrics []models.ServerMetric
	for rows.Next() {
		var m models.ServerMetric
		if err := rows.Scan(&m.ServerID, &m.Timestamp, &m.NetworkInBytes, &m.NetworkOutBytes,
			&m.CPUPercent, &m.MemoryPercent, &m.DiskPercent); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
