package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nimbushost/panel/pkg/database"
	"github.com/nimbushost/panel/pkg/models"
)

// fakeStore is an in-memory database.Store for engine tests.
type fakeStore struct {
	mu        sync.Mutex
	users     map[string]models.User
	servers   map[string]models.Server
	volumes   map[string]models.Volume
	metrics   map[string][]models.ServerMetric
	txs       []models.Transaction
	failUsers map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[string]models.User),
		servers:   make(map[string]models.Server),
		volumes:   make(map[string]models.Volume),
		metrics:   make(map[string][]models.ServerMetric),
		failUsers: make(map[string]error),
	}
}

func (s *fakeStore) GetAllUsers(ctx context.Context) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var users []models.User
	for _, u := range s.users {
		users = append(users, u)
	}
	return users, nil
}

func (s *fakeStore) GetUser(ctx context.Context, id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failUsers[id]; err != nil {
		return models.User{}, err
	}
	u, ok := s.users[id]
	if !ok {
		return models.User{}, database.ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, database.ErrNotFound
}

func (s *fakeStore) CreateUser(ctx context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	return nil
}

func (s *fakeStore) AdjustBalance(ctx context.Context, userID string, delta int64, tx models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return database.ErrNotFound
	}
	u.Balance += delta
	s.users[userID] = u
	s.txs = append(s.txs, tx)
	return nil
}

func (s *fakeStore) CreateTransaction(ctx context.Context, tx models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, tx)
	return nil
}

func (s *fakeStore) CompleteDeposit(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, tx := range s.txs {
		if tx.ID == txID && tx.Type == models.TxDeposit && tx.Status == models.TxStatusPending {
			s.txs[i].Status = models.TxStatusCompleted
			u := s.users[tx.UserID]
			u.Balance += tx.Amount
			s.users[tx.UserID] = u
			return nil
		}
	}
	return nil
}

func (s *fakeStore) FailDeposit(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, tx := range s.txs {
		if tx.ID == txID && tx.Type == models.TxDeposit && tx.Status == models.TxStatusPending {
			s.txs[i].Status = models.TxStatusFailed
		}
	}
	return nil
}

func (s *fakeStore) TransactionsByUser(ctx context.Context, userID string) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var txs []models.Transaction
	for _, tx := range s.txs {
		if tx.UserID == userID {
			txs = append(txs, tx)
		}
	}
	return txs, nil
}

func (s *fakeStore) GetAllServers(ctx context.Context) ([]models.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var servers []models.Server
	for _, srv := range s.servers {
		servers = append(servers, srv)
	}
	return servers, nil
}

func (s *fakeStore) GetServer(ctx context.Context, id string) (models.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return models.Server{}, database.ErrNotFound
	}
	return srv, nil
}

func (s *fakeStore) GetServersByOwner(ctx context.Context, ownerID string) ([]models.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var servers []models.Server
	for _, srv := range s.servers {
		if srv.OwnerID == ownerID {
			servers = append(servers, srv)
		}
	}
	return servers, nil
}

func (s *fakeStore) CreateServer(ctx context.Context, server models.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[server.ID] = server
	return nil
}

func (s *fakeStore) UpdateServerStatus(ctx context.Context, id string, status models.ServerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return database.ErrNotFound
	}
	srv.Status = status
	s.servers[id] = srv
	return nil
}

func (s *fakeStore) DeleteServer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.servers, id)
	for vid, v := range s.volumes {
		if v.ServerID == id {
			v.ServerID = ""
			s.volumes[vid] = v
		}
	}
	return nil
}

func (s *fakeStore) GetVolume(ctx context.Context, id string) (models.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volumes[id]
	if !ok {
		return models.Volume{}, database.ErrNotFound
	}
	return v, nil
}

func (s *fakeStore) GetVolumesByServer(ctx context.Context, serverID string) ([]models.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var volumes []models.Volume
	for _, v := range s.volumes {
		if v.ServerID == serverID {
			volumes = append(volumes, v)
		}
	}
	return volumes, nil
}

func (s *fakeStore) GetVolumesByOwner(ctx context.Context, ownerID string) ([]models.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var volumes []models.Volume
	for _, v := range s.volumes {
		if v.OwnerID == ownerID {
			volumes = append(volumes, v)
		}
	}
	return volumes, nil
}

func (s *fakeStore) CreateVolume(ctx context.Context, volume models.Volume) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumes[volume.ID] = volume
	return nil
}

func (s *fakeStore) AttachVolume(ctx context.Context, volumeID, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volumes[volumeID]
	if !ok {
		return database.ErrNotFound
	}
	v.ServerID = serverID
	s.volumes[volumeID] = v
	return nil
}

func (s *fakeStore) DetachVolume(ctx context.Context, volumeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volumes[volumeID]
	if !ok {
		return database.ErrNotFound
	}
	v.ServerID = ""
	s.volumes[volumeID] = v
	return nil
}

func (s *fakeStore) DeleteVolume(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.volumes, id)
	return nil
}

func (s *fakeStore) InsertServerMetric(ctx context.Context, metric models.ServerMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[metric.ServerID] = append(s.metrics[metric.ServerID], metric)
	return nil
}

func (s *fakeStore) ServerMetricHistory(ctx context.Context, serverID string, since time.Time) ([]models.ServerMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ServerMetric
	for _, m := range s.metrics[serverID] {
		if !m.Timestamp.Before(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) transactionsOfType(txType models.TransactionType) []models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, tx := range s.txs {
		if tx.Type == txType {
			out = append(out, tx)
		}
	}
	return out
}

func (s *fakeStore) balance(userID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID].Balance
}

// fakeProvider records instance deletions.
type fakeProvider struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (p *fakeProvider) DeleteInstance(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, instanceID)
	return p.err
}

func (p *fakeProvider) deletions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deleted...)
}

func newTestEngine(store *fakeStore, prov *fakeProvider, clock Clock) *Engine {
	return NewEngine(EngineConfig{
		Store:           store,
		Provider:        prov,
		Costs:           NewCostModel(2.0),
		Clock:           clock,
		Logger:          zap.NewNop(),
		LowBalanceCents: 500,
	})
}

func TestHourlyServerBillingCharges(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvider{}
	clock := NewFakeClock(date(2024, time.June, 10).Add(12 * time.Hour))
	engine := newTestEngine(store, prov, clock)

	store.users["u1"] = models.User{ID: "u1", Email: "a@example.com", Balance: 1000}
	store.servers["srv1"] = models.Server{
		ID: "srv1", OwnerID: "u1", Name: "web-1", SizeClass: "s-2vcpu-2gb",
		Status: models.ServerStatusActive, ProviderInstanceID: "prov-1",
		CreatedAt: date(2024, time.June, 1),
	}

	engine.RunHourlyServerBilling(context.Background())

	assert.Equal(t, int64(997), store.balance("u1"))
	txs := store.transactionsOfType(models.TxHourlyServerCharge)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(-3), txs[0].Amount)
	assert.Equal(t, models.TxStatusCompleted, txs[0].Status)
	assert.Empty(t, prov.deletions())

	// Ledger and balance stay consistent across repeated runs.
	engine.RunHourlyServerBilling(context.Background())
	engine.RunHourlyServerBilling(context.Background())
	assert.Equal(t, int64(991), store.balance("u1"))
	assert.Len(t, store.transactionsOfType(models.TxHourlyServerCharge), 3)
}

func TestHourlyServerBillingTeardownOnInsufficientFunds(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvider{}
	engine := newTestEngine(store, prov, NewFakeClock(date(2024, time.June, 10)))

	store.users["u1"] = models.User{ID: "u1", Balance: 2}
	store.servers["srv1"] = models.Server{
		ID: "srv1", OwnerID: "u1", Name: "web-1", SizeClass: "s-2vcpu-2gb",
		Status: models.ServerStatusActive, ProviderInstanceID: "prov-1",
		CreatedAt: date(2024, time.June, 1),
	}
	store.volumes["vol1"] = models.Volume{ID: "vol1", OwnerID: "u1", ServerID: "srv1", SizeGB: 100}

	engine.RunHourlyServerBilling(context.Background())

	// Provider instance destroyed exactly once, record gone.
	assert.Equal(t, []string{"prov-1"}, prov.deletions())
	_, err := store.GetServer(context.Background(), "srv1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	// The unpayable hour is forgiven; only a zero-amount audit entry.
	assert.Equal(t, int64(2), store.balance("u1"))
	audits := store.transactionsOfType(models.TxServerDeletedInsufficientFunds)
	require.Len(t, audits, 1)
	assert.Equal(t, int64(0), audits[0].Amount)
	assert.Empty(t, store.transactionsOfType(models.TxHourlyServerCharge))

	// Attached storage survives the teardown, detached.
	vol, err := store.GetVolume(context.Background(), "vol1")
	require.NoError(t, err)
	assert.Empty(t, vol.ServerID)
}

func TestTeardownKeepsServerOnProviderError(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvider{err: context.DeadlineExceeded}
	engine := newTestEngine(store, prov, NewFakeClock(date(2024, time.June, 10)))

	store.users["u1"] = models.User{ID: "u1", Balance: 0}
	store.servers["srv1"] = models.Server{
		ID: "srv1", OwnerID: "u1", SizeClass: "s-1vcpu-1gb",
		Status: models.ServerStatusActive, ProviderInstanceID: "prov-1",
		CreatedAt: date(2024, time.June, 1),
	}

	engine.RunHourlyServerBilling(context.Background())

	// Provider deletion failed, so the record survives for the next
	// sweep and no audit entry was written.
	_, err := store.GetServer(context.Background(), "srv1")
	assert.NoError(t, err)
	assert.Empty(t, store.transactionsOfType(models.TxServerDeletedInsufficientFunds))
}

func TestHourlyServerBillingIsolatesFailures(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvider{}
	engine := newTestEngine(store, prov, NewFakeClock(date(2024, time.June, 10)))

	store.users["u1"] = models.User{ID: "u1", Balance: 1000}
	store.users["u2"] = models.User{ID: "u2", Balance: 1000}
	store.failUsers["u1"] = context.DeadlineExceeded
	store.servers["srv1"] = models.Server{ID: "srv1", OwnerID: "u1", SizeClass: "s-1vcpu-1gb", CreatedAt: date(2024, time.June, 1)}
	store.servers["srv2"] = models.Server{ID: "srv2", OwnerID: "u2", SizeClass: "s-1vcpu-1gb", CreatedAt: date(2024, time.June, 1)}

	engine.RunHourlyServerBilling(context.Background())

	// The failing owner is skipped; the healthy one is still charged.
	assert.Equal(t, int64(1000), store.balance("u1"))
	assert.Equal(t, int64(999), store.balance("u2"))
}

func TestHourlyVolumeBilling(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, &fakeProvider{}, NewFakeClock(date(2024, time.June, 10)))

	store.users["u1"] = models.User{ID: "u1", Balance: 1000}
	store.servers["srv1"] = models.Server{
		ID: "srv1", OwnerID: "u1", Name: "web-1", SizeClass: "s-1vcpu-1gb",
		Status: models.ServerStatusActive, CreatedAt: date(2024, time.June, 1),
	}
	// 500GB attached: round(500*10/730) = 7 cents per hour.
	store.volumes["vol1"] = models.Volume{ID: "vol1", OwnerID: "u1", ServerID: "srv1", SizeGB: 300}
	store.volumes["vol2"] = models.Volume{ID: "vol2", OwnerID: "u1", ServerID: "srv1", SizeGB: 200}
	// Detached storage accrues nothing.
	store.volumes["vol3"] = models.Volume{ID: "vol3", OwnerID: "u1", SizeGB: 5000}

	engine.RunHourlyVolumeBilling(context.Background())

	assert.Equal(t, int64(993), store.balance("u1"))
	txs := store.transactionsOfType(models.TxHourlyVolumeCharge)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(-7), txs[0].Amount)
}

func TestHourlyVolumeBillingZeroRoundSkips(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, &fakeProvider{}, NewFakeClock(date(2024, time.June, 10)))

	store.users["u1"] = models.User{ID: "u1", Balance: 1000}
	store.servers["srv1"] = models.Server{ID: "srv1", OwnerID: "u1", SizeClass: "s-1vcpu-1gb", CreatedAt: date(2024, time.June, 1)}
	// 10GB rounds to zero cents; no ledger entry at all.
	store.volumes["vol1"] = models.Volume{ID: "vol1", OwnerID: "u1", ServerID: "srv1", SizeGB: 10}

	engine.RunHourlyVolumeBilling(context.Background())

	assert.Equal(t, int64(1000), store.balance("u1"))
	assert.Empty(t, store.transactionsOfType(models.TxHourlyVolumeCharge))
}

func TestHourlyVolumeBillingSkipsInsufficientFunds(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvider{}
	engine := newTestEngine(store, prov, NewFakeClock(date(2024, time.June, 10)))

	store.users["u1"] = models.User{ID: "u1", Balance: 3}
	store.servers["srv1"] = models.Server{ID: "srv1", OwnerID: "u1", SizeClass: "s-1vcpu-1gb", CreatedAt: date(2024, time.June, 1)}
	store.volumes["vol1"] = models.Volume{ID: "vol1", OwnerID: "u1", ServerID: "srv1", SizeGB: 500}

	engine.RunHourlyVolumeBilling(context.Background())

	// Storage non-payment is a silent skip: no charge, no teardown.
	assert.Equal(t, int64(3), store.balance("u1"))
	assert.Empty(t, store.transactionsOfType(models.TxHourlyVolumeCharge))
	assert.Empty(t, prov.deletions())
	_, err := store.GetVolume(context.Background(), "vol1")
	assert.NoError(t, err)
}

func TestBandwidthSweepChargesOnBoundaryDay(t *testing.T) {
	store := newFakeStore()
	clock := NewFakeClock(date(2024, time.February, 28).Add(3 * time.Hour))
	engine := newTestEngine(store, &fakeProvider{}, clock)

	store.users["u1"] = models.User{ID: "u1", Balance: 100}
	store.servers["srv1"] = models.Server{
		ID: "srv1", OwnerID: "u1", Name: "web-1", SizeClass: "s-1vcpu-1gb",
		Status: models.ServerStatusActive, CreatedAt: date(2024, time.January, 31),
	}
	// 1200GB of transfer inside the cycle that starts Feb 29 (leap year
	// clamp of a 31st anchor).
	gb := int64(1 << 30)
	store.metrics["srv1"] = []models.ServerMetric{
		{ServerID: "srv1", Timestamp: date(2024, time.March, 5), NetworkInBytes: 700 * gb},
		{ServerID: "srv1", Timestamp: date(2024, time.March, 20), NetworkOutBytes: 500 * gb},
	}

	// Feb 28 is not the boundary in a leap year; nothing happens.
	engine.RunDailyBandwidthSweep(context.Background())
	assert.Empty(t, store.transactionsOfType(models.TxBandwidthOverage))

	// On the boundary day 200GB over at 12c/GB is charged in full, even
	// though it drives the balance negative.
	clock.Set(date(2024, time.February, 29).Add(3 * time.Hour))
	engine.RunDailyBandwidthSweep(context.Background())

	txs := store.transactionsOfType(models.TxBandwidthOverage)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(-2400), txs[0].Amount)
	assert.Equal(t, int64(-2300), store.balance("u1"))
}

func TestBandwidthSweepSkipsSubCentOverage(t *testing.T) {
	store := newFakeStore()
	clock := NewFakeClock(date(2024, time.February, 29).Add(3 * time.Hour))
	engine := newTestEngine(store, &fakeProvider{}, clock)

	store.users["u1"] = models.User{ID: "u1", Balance: 100}
	store.servers["srv1"] = models.Server{
		ID: "srv1", OwnerID: "u1", Name: "web-1", SizeClass: "s-1vcpu-1gb",
		Status: models.ServerStatusActive, CreatedAt: date(2024, time.January, 31),
	}
	// 0.04GB over the 1000GB limit at 12c/GB computes 0.48 cents, which
	// rounds to zero and must leave no trace.
	gb := int64(1 << 30)
	store.metrics["srv1"] = []models.ServerMetric{
		{ServerID: "srv1", Timestamp: date(2024, time.March, 5), NetworkInBytes: 1000 * gb},
		{ServerID: "srv1", Timestamp: date(2024, time.March, 20), NetworkOutBytes: int64(0.04 * float64(gb))},
	}

	engine.RunDailyBandwidthSweep(context.Background())

	assert.Empty(t, store.transactionsOfType(models.TxBandwidthOverage))
	assert.Equal(t, int64(100), store.balance("u1"))
	assert.Len(t, store.txs, 0)
}

func TestBandwidthSweepSkipsInactiveAndWithinLimit(t *testing.T) {
	store := newFakeStore()
	clock := NewFakeClock(date(2024, time.June, 15))
	engine := newTestEngine(store, &fakeProvider{}, clock)

	gb := int64(1 << 30)
	store.users["u1"] = models.User{ID: "u1", Balance: 1000}
	store.servers["off"] = models.Server{
		ID: "off", OwnerID: "u1", SizeClass: "s-1vcpu-1gb",
		Status: models.ServerStatusOff, CreatedAt: date(2024, time.May, 15),
	}
	store.servers["within"] = models.Server{
		ID: "within", OwnerID: "u1", SizeClass: "s-1vcpu-1gb",
		Status: models.ServerStatusActive, CreatedAt: date(2024, time.May, 15),
	}
	store.metrics["off"] = []models.ServerMetric{
		{ServerID: "off", Timestamp: date(2024, time.June, 16), NetworkInBytes: 5000 * gb},
	}
	store.metrics["within"] = []models.ServerMetric{
		{ServerID: "within", Timestamp: date(2024, time.June, 16), NetworkInBytes: 500 * gb},
	}

	engine.RunDailyBandwidthSweep(context.Background())

	assert.Empty(t, store.transactionsOfType(models.TxBandwidthOverage))
	assert.Equal(t, int64(1000), store.balance("u1"))
}

func TestOrphanedServerRemovedWithoutLedgerEntry(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvider{}
	engine := newTestEngine(store, prov, NewFakeClock(date(2024, time.June, 10)))

	store.servers["srv1"] = models.Server{
		ID: "srv1", OwnerID: "ghost", SizeClass: "s-1vcpu-1gb",
		ProviderInstanceID: "prov-1", CreatedAt: date(2024, time.June, 1),
	}

	engine.RunHourlyServerBilling(context.Background())

	assert.Equal(t, []string{"prov-1"}, prov.deletions())
	_, err := store.GetServer(context.Background(), "srv1")
	assert.ErrorIs(t, err, database.ErrNotFound)
	store.mu.Lock()
	assert.Empty(t, store.txs)
	store.mu.Unlock()
}
