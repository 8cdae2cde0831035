package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bashocodes/aikizi-sub001/internal/models"
)

func TestStorage_Spend(t *testing.T) {
	type args struct {
		ctx     context.Context
		cost    int
		idemKey string
	}

	tests := []struct {
		name        string
		args        args
		startTokens int
		wantBalance int
		wantErr     error
		wantSpends  int
		repeat      int
	}{
		{
			name:        "successful spend debits balance and writes entry",
			args:        args{ctx: context.Background(), cost: 1, idemKey: "key-1"},
			startTokens: 5,
			wantBalance: 4,
			wantSpends:  1,
			repeat:      1,
		},
		{
			name:        "repeat with same idem key does not double debit",
			args:        args{ctx: context.Background(), cost: 1, idemKey: "key-1"},
			startTokens: 5,
			wantBalance: 4,
			wantSpends:  1,
			repeat:      3,
		},
		{
			name:        "insufficient tokens leaves wallet untouched",
			args:        args{ctx: context.Background(), cost: 10, idemKey: "key-1"},
			startTokens: 3,
			wantErr:     ErrInsufficientTokens,
			wantSpends:  0,
			repeat:      1,
		},
		{
			name:        "missing wallet reads as empty",
			args:        args{ctx: context.Background(), cost: 1, idemKey: "key-1"},
			startTokens: -1,
			wantErr:     ErrInsufficientTokens,
			wantSpends:  0,
			repeat:      1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, cleanup := setupTestDatabase(t)
			defer cleanup()

			factory := NewTestDataFactory(storage)
			var uid string
			if tt.startTokens >= 0 {
				uid = factory.CreatePrincipal(t, "auth0|spender", models.RoleViewer, tt.startTokens)
			} else {
				// Принципал без кошелька
				uid = factory.CreatePrincipal(t, "auth0|spender", models.RoleViewer, 0)
				_, err := storage.DB.Exec(`DELETE FROM entitlements WHERE principal_uid = $1`, uid)
				require.NoError(t, err)
			}

			var got int
			var err error
			for range tt.repeat {
				got, err = storage.Spend(tt.args.ctx, uid, tt.args.cost, tt.args.idemKey)
			}

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantBalance, got)
			}
			assert.Equal(t, tt.wantSpends, factory.CountTransactions(t, uid, models.TxKindSpend))

			if tt.startTokens >= 0 {
				balance, err := storage.GetBalance(context.Background(), uid)
				require.NoError(t, err)
				if tt.wantErr != nil {
					assert.Equal(t, tt.startTokens, balance)
				} else {
					assert.Equal(t, tt.wantBalance, balance)
				}
			}
		})
	}
}

func TestStorage_Spend_ConcurrentSameKey(t *testing.T) {
	storage, cleanup := setupTestDatabase(t)
	defer cleanup()

	factory := NewTestDataFactory(storage)
	uid := factory.CreatePrincipal(t, "auth0|racer", models.RoleViewer, 10)

	// Десять конкурентных списаний с одним ключом: под блокировкой строки
	// кошелька они сериализуются, и списание происходит ровно один раз.
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = storage.Spend(context.Background(), uid, 1, "shared-key")
		}()
	}
	wg.Wait()

	balance, err := storage.GetBalance(context.Background(), uid)
	require.NoError(t, err)
	assert.Equal(t, 9, balance)
	assert.Equal(t, 1, factory.CountTransactions(t, uid, models.TxKindSpend))
}

func TestStorage_Spend_ConcurrentDistinctKeys(t *testing.T) {
	storage, cleanup := setupTestDatabase(t)
	defer cleanup()

	factory := NewTestDataFactory(storage)
	uid := factory.CreatePrincipal(t, "auth0|racer2", models.RoleViewer, 3)

	// Пять разных ключей при балансе 3: ровно три списания проходят,
	// остальные получают ErrInsufficientTokens, баланс никогда не уходит в минус.
	keys := []string{"k1", "k2", "k3", "k4", "k5"}
	errs := make([]error, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = storage.Spend(context.Background(), uid, 1, key)
		}()
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		default:
			require.ErrorIs(t, err, ErrInsufficientTokens)
			rejected++
		}
	}
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 2, rejected)

	balance, err := storage.GetBalance(context.Background(), uid)
	require.NoError(t, err)
	assert.Equal(t, 0, balance)
}

func TestStorage_Refund(t *testing.T) {
	storage, cleanup := setupTestDatabase(t)
	defer cleanup()

	factory := NewTestDataFactory(storage)
	uid := factory.CreatePrincipal(t, "auth0|refunded", models.RoleViewer, 5)

	_, err := storage.Spend(context.Background(), uid, 2, "job-key")
	require.NoError(t, err)

	got, err := storage.Refund(context.Background(), uid, 2, "job-key")
	require.NoError(t, err)
	assert.Equal(t, 5, got)

	// Проводка возврата несёт ключ исходного списания
	entries, err := storage.ListTransactions(context.Background(), uid, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.TxKindRefund, entries[0].Kind)
	assert.Equal(t, "job-key", entries[0].IdemKey)
	assert.Equal(t, 2, entries[0].Amount)
	assert.Equal(t, models.TxKindSpend, entries[1].Kind)
	assert.Equal(t, -2, entries[1].Amount)
}

func TestStorage_Grant(t *testing.T) {
	tests := []struct {
		name        string
		amount      int
		kind        string
		wantBalance int
		wantErr     bool
	}{
		{
			name:        "manual grant credits balance",
			amount:      10,
			kind:        models.TxKindGrant,
			wantBalance: 12,
		},
		{
			name:    "spend kind is rejected",
			amount:  10,
			kind:    models.TxKindSpend,
			wantErr: true,
		},
		{
			name:    "non-positive amount is rejected",
			amount:  0,
			kind:    models.TxKindGrant,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, cleanup := setupTestDatabase(t)
			defer cleanup()

			factory := NewTestDataFactory(storage)
			uid := factory.CreatePrincipal(t, "auth0|granted", models.RoleViewer, 2)

			got, err := storage.Grant(context.Background(), uid, tt.amount, tt.kind)

			if tt.wantErr {
				require.Error(t, err)
				balance, berr := storage.GetBalance(context.Background(), uid)
				require.NoError(t, berr)
				assert.Equal(t, 2, balance)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantBalance, got)
			}
		})
	}
}

func TestStorage_EnsureAccount(t *testing.T) {
	storage, cleanup := setupTestDatabase(t)
	defer cleanup()

	factory := NewTestDataFactory(storage)

	uid, err := storage.EnsureAccount(context.Background(), "auth0|newcomer", 5)
	require.NoError(t, err)
	require.NotEmpty(t, uid)

	balance, err := storage.GetBalance(context.Background(), uid)
	require.NoError(t, err)
	assert.Equal(t, 5, balance)

	// Повторные входы не начисляют приветственные токены снова
	for range 3 {
		again, err := storage.EnsureAccount(context.Background(), "auth0|newcomer", 5)
		require.NoError(t, err)
		assert.Equal(t, uid, again)
	}

	balance, err = storage.GetBalance(context.Background(), uid)
	require.NoError(t, err)
	assert.Equal(t, 5, balance)
	assert.Equal(t, 1, factory.CountTransactions(t, uid, models.TxKindWelcomeGrant))
}

func TestStorage_EnsureAccount_Concurrent(t *testing.T) {
	storage, cleanup := setupTestDatabase(t)
	defer cleanup()

	factory := NewTestDataFactory(storage)

	uids := make([]string, 8)
	errs := make([]error, 8)
	var wg sync.WaitGroup
	for i := range uids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			uids[i], errs[i] = storage.EnsureAccount(context.Background(), "auth0|stormed", 5)
		}()
	}
	wg.Wait()

	for i := range uids {
		require.NoError(t, errs[i])
		assert.Equal(t, uids[0], uids[i])
	}

	balance, err := storage.GetBalance(context.Background(), uids[0])
	require.NoError(t, err)
	assert.Equal(t, 5, balance)
	assert.Equal(t, 1, factory.CountTransactions(t, uids[0], models.TxKindWelcomeGrant))
}

func TestStorage_ListTransactions(t *testing.T) {
	storage, cleanup := setupTestDatabase(t)
	defer cleanup()

	factory := NewTestDataFactory(storage)
	uid := factory.CreatePrincipal(t, "auth0|auditor", models.RoleViewer, 10)
	other := factory.CreatePrincipal(t, "auth0|stranger", models.RoleViewer, 10)

	_, err := storage.Spend(context.Background(), uid, 1, "k1")
	require.NoError(t, err)
	_, err = storage.Spend(context.Background(), uid, 1, "k2")
	require.NoError(t, err)
	_, err = storage.Refund(context.Background(), uid, 1, "k2")
	require.NoError(t, err)
	_, err = storage.Spend(context.Background(), other, 1, "k1")
	require.NoError(t, err)

	entries, err := storage.ListTransactions(context.Background(), uid, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Новые первыми, чужие проводки не видны
	assert.Equal(t, models.TxKindRefund, entries[0].Kind)
	assert.Equal(t, "k2", entries[1].IdemKey)
	assert.Equal(t, "k1", entries[2].IdemKey)
	for _, entry := range entries {
		assert.Equal(t, uid, entry.PrincipalUID)
	}

	limited, err := storage.ListTransactions(context.Background(), uid, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
