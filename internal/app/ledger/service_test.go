package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/paybridge/errs"
	"github.com/coachpo/paybridge/internal/domain/ledgerstore"
	"github.com/coachpo/paybridge/internal/domain/orderstore"
	"github.com/coachpo/paybridge/internal/domain/uow"
	"github.com/coachpo/paybridge/internal/infra/persistence/memory"
)

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	return d
}

func seedOrder(t *testing.T, store *memory.Store, userID, amountMinor int64) orderstore.Order {
	t.Helper()
	var order orderstore.Order
	err := store.WithTransaction(context.Background(), func(ctx context.Context, tx uow.Tx) error {
		var err error
		order, err = tx.CreateOrder(ctx, orderstore.Order{
			MerchantOrderNo:  "FP" + decimal.NewFromInt(userID).String() + "-" + decimal.NewFromInt(amountMinor).String(),
			UserID:           userID,
			AmountMinor:      amountMinor,
			FinalAmountMinor: amountMinor,
		})
		return err
	})
	require.NoError(t, err)
	return order
}

func fund(t *testing.T, svc *Service, store *memory.Store, userID, amountMinor int64) {
	t.Helper()
	credited, err := svc.CreditOnSuccess(context.Background(), seedOrder(t, store, userID, amountMinor))
	require.NoError(t, err)
	require.True(t, credited)
}

func TestCreditOnSuccessIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store, nil)
	ctx := context.Background()
	order := seedOrder(t, store, 7, 2550)

	credited, err := svc.CreditOnSuccess(ctx, order)
	require.NoError(t, err)
	require.True(t, credited)

	credited, err = svc.CreditOnSuccess(ctx, order)
	require.NoError(t, err)
	require.False(t, credited)

	user, err := svc.Balance(ctx, 7)
	require.NoError(t, err)
	require.True(t, user.Available.Equal(dec(t, "25.50")), "available %s", user.Available)

	entries, err := store.ListEntries(ctx, 7, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ledgerstore.KindDepositCredit, entries[0].Kind)
	require.Equal(t, order.ID, *entries[0].OrderID)
}

func TestCreditUsesBaseAmount(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store, nil)
	order := seedOrder(t, store, 3, 1000)
	order.FinalAmountMinor = 1150

	_, err := svc.CreditOnSuccess(context.Background(), order)
	require.NoError(t, err)

	user, err := svc.Balance(context.Background(), 3)
	require.NoError(t, err)
	require.True(t, user.Available.Equal(dec(t, "10")))
}

func TestHoldThenRejectRestoresBalance(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store, nil)
	ctx := context.Background()
	fund(t, svc, store, 1, 2550)

	payout, err := svc.HoldForPayout(ctx, HoldRequest{UserID: 1, Amount: dec(t, "25.50"), Network: "trc20", Address: " TXabc "})
	require.NoError(t, err)
	require.Equal(t, ledgerstore.PayoutPending, payout.Status)
	require.Equal(t, ledgerstore.NetworkTRC20, payout.Network)
	require.Equal(t, "TXabc", payout.Address)

	user, err := svc.Balance(ctx, 1)
	require.NoError(t, err)
	require.True(t, user.Available.IsZero())
	require.True(t, user.Held.Equal(dec(t, "25.50")))

	decision, err := svc.RejectPayout(ctx, payout.ID, "bad address")
	require.NoError(t, err)
	require.True(t, decision.Applied)
	require.Equal(t, ledgerstore.PayoutRejected, decision.Payout.Status)

	user, err = svc.Balance(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "25.50", user.Available.StringFixed(2))
	require.True(t, user.Held.IsZero())

	entries, err := store.ListEntries(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, ledgerstore.KindPayoutRejectReturn, entries[0].Kind)
	require.Equal(t, ledgerstore.KindPayoutHold, entries[1].Kind)
}

func TestApproveThenRejectIsNoop(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store, nil)
	ctx := context.Background()
	fund(t, svc, store, 2, 10000)

	payout, err := svc.HoldForPayout(ctx, HoldRequest{UserID: 2, Amount: dec(t, "40"), Network: "BEP20", Address: "0xabc"})
	require.NoError(t, err)

	approved, err := svc.ApprovePayout(ctx, payout.ID, "", "0xtx")
	require.NoError(t, err)
	require.True(t, approved.Applied)
	require.Equal(t, "0xtx", approved.Payout.TxID)

	rejected, err := svc.RejectPayout(ctx, payout.ID, "late")
	require.NoError(t, err)
	require.False(t, rejected.Applied)
	require.Equal(t, ledgerstore.PayoutApproved, rejected.Payout.Status)

	again, err := svc.ApprovePayout(ctx, payout.ID, "twice", "")
	require.NoError(t, err)
	require.False(t, again.Applied)

	user, err := svc.Balance(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, "60.00", user.Available.StringFixed(2))
	require.True(t, user.Held.IsZero())

	entries, err := store.ListEntries(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, ledgerstore.KindPayoutApprove, entries[0].Kind)
	require.Equal(t, "Approved", entries[0].Note)
}

func TestHoldRejectsInsufficientBalance(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store, nil)
	ctx := context.Background()
	fund(t, svc, store, 4, 1000)

	_, err := svc.HoldForPayout(ctx, HoldRequest{UserID: 4, Amount: dec(t, "10.01"), Network: "TRC20", Address: "T1"})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeInsufficientBalance))
	require.Equal(t, errs.CanonicalInsufficientBalance, errs.CanonicalOf(err))

	user, err := svc.Balance(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, "10.00", user.Available.StringFixed(2))
	require.True(t, user.Held.IsZero())

	payouts, err := store.ListPayouts(ctx, ledgerstore.PayoutQuery{UserID: 4})
	require.NoError(t, err)
	require.Empty(t, payouts)
}

func TestHoldValidatesInput(t *testing.T) {
	svc := NewService(memory.NewStore(), nil)
	cases := map[string]HoldRequest{
		"network":  {UserID: 1, Amount: decimal.NewFromInt(1), Network: "ERC20", Address: "x"},
		"address":  {UserID: 1, Amount: decimal.NewFromInt(1), Network: "TRC20", Address: "  "},
		"zero":     {UserID: 1, Amount: decimal.Zero, Network: "TRC20", Address: "x"},
		"decimals": {UserID: 1, Amount: decimal.RequireFromString("1.001"), Network: "TRC20", Address: "x"},
		"user":     {UserID: 0, Amount: decimal.NewFromInt(1), Network: "TRC20", Address: "x"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.HoldForPayout(context.Background(), req)
			require.True(t, errs.Is(err, errs.CodeInvalid), "got %v", err)
		})
	}
}

func TestConcurrentHoldsNeverOverdraw(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store, nil)
	ctx := context.Background()
	fund(t, svc, store, 9, 10000)

	amount := dec(t, "30")
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.HoldForPayout(ctx, HoldRequest{UserID: 9, Amount: amount, Network: "TRC20", Address: "T9"})
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 3, granted)
	user, err := svc.Balance(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, "10.00", user.Available.StringFixed(2))
	require.Equal(t, "90.00", user.Held.StringFixed(2))
}

func TestDecisionOnMissingPayout(t *testing.T) {
	svc := NewService(memory.NewStore(), nil)
	_, err := svc.ApprovePayout(context.Background(), 42, "", "")
	require.True(t, errs.Is(err, errs.CodeNotFound))
	require.Equal(t, errs.CanonicalPayoutNotFound, errs.CanonicalOf(err))
}

func TestBalanceUnknownUser(t *testing.T) {
	svc := NewService(memory.NewStore(), nil)
	_, err := svc.Balance(context.Background(), 99)
	require.Equal(t, errs.CanonicalUserNotFound, errs.CanonicalOf(err))

	user, err := svc.EnsureUser(context.Background(), 99)
	require.NoError(t, err)
	require.True(t, user.Available.IsZero())
}

func TestParseAmount(t *testing.T) {
	amount, err := ParseAmount(" 25.50 ")
	require.NoError(t, err)
	require.Equal(t, "25.50", amount.StringFixed(2))

	for _, raw := range []string{"", "abc", "-1", "0", "1.234"} {
		_, err := ParseAmount(raw)
		require.Error(t, err, raw)
	}
}
