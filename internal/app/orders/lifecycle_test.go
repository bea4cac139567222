package orders

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/paybridge/errs"
	"github.com/coachpo/paybridge/internal/app/ledger"
	"github.com/coachpo/paybridge/internal/domain/orderstore"
	"github.com/coachpo/paybridge/internal/infra/adapters/paygate"
	"github.com/coachpo/paybridge/internal/infra/persistence/memory"
)

type fakeGateway struct {
	create  func(paygate.CreateRequest) (paygate.Result, error)
	query   func(paygate.QueryRequest) (paygate.Result, error)
	close   func(paygate.CloseRequest) (paygate.Result, error)
	created []paygate.CreateRequest
	queried []paygate.QueryRequest
}

func (g *fakeGateway) Create(_ context.Context, req paygate.CreateRequest) (paygate.Result, error) {
	g.created = append(g.created, req)
	return g.create(req)
}

func (g *fakeGateway) Query(_ context.Context, req paygate.QueryRequest) (paygate.Result, error) {
	g.queried = append(g.queried, req)
	return g.query(req)
}

func (g *fakeGateway) Close(_ context.Context, req paygate.CloseRequest) (paygate.Result, error) {
	return g.close(req)
}

func reply(code, msg string, data map[string]any) paygate.Result {
	raw := map[string]any{"code": code, "msg": msg}
	if data != nil {
		raw["data"] = data
	}
	res := paygate.Result{Response: paygate.Response{Code: code, Msg: msg, Raw: raw}}
	if data != nil {
		res.Response.Data = data
		if url, ok := res.Response.CashierURL(); ok {
			res.CashierURL = url
		}
	}
	res.Anomaly = res.Response.Anomaly()
	return res
}

func newLifecycle(t *testing.T, gw Gateway, policy orderstore.Policy) (*Lifecycle, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	cfg := Config{
		FeePercent: decimal.NewFromInt(15),
		Policy:     policy,
		Currency:   "usd",
		WayCode:    "USDT_TRC20",
	}
	at := time.Unix(1700000000, 0)
	l := NewLifecycle(store, gw, ledger.NewService(store, nil), cfg, nil,
		WithClock(func() time.Time { return at }),
		WithSuffix(func() int { return 123 }))
	return l, store
}

func TestCreateRecordsCashierURL(t *testing.T) {
	gw := &fakeGateway{create: func(paygate.CreateRequest) (paygate.Result, error) {
		return reply("0", "SUCCESS", map[string]any{"payOrderNo": "P100", "state": "1", "payData": map[string]any{"cashierUrl": "https://pay/1"}}), nil
	}}
	l, store := newLifecycle(t, gw, "")

	out, err := l.Create(context.Background(), CreateInput{UserID: 42, AmountMinor: 1000, PackageLabel: "Starter"})
	require.NoError(t, err)
	require.Equal(t, "FP421700000000123", out.Order.MerchantOrderNo)
	require.Equal(t, orderstore.StatusInPayment, out.Order.Status)
	require.Equal(t, "https://pay/1", out.CashierURL)
	require.False(t, out.Pending)

	require.Len(t, gw.created, 1)
	require.Equal(t, int64(1150), gw.created[0].AmountMinor)
	require.Equal(t, "USDT_TRC20", gw.created[0].WayCode)
	require.Equal(t, "Starter", gw.created[0].Remark)

	stored, err := store.FindOrder(context.Background(), "P100")
	require.NoError(t, err)
	require.Equal(t, "https://pay/1", stored.CashierURL)
	require.Equal(t, int64(1000), stored.AmountMinor)
	require.Equal(t, int64(1150), stored.FinalAmountMinor)
	require.NotNil(t, stored.RawCreate)

	_, err = store.GetUser(context.Background(), 42)
	require.NoError(t, err)
}

func TestCreateUsesReportedKnownState(t *testing.T) {
	gw := &fakeGateway{create: func(paygate.CreateRequest) (paygate.Result, error) {
		return reply("0", "", map[string]any{"state": "0", "cashierUrl": "https://pay/x"}), nil
	}}
	l, _ := newLifecycle(t, gw, "")
	out, err := l.Create(context.Background(), CreateInput{UserID: 1, AmountMinor: 500})
	require.NoError(t, err)
	require.Equal(t, orderstore.StatusCreated, out.Order.Status)
}

func TestCreateFailureReasons(t *testing.T) {
	cases := []struct {
		name   string
		result paygate.Result
		err    error
		reason string
	}{
		{name: "message", result: reply("9", "amount too small", map[string]any{}), reason: "amount too small"},
		{name: "blank", result: reply("9", "", nil), reason: unknownResponseReason},
		{name: "transport", err: errs.New("paygate", errs.CodeTransport), reason: gatewayErrorReason},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &fakeGateway{create: func(paygate.CreateRequest) (paygate.Result, error) { return tc.result, tc.err }}
			l, store := newLifecycle(t, gw, "")
			out, err := l.Create(context.Background(), CreateInput{UserID: 5, AmountMinor: 100})
			require.NoError(t, err)
			require.Equal(t, orderstore.StatusFailure, out.Order.Status)
			require.Equal(t, tc.reason, out.Order.FailureReason)

			stored, err := store.FindOrder(context.Background(), out.Order.MerchantOrderNo)
			require.NoError(t, err)
			require.Equal(t, orderstore.StatusFailure, stored.Status)
		})
	}
}

func TestCreateDuplicateWithoutURLIsPending(t *testing.T) {
	gw := &fakeGateway{create: func(paygate.CreateRequest) (paygate.Result, error) {
		return reply("14", "Duplicate Submission", nil), nil
	}}
	l, _ := newLifecycle(t, gw, "")
	out, err := l.Create(context.Background(), CreateInput{UserID: 5, AmountMinor: 100})
	require.NoError(t, err)
	require.True(t, out.Pending)
	require.Equal(t, orderstore.StatusInPayment, out.Order.Status)
	require.Empty(t, out.Order.FailureReason)
}

func TestCreateResponseNeverOverwritesSettledOrder(t *testing.T) {
	cases := []struct {
		name   string
		policy orderstore.Policy
		result paygate.Result
		err    error
	}{
		{name: "cashier url lww", policy: orderstore.PolicyLastWriterWins,
			result: reply("0", "SUCCESS", map[string]any{"payOrderNo": "P9", "state": "1", "cashierUrl": "https://pay/9"})},
		{name: "cashier url monotonic", policy: orderstore.PolicyMonotonic,
			result: reply("0", "SUCCESS", map[string]any{"payOrderNo": "P9", "state": "1", "cashierUrl": "https://pay/9"})},
		{name: "transport error", policy: orderstore.PolicyMonotonic, err: errs.New("paygate", errs.CodeTransport)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var l *Lifecycle
			gw := &fakeGateway{create: func(req paygate.CreateRequest) (paygate.Result, error) {
				tr, err := l.applyLocked(context.Background(), req.MerchantOrderNo, Report{State: "2", Trigger: "notify"}, nil)
				require.NoError(t, err)
				require.True(t, tr.Credited)
				return tc.result, tc.err
			}}
			var store *memory.Store
			l, store = newLifecycle(t, gw, tc.policy)

			out, err := l.Create(context.Background(), CreateInput{UserID: 8, AmountMinor: 1000})
			require.NoError(t, err)
			require.Equal(t, orderstore.StatusSuccess, out.Order.Status)

			stored, err := store.FindOrder(context.Background(), out.Order.MerchantOrderNo)
			require.NoError(t, err)
			require.Equal(t, orderstore.StatusSuccess, stored.Status)
			require.Empty(t, stored.FailureReason)

			user, err := store.GetUser(context.Background(), 8)
			require.NoError(t, err)
			require.Equal(t, "10.00", user.Available.StringFixed(2))
		})
	}
}

func TestCreateValidatesInput(t *testing.T) {
	l, _ := newLifecycle(t, &fakeGateway{}, "")
	_, err := l.Create(context.Background(), CreateInput{UserID: 0, AmountMinor: 100})
	require.True(t, errs.Is(err, errs.CodeInvalid))
	_, err = l.Create(context.Background(), CreateInput{UserID: 1, AmountMinor: 0})
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func createInPayment(t *testing.T, l *Lifecycle) orderstore.Order {
	t.Helper()
	out, err := l.Create(context.Background(), CreateInput{UserID: 8, AmountMinor: 2000})
	require.NoError(t, err)
	require.Equal(t, orderstore.StatusInPayment, out.Order.Status)
	return out.Order
}

func TestReconcileCreditsOnce(t *testing.T) {
	gw := &fakeGateway{
		create: func(paygate.CreateRequest) (paygate.Result, error) {
			return reply("0", "", map[string]any{"payOrderNo": "P8", "cashierUrl": "https://pay/8"}), nil
		},
		query: func(paygate.QueryRequest) (paygate.Result, error) {
			return reply("0", "", map[string]any{"payOrderNo": "P8", "state": "2"}), nil
		},
	}
	l, store := newLifecycle(t, gw, "")
	order := createInPayment(t, l)
	ctx := context.Background()

	tr, err := l.Reconcile(ctx, order.MerchantOrderNo)
	require.NoError(t, err)
	require.True(t, tr.Applied)
	require.True(t, tr.Credited)
	require.Equal(t, orderstore.StatusSuccess, tr.Order.Status)
	require.Equal(t, "P8", gw.queried[0].ProviderOrderNo)

	tr, err = l.Reconcile(ctx, "P8")
	require.NoError(t, err)
	require.True(t, tr.Applied)
	require.False(t, tr.Credited)

	user, err := store.GetUser(ctx, 8)
	require.NoError(t, err)
	require.Equal(t, "20.00", user.Available.StringFixed(2))
}

func TestReconcileUnknownStateLeavesOrder(t *testing.T) {
	gw := &fakeGateway{
		create: func(paygate.CreateRequest) (paygate.Result, error) {
			return reply("0", "", map[string]any{"cashierUrl": "https://pay/8"}), nil
		},
		query: func(paygate.QueryRequest) (paygate.Result, error) {
			return reply("0", "", map[string]any{"state": "9"}), nil
		},
	}
	l, _ := newLifecycle(t, gw, "")
	order := createInPayment(t, l)

	tr, err := l.Reconcile(context.Background(), order.MerchantOrderNo)
	require.NoError(t, err)
	require.False(t, tr.Applied)
	require.Equal(t, "9", tr.Reported)
	require.Equal(t, orderstore.StatusInPayment, tr.Order.Status)
}

func TestReconcileMissingOrder(t *testing.T) {
	l, _ := newLifecycle(t, &fakeGateway{}, "")
	_, err := l.Reconcile(context.Background(), "nope")
	require.Equal(t, errs.CanonicalOrderNotFound, errs.CanonicalOf(err))
}

func TestPolicyGovernsRegression(t *testing.T) {
	state := "2"
	gw := &fakeGateway{
		create: func(paygate.CreateRequest) (paygate.Result, error) {
			return reply("0", "", map[string]any{"cashierUrl": "https://pay/8"}), nil
		},
		query: func(paygate.QueryRequest) (paygate.Result, error) {
			return reply("0", "", map[string]any{"state": state}), nil
		},
	}
	for _, tc := range []struct {
		policy orderstore.Policy
		want   orderstore.Status
	}{
		{orderstore.PolicyLastWriterWins, orderstore.StatusInPayment},
		{orderstore.PolicyMonotonic, orderstore.StatusSuccess},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			state = "2"
			l, store := newLifecycle(t, gw, tc.policy)
			order := createInPayment(t, l)
			_, err := l.Reconcile(context.Background(), order.MerchantOrderNo)
			require.NoError(t, err)

			state = "1"
			_, err = l.Reconcile(context.Background(), order.MerchantOrderNo)
			require.NoError(t, err)

			stored, err := store.FindOrder(context.Background(), order.MerchantOrderNo)
			require.NoError(t, err)
			require.Equal(t, tc.want, stored.Status)

			entries, err := store.ListEntries(context.Background(), order.UserID, 0)
			require.NoError(t, err)
			require.Len(t, entries, 1)
		})
	}
}

func TestCloseAppliesReportedState(t *testing.T) {
	gw := &fakeGateway{
		create: func(paygate.CreateRequest) (paygate.Result, error) {
			return reply("0", "", map[string]any{"cashierUrl": "https://pay/8"}), nil
		},
		close: func(req paygate.CloseRequest) (paygate.Result, error) {
			return reply("0", "", map[string]any{"mchOrderNo": req.MerchantOrderNo, "state": "6"}), nil
		},
	}
	l, _ := newLifecycle(t, gw, "")
	order := createInPayment(t, l)

	tr, err := l.Close(context.Background(), order.MerchantOrderNo)
	require.NoError(t, err)
	require.True(t, tr.Applied)
	require.Equal(t, orderstore.StatusClosed, tr.Order.Status)
}

func TestFinalAmountRoundsHalfToEven(t *testing.T) {
	fee := decimal.NewFromInt(15)
	require.Equal(t, int64(1150), FinalAmount(1000, fee))
	require.Equal(t, int64(2299), FinalAmount(1999, fee))
	require.Equal(t, int64(2), FinalAmount(1, decimal.NewFromInt(50)))
	require.Equal(t, int64(4), FinalAmount(3, decimal.NewFromInt(50)))
	require.Equal(t, int64(500), FinalAmount(500, decimal.Zero))
}

func TestParsePackageAmount(t *testing.T) {
	got, err := ParsePackageAmount("19.99")
	require.NoError(t, err)
	require.Equal(t, int64(1999), got)

	got, err = ParsePackageAmount("500")
	require.NoError(t, err)
	require.Equal(t, int64(500), got)

	got, err = ParsePackageAmount("5.5")
	require.NoError(t, err)
	require.Equal(t, int64(550), got)

	for _, raw := range []string{"19.999", "", "abc", "0", "-3", "-1.50"} {
		_, err := ParsePackageAmount(raw)
		require.True(t, errs.Is(err, errs.CodeInvalid), raw)
	}
}

func TestOrderNumber(t *testing.T) {
	require.Equal(t, "FP71700000000999", OrderNumber(" FP ", 7, time.Unix(1700000000, 0), 999))
	for i := 0; i < 100; i++ {
		s := randomSuffix()
		require.GreaterOrEqual(t, s, 100)
		require.LessOrEqual(t, s, 999)
	}
}
