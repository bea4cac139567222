// Command payctl runs operator actions against the paybridge database and gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/paybridge/internal/app/ledger"
	"github.com/coachpo/paybridge/internal/app/orders"
	"github.com/coachpo/paybridge/internal/app/wiring"
	"github.com/coachpo/paybridge/internal/infra/config"
	"github.com/coachpo/paybridge/internal/observability"
)

const defaultConfigPath = "config/app.yaml"

var errUsage = errors.New("usage")

// session carries what every subcommand needs.
type session struct {
	svc   *wiring.Services
	actor string
	out   io.Writer
}

type command struct {
	summary string
	run     func(ctx context.Context, s session, args []string) error
}

var commands = map[string]command{
	"recharge":          {"create a recharge order: -user N -amount 19.99 [-way CODE] [-label L] [-remark R]", runRecharge},
	"search":            {"find an order by merchant or provider number: -ref X", runSearch},
	"recent":            {"list a user's latest orders: -user N [-limit 10]", runRecent},
	"reconcile":         {"query the gateway for one order and apply its state: -ref X", runReconcile},
	"reconcile-pending": {"reconcile every created or in-payment order: [-older 10m]", runReconcilePending},
	"close":             {"close an order at the gateway: -ref X", runClose},
	"balance":           {"show a user's balances: -user N", runBalance},
	"withdraw":          {"hold funds for a payout: -user N -amount 25.50 -network TRC20|BEP20 -address A", runWithdraw},
	"payouts":           {"list payout requests: [-status pending] [-limit 50]", runPayouts},
	"approve":           {"approve a pending payout: -id N [-txid H] [-note T]", runApprove},
	"reject":            {"reject a pending payout and return the funds: -id N -reason R", runReject},
	"audit":             {"show the operator audit trail: [-limit 50]", runAudit},
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	global := flag.NewFlagSet("payctl", flag.ContinueOnError)
	cfgPath := global.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	actor := global.String("actor", defaultActor(), "Operator name recorded in the audit trail")
	debug := global.Bool("debug", false, "Enable debug logging")
	timeout := global.Duration("timeout", 2*time.Minute, "Maximum run time")
	global.Usage = func() { printUsage(global.Output(), global) }
	if err := global.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return errUsage
	}
	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		global.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	stdLogger := log.New(os.Stderr, "payctl ", log.LstdFlags)
	logger := observability.NewStdLogger(stdLogger, *debug)

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(*cfgPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	appCfg.Database.RunMigrations = false

	svc, err := wiring.Open(ctx, appCfg, logger, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	return cmd.run(ctx, session{svc: svc, actor: *actor, out: os.Stdout}, args[1:])
}

func printUsage(w io.Writer, global *flag.FlagSet) {
	fmt.Fprintln(w, "usage: payctl [global flags] <command> [command flags]")
	fmt.Fprintln(w, "\nglobal flags:")
	global.SetOutput(w)
	global.PrintDefaults()
	fmt.Fprintln(w, "\ncommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-18s %s\n", name, commands[name].summary)
	}
}

func runRecharge(ctx context.Context, s session, args []string) error {
	fs := newFlagSet("recharge")
	user := fs.Int64("user", 0, "user id")
	amount := fs.String("amount", "", "package amount, e.g. 19.99")
	way := fs.String("way", "", "payment method code")
	label := fs.String("label", "", "package label")
	remark := fs.String("remark", "", "order remark")
	if err := fs.Parse(args); err != nil {
		return err
	}
	minor, err := orders.ParsePackageAmount(*amount)
	if err != nil {
		return err
	}
	outcome, err := s.svc.Orders.Create(ctx, orders.CreateInput{
		UserID:       *user,
		AmountMinor:  minor,
		WayCode:      *way,
		PackageLabel: *label,
		Remark:       *remark,
	})
	if err != nil {
		return err
	}
	return printJSON(s.out, map[string]any{
		"order":      outcome.Order,
		"cashierUrl": outcome.CashierURL,
		"pending":    outcome.Pending,
		"recovered":  outcome.Recovered,
	})
}

func runSearch(ctx context.Context, s session, args []string) error {
	fs := newFlagSet("search")
	ref := fs.String("ref", "", "merchant or provider order number")
	if err := fs.Parse(args); err != nil {
		return err
	}
	order, err := s.svc.Admin.SearchOrders(ctx, *ref)
	if err != nil {
		return err
	}
	return printJSON(s.out, order)
}

func runRecent(ctx context.Context, s session, args []string) error {
	fs := newFlagSet("recent")
	user := fs.Int64("user", 0, "user id")
	limit := fs.Int("limit", 0, "maximum number of orders")
	if err := fs.Parse(args); err != nil {
		return err
	}
	list, err := s.svc.Admin.RecentOrders(ctx, *user, *limit)
	if err != nil {
		return err
	}
	return printJSON(s.out, list)
}

func runReconcile(ctx context.Context, s session, args []string) error {
	fs := newFlagSet("reconcile")
	ref := fs.String("ref", "", "merchant or provider order number")
	if err := fs.Parse(args); err != nil {
		return err
	}
	tr, err := s.svc.Admin.Reconcile(ctx, s.actor, *ref)
	if err != nil {
		return err
	}
	return printJSON(s.out, transitionView(tr))
}

func runReconcilePending(ctx context.Context, s session, args []string) error {
	fs := newFlagSet("reconcile-pending")
	older := fs.Duration("older", 0, "only orders not updated for this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	report, err := s.svc.Admin.ReconcilePending(ctx, s.actor, *older)
	if err != nil {
		return err
	}
	return printJSON(s.out, report)
}

func runClose(ctx context.Context, s session, args []string) error {
	fs := newFlagSet("close")
	ref := fs.String("ref", "", "merchant or provider order number")
	if err := fs.Parse(args); err != nil {
		return err
	}
	tr, err := s.svc.Admin.Close(ctx, s.actor, *ref)
	if err != nil {
		return err
	}
	return printJSON(s.out, transitionView(tr))
}

func runBalance(ctx context.Context, s session, args []string) error {
	fs := newFlagSet("balance")
	user := fs.Int64("user", 0, "user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	u, err := s.svc.Admin.Balance(ctx, *user)
	if err != nil {
		return err
	}
	return printJSON(s.out, map[string]any{
		"userId":    u.ID,
		"available": u.Available.StringFixed(2),
		"held":      u.Held.StringFixed(2),
	})
}

func runWithdraw(ctx context.Context, s session, args []string) error {
	fs := newFlagSet("withdraw")
	user := fs.Int64("user", 0, "user id")
	amount := fs.String("amount", "", "payout amount, e.g. 25.50")
	network := fs.String("network", "", "TRC20 or BEP20")
	address := fs.String("address", "", "destination address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	value, err := ledger.ParseAmount(*amount)
	if err != nil {
		return err
	}
	payout, err := s.svc.Admin.HoldPayout(ctx, s.actor, ledger.HoldRequest{
		UserID:  *user,
		Amount:  value,
		Network: *network,
		Address: *address,
	})
	if err != nil {
		return err
	}
	return printJSON(s.out, payout)
}

func runPayouts(ctx context.Context, s session, args []string) error {
	fs := newFlagSet("payouts")
	status := fs.String("status", "pending", "pending, approved, rejected or empty for all")
	limit := fs.Int("limit", 0, "maximum number of payouts")
	if err := fs.Parse(args); err != nil {
		return err
	}
	list, err := s.svc.Admin.ListPayouts(ctx, *status, *limit)
	if err != nil {
		return err
	}
	return printJSON(s.out, list)
}

func runApprove(ctx context.Context, s session, args []string) error {
	fs := newFlagSet("approve")
	id := fs.Int64("id", 0, "payout id")
	txID := fs.String("txid", "", "on-chain transaction hash")
	note := fs.String("note", "", "admin note")
	if err := fs.Parse(args); err != nil {
		return err
	}
	decision, err := s.svc.Admin.ApprovePayout(ctx, s.actor, *id, *txID, *note)
	if err != nil {
		return err
	}
	return printJSON(s.out, decision)
}

func runReject(ctx context.Context, s session, args []string) error {
	fs := newFlagSet("reject")
	id := fs.Int64("id", 0, "payout id")
	reason := fs.String("reason", "", "rejection reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	decision, err := s.svc.Admin.RejectPayout(ctx, s.actor, *id, *reason)
	if err != nil {
		return err
	}
	return printJSON(s.out, decision)
}

func runAudit(ctx context.Context, s session, args []string) error {
	fs := newFlagSet("audit")
	limit := fs.Int("limit", 0, "maximum number of rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	trail, err := s.svc.Admin.AuditTrail(ctx, *limit)
	if err != nil {
		return err
	}
	return printJSON(s.out, trail)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func transitionView(tr orders.Transition) map[string]any {
	return map[string]any{
		"mchOrderNo": tr.Order.MerchantOrderNo,
		"from":       tr.From,
		"to":         tr.Order.Status,
		"reported":   tr.Reported,
		"applied":    tr.Applied,
		"credited":   tr.Credited,
	}
}

func printJSON(w io.Writer, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(raw))
	return err
}

func defaultActor() string {
	if v := strings.TrimSpace(os.Getenv("PAYCTL_ACTOR")); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("USER")); v != "" {
		return v
	}
	return "payctl"
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("PAYBRIDGE_CONFIG"); env != "" {
		return env
	}
	return filepath.Clean(defaultConfigPath)
}
