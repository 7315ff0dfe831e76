// Command transfer runs the toolkit end to end: two account-service
// instances join the registry, a resilient client calls them through a
// circuit breaker, and a three-step money transfer saga demonstrates
// completion, failure and compensation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-bastion/bastion"
	"github.com/go-bastion/bastion/client"
	"github.com/go-bastion/bastion/config"
	"github.com/go-bastion/bastion/events"
	"github.com/go-bastion/bastion/log"
	"github.com/go-bastion/bastion/registry"
	"github.com/go-bastion/bastion/saga"
)

const statusAPIAddr = "127.0.0.1:8088"

func main() {
	cfg, err := config.Load(os.Getenv("BASTION_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.DefaultLogger(os.Stdout)
	if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []bastion.ConfigOption{bastion.WithConfig(cfg)}

	// redis when reachable, the in-memory store otherwise
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if store, err := registry.NewRedisStore(ctx, redisClient); err != nil {
		logger.Logf(log.WarnLevel, "redis unavailable, using the in-memory store: %s", err)
	} else {
		opts = append(opts, bastion.WithStore(store))
	}

	// amqp when reachable, events go to the log otherwise
	if conn, err := events.Dial(cfg.Events.AMQP.URL, logger); err != nil {
		logger.Logf(log.WarnLevel, "amqp unavailable, events go to the log: %s", err)
	} else {
		defer conn.Close()
		opts = append(opts, bastion.WithAMQP(conn))
	}

	apiMux := http.NewServeMux()
	opts = append(opts, bastion.WithStatusAPI(apiMux))

	b, err := bastion.New(logger, opts...)
	if err != nil {
		logger.Log(log.FatalLevel, err)
	}

	b.Dispatcher().SubscribeAll(func(_ context.Context, event events.Event) error {
		logger.WithFields(log.Fields{"event": event.EventName()}).Log(log.InfoLevel, "event consumed from the broker")
		return nil
	})

	accounts := newLedger(map[string]int64{"alice": 500_00, "bob": 100_00, "vault": 0})
	accounts.freeze("vault")

	for _, version := range []string{"1.0.0", "1.0.1"} {
		port, shutdown, err := startAccountService(logger, accounts)
		if err != nil {
			logger.Log(log.FatalLevel, err)
		}
		defer shutdown()

		id, err := b.Registry().Register(ctx, registry.Registration{
			Name:    "accounts",
			Host:    "127.0.0.1",
			Port:    port,
			Version: version,
		})
		if err != nil {
			logger.Log(log.FatalLevel, err)
		}
		logger.Logf(log.InfoLevel, "account service %s registered as %s", version, id)
	}

	accountsClient, err := b.Client("accounts", client.WithoutFallback())
	if err != nil {
		logger.Log(log.FatalLevel, err)
	}

	if err := b.Orchestrator().RegisterDefinition("transfer", transferSteps(accountsClient, logger)); err != nil {
		logger.Log(log.FatalLevel, err)
	}

	apiServer := &http.Server{Addr: statusAPIAddr, Handler: apiMux}
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logf(log.ErrorLevel, "status api: %s", err)
		}
	}()
	logger.Logf(log.InfoLevel, "saga status api listening on http://%s/sagas", statusAPIAddr)

	runCtx, cancelRun := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() {
		runDone <- b.Run(runCtx)
	}()

	// a transfer that completes
	runTransfer(ctx, b, logger, map[string]interface{}{
		"from":         "alice",
		"to":           "bob",
		"amount_cents": int64(150_00),
	})

	// a transfer to a frozen account: the credit step fails and the
	// debit is compensated
	runTransfer(ctx, b, logger, map[string]interface{}{
		"from":         "alice",
		"to":           "vault",
		"amount_cents": int64(25_00),
	})

	logger.Logf(log.InfoLevel, "final balances: alice=%d bob=%d vault=%d",
		accounts.balance("alice"), accounts.balance("bob"), accounts.balance("vault"))

	tripBreaker(ctx, b, logger)
	printStatusAPI(logger)

	cancelRun()
	if err := <-runDone; err != nil {
		logger.Logf(log.ErrorLevel, "run: %s", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Logf(log.ErrorLevel, "shutting down status api: %s", err)
	}
	if err := b.Stop(shutdownCtx); err != nil {
		logger.Logf(log.ErrorLevel, "stopping: %s", err)
	}
}

// transferSteps defines the saga: debit the sender, credit the
// recipient, write a receipt. Each remote step undoes itself by
// mirroring the operation.
func transferSteps(accounts *client.Client, logger log.Logger) []saga.StepDefinition {
	post := func(ctx context.Context, op, account string, cents int64) error {
		resp, err := accounts.Post(ctx, fmt.Sprintf("/%s?account=%s&amount=%d", op, account, cents), nil, nil)
		if err != nil {
			if httpErr, ok := client.AsHTTPError(err); ok {
				return errors.Errorf("%s %s: %s", op, account, httpErr.Response.Body)
			}
			return err
		}
		if !resp.Ok() {
			return errors.Errorf("%s %s answered %d", op, account, resp.StatusCode)
		}
		return nil
	}

	return []saga.StepDefinition{
		{
			Name: "debit_sender",
			Action: func(ctx context.Context, data *saga.Data) error {
				return post(ctx, "debit", stringVal(data, "from"), int64Val(data, "amount_cents"))
			},
			Compensate: func(ctx context.Context, data *saga.Data) error {
				return post(ctx, "credit", stringVal(data, "from"), int64Val(data, "amount_cents"))
			},
		},
		{
			Name: "credit_recipient",
			Action: func(ctx context.Context, data *saga.Data) error {
				return post(ctx, "credit", stringVal(data, "to"), int64Val(data, "amount_cents"))
			},
			Compensate: func(ctx context.Context, data *saga.Data) error {
				return post(ctx, "debit", stringVal(data, "to"), int64Val(data, "amount_cents"))
			},
		},
		{
			Name: "write_receipt",
			Action: func(_ context.Context, data *saga.Data) error {
				receipt := fmt.Sprintf("rcpt-%s", uuid.NewString())
				data.Set("receipt", receipt)
				logger.Logf(log.InfoLevel, "receipt %s: %s -> %s, %d cents",
					receipt, stringVal(data, "from"), stringVal(data, "to"), int64Val(data, "amount_cents"))
				return nil
			},
		},
	}
}

func runTransfer(ctx context.Context, b *bastion.Bastion, logger log.Logger, payload map[string]interface{}) {
	sagaID, err := b.Orchestrator().Start(ctx, "transfer", payload)
	if err != nil {
		logger.Logf(log.ErrorLevel, "starting transfer: %s", err)
		return
	}

	state := waitForSaga(ctx, b.Orchestrator(), sagaID)
	fields := log.Fields{"saga": sagaID, "status": state.Status.String()}
	if receipt, ok := state.Data["receipt"]; ok {
		fields["receipt"] = receipt
	}
	logger.WithFields(fields).Logf(log.InfoLevel, "transfer %s -> %s finished",
		payload["from"], payload["to"])

	for _, step := range state.Steps {
		logger.Logf(log.InfoLevel, "  step %-17s %s %s", step.Name, step.Status, step.Error)
	}
}

func waitForSaga(ctx context.Context, orchestrator *saga.Orchestrator, sagaID string) saga.State {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		state, err := orchestrator.GetState(sagaID)
		if err == nil && state.Status.Terminal() {
			return state
		}
		select {
		case <-ctx.Done():
			return state
		case <-ticker.C:
		}
	}
}

// tripBreaker calls a service nobody registered until its breaker
// opens, then shows the snapshot and the default fallback in action.
func tripBreaker(ctx context.Context, b *bastion.Bastion, logger log.Logger) {
	doomed, err := b.Client("inventory", client.WithoutFallback())
	if err != nil {
		logger.Log(log.FatalLevel, err)
	}

	for i := 0; i < b.Config().Breaker.FailureThreshold+1; i++ {
		if _, err := doomed.Get(ctx, "/stock", nil); err != nil {
			logger.Logf(log.DebugLevel, "inventory call failed: %s", err)
		}
	}

	state := doomed.State()
	logger.Logf(log.InfoLevel, "inventory breaker is %s after %d failures", state.Status, state.FailureCount)

	// the same breaker through a fallback client substitutes an empty
	// response instead of failing
	softened, err := b.Client("inventory")
	if err != nil {
		logger.Log(log.FatalLevel, err)
	}
	resp, err := softened.Get(ctx, "/stock", nil)
	logger.Logf(log.InfoLevel, "with fallback: response=%+v err=%v", resp, err)
}

func printStatusAPI(logger log.Logger) {
	resp, err := http.Get(fmt.Sprintf("http://%s/sagas", statusAPIAddr))
	if err != nil {
		logger.Logf(log.ErrorLevel, "querying status api: %s", err)
		return
	}
	defer resp.Body.Close()

	var batch struct {
		Total int `json:"total"`
		Items []struct {
			ID     string `json:"id"`
			Type   string `json:"type"`
			Status string `json:"status"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		logger.Logf(log.ErrorLevel, "decoding status api response: %s", err)
		return
	}
	for _, item := range batch.Items {
		logger.Logf(log.InfoLevel, "status api: saga %s type=%s status=%s", item.ID, item.Type, item.Status)
	}
}

func stringVal(data *saga.Data, key string) string {
	value, _ := data.Get(key)
	s, _ := value.(string)
	return s
}

func int64Val(data *saga.Data, key string) int64 {
	value, _ := data.Get(key)
	n, _ := value.(int64)
	return n
}

// ledger is the demo account store shared by both service instances.
type ledger struct {
	mu       sync.Mutex
	balances map[string]int64
	frozen   map[string]bool
}

func newLedger(balances map[string]int64) *ledger {
	copied := make(map[string]int64, len(balances))
	for account, cents := range balances {
		copied[account] = cents
	}
	return &ledger{balances: copied, frozen: map[string]bool{}}
}

func (l *ledger) freeze(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen[account] = true
}

func (l *ledger) balance(account string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

func (l *ledger) debit(account string, cents int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance, ok := l.balances[account]
	if !ok {
		return 0, errors.Errorf("no such account %s", account)
	}
	if balance < cents {
		return 0, errors.Errorf("insufficient funds on %s", account)
	}
	l.balances[account] = balance - cents
	return l.balances[account], nil
}

func (l *ledger) credit(account string, cents int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.balances[account]; !ok {
		return 0, errors.Errorf("no such account %s", account)
	}
	if l.frozen[account] {
		return 0, errors.Errorf("account %s is frozen", account)
	}
	l.balances[account] += cents
	return l.balances[account], nil
}

// startAccountService serves /health, /debit and /credit on a random
// local port and returns the port with a shutdown func.
func startAccountService(logger log.Logger, accounts *ledger) (int, func(), error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/debit", accountOp(accounts.debit, http.StatusUnprocessableEntity))
	mux.HandleFunc("/credit", accountOp(accounts.credit, http.StatusForbidden))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, nil, errors.Wrap(err, "starting account service")
	}

	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Logf(log.ErrorLevel, "account service: %s", err)
		}
	}()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Logf(log.ErrorLevel, "stopping account service: %s", err)
		}
	}
	return listener.Addr().(*net.TCPAddr).Port, shutdown, nil
}

func accountOp(op func(string, int64) (int64, error), failureStatus int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account := r.URL.Query().Get("account")
		var cents int64
		if _, err := fmt.Sscan(r.URL.Query().Get("amount"), &cents); err != nil {
			http.Error(w, "amount must be an integer", http.StatusBadRequest)
			return
		}

		balance, err := op(account, cents)
		if err != nil {
			http.Error(w, err.Error(), failureStatus)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"account":%q,"balance_cents":%d}`, account, balance)
	}
}
