package models_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"bitbucket.org/mmdatafocus/pos_backend/workflow"
	"github.com/shopspring/decimal"
)

// Order completion regression.
//
// Completion is the one place stock, cash and shift accumulators move together.
// These tests pin the all-or-nothing behavior: a completed order decrements
// stock, appends exactly one Sale drawer entry per cash payment, and stamps the
// shift; a rejected completion leaves all three untouched.
//
// Run (requires Docker): INTEGRATION_TESTS=1 go test ./models -run CompleteOrder -v

func TestCompleteOrderPostsStockCashAndShift(t *testing.T) {
	ctx, env := setupPOSIntegration(t)

	product := env.createProduct(t, ctx, "Americano", "AME-001", "4.00")
	env.seedStock(t, ctx, product.ID, 10)

	shift, err := models.OpenShift(ctx, &models.NewShift{
		BranchId:       env.branchId,
		OpeningBalance: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("OpenShift: %v", err)
	}

	order, err := models.CreateOrder(ctx, &models.NewOrder{
		BranchId: env.branchId,
		Items:    []models.NewOrderItem{{ProductId: product.ID, Qty: 2}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.CurrentStatus != models.OrderStatusPending {
		t.Fatalf("new order status: got %s, want Pending", order.CurrentStatus)
	}
	if order.ShiftId != nil {
		t.Fatalf("shift must not be stamped before completion")
	}

	completed, err := workflow.CompleteOrder(ctx, order.ID, []workflow.OrderPaymentInput{
		{Method: models.PaymentMethodCash, Amount: order.Total},
	})
	if err != nil {
		t.Fatalf("CompleteOrder: %v", err)
	}
	if completed.CurrentStatus != models.OrderStatusCompleted {
		t.Fatalf("status: got %s, want Completed", completed.CurrentStatus)
	}
	if completed.ShiftId == nil || *completed.ShiftId != shift.ID {
		t.Fatalf("shift id: got %v, want %d", completed.ShiftId, shift.ID)
	}
	if completed.CompletedAt == nil {
		t.Fatal("completed_at must be stamped")
	}

	qty, err := models.GetAvailableQuantity(ctx, env.branchId, product.ID)
	if err != nil {
		t.Fatalf("GetAvailableQuantity: %v", err)
	}
	if qty != 8 {
		t.Fatalf("stock after completion: got %d, want 8", qty)
	}

	db := config.GetDB()
	var movement models.StockMovement
	if err := db.WithContext(ctx).
		Where("business_id = ? AND reference_type = ? AND reference_id = ?", env.businessId, models.StockReferenceTypeOrder, order.ID).
		First(&movement).Error; err != nil {
		t.Fatalf("expected a stock movement for the order: %v", err)
	}
	if movement.Qty != -2 || movement.QtyBefore != 10 || movement.QtyAfter != 8 {
		t.Fatalf("movement: qty=%d before=%d after=%d", movement.Qty, movement.QtyBefore, movement.QtyAfter)
	}

	var cashEntries []models.CashRegisterTransaction
	if err := db.WithContext(ctx).
		Where("business_id = ? AND branch_id = ? AND transaction_type = ?", env.businessId, env.branchId, models.CashTransactionTypeSale).
		Find(&cashEntries).Error; err != nil {
		t.Fatalf("fetch cash entries: %v", err)
	}
	if len(cashEntries) != 1 {
		t.Fatalf("cash entries: got %d, want 1", len(cashEntries))
	}
	entry := cashEntries[0]
	if entry.Amount.Cmp(order.Total) != 0 {
		t.Fatalf("cash amount: got %s, want %s", entry.Amount, order.Total)
	}
	if entry.BalanceBefore.Cmp(decimal.Zero) != 0 || entry.BalanceAfter.Cmp(order.Total) != 0 {
		t.Fatalf("running balance: before=%s after=%s", entry.BalanceBefore, entry.BalanceAfter)
	}
	if entry.ShiftId == nil || *entry.ShiftId != shift.ID {
		t.Fatalf("cash entry shift: got %v, want %d", entry.ShiftId, shift.ID)
	}

	updatedShift, err := models.GetShift(ctx, shift.ID)
	if err != nil {
		t.Fatalf("GetShift: %v", err)
	}
	if updatedShift.TotalCash.Cmp(order.Total) != 0 {
		t.Fatalf("shift total_cash: got %s, want %s", updatedShift.TotalCash, order.Total)
	}
	if updatedShift.TotalCard.Cmp(decimal.Zero) != 0 {
		t.Fatalf("shift total_card: got %s, want 0", updatedShift.TotalCard)
	}
}

func TestCompleteOrderInsufficientStockRollsBack(t *testing.T) {
	ctx, env := setupPOSIntegration(t)

	product := env.createProduct(t, ctx, "Mocha", "MOC-001", "5.00")
	env.seedStock(t, ctx, product.ID, 1)

	if _, err := models.OpenShift(ctx, &models.NewShift{BranchId: env.branchId}); err != nil {
		t.Fatalf("OpenShift: %v", err)
	}

	order, err := models.CreateOrder(ctx, &models.NewOrder{
		BranchId: env.branchId,
		Items:    []models.NewOrderItem{{ProductId: product.ID, Qty: 3}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	_, err = workflow.CompleteOrder(ctx, order.ID, []workflow.OrderPaymentInput{
		{Method: models.PaymentMethodCash, Amount: order.Total},
	})
	if !utils.IsCode(err, utils.CodeInsufficientStock) {
		t.Fatalf("expected INSUFFICIENT_STOCK, got %v", err)
	}

	// Nothing must have moved.
	after, err := models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if after.CurrentStatus != models.OrderStatusPending {
		t.Fatalf("order status after failure: got %s, want Pending", after.CurrentStatus)
	}
	qty, err := models.GetAvailableQuantity(ctx, env.branchId, product.ID)
	if err != nil {
		t.Fatalf("GetAvailableQuantity: %v", err)
	}
	if qty != 1 {
		t.Fatalf("stock after failed completion: got %d, want 1", qty)
	}
	db := config.GetDB()
	var count int64
	if err := db.WithContext(ctx).Model(&models.CashRegisterTransaction{}).
		Where("business_id = ?", env.businessId).Count(&count).Error; err != nil {
		t.Fatalf("count cash entries: %v", err)
	}
	if count != 0 {
		t.Fatalf("cash entries after failed completion: got %d, want 0", count)
	}
}

func TestCompleteOrderRequiresOpenShift(t *testing.T) {
	ctx, env := setupPOSIntegration(t)

	product := env.createProduct(t, ctx, "Tea", "TEA-001", "2.00")
	env.seedStock(t, ctx, product.ID, 5)

	_, err := models.CreateOrder(ctx, &models.NewOrder{
		BranchId: env.branchId,
		Items:    []models.NewOrderItem{{ProductId: product.ID, Qty: 1}},
	})
	if !utils.IsCode(err, utils.CodeNoOpenShift) {
		t.Fatalf("expected NO_OPEN_SHIFT, got %v", err)
	}
}

func TestCompleteOrderRejectsPartialPayment(t *testing.T) {
	ctx, env := setupPOSIntegration(t)

	product := env.createProduct(t, ctx, "Juice", "JUI-001", "6.00")
	env.seedStock(t, ctx, product.ID, 5)

	if _, err := models.OpenShift(ctx, &models.NewShift{BranchId: env.branchId}); err != nil {
		t.Fatalf("OpenShift: %v", err)
	}
	order, err := models.CreateOrder(ctx, &models.NewOrder{
		BranchId: env.branchId,
		Items:    []models.NewOrderItem{{ProductId: product.ID, Qty: 1}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	_, err = workflow.CompleteOrder(ctx, order.ID, []workflow.OrderPaymentInput{
		{Method: models.PaymentMethodCash, Amount: order.Total.Sub(decimal.NewFromInt(1))},
	})
	if !utils.IsCode(err, utils.CodePaymentInsufficient) {
		t.Fatalf("expected PAYMENT_INSUFFICIENT, got %v", err)
	}
}

func TestCompleteOrderFreesPostingLock(t *testing.T) {
	ctx, env := setupPOSIntegration(t)

	product := env.createProduct(t, ctx, "Bagel", "BGL-001", "3.50")
	env.seedStock(t, ctx, product.ID, 4)

	if _, err := models.OpenShift(ctx, &models.NewShift{BranchId: env.branchId}); err != nil {
		t.Fatalf("OpenShift: %v", err)
	}
	order, err := models.CreateOrder(ctx, &models.NewOrder{
		BranchId: env.branchId,
		Items:    []models.NewOrderItem{{ProductId: product.ID, Qty: 2}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := workflow.CompleteOrder(ctx, order.ID, []workflow.OrderPaymentInput{
		{Method: models.PaymentMethodCash, Amount: order.Total},
	}); err != nil {
		t.Fatalf("CompleteOrder: %v", err)
	}
	assertPostingLockFree(t, env)

	// A rolled-back completion must not keep the branch lock either.
	oversized, err := models.CreateOrder(ctx, &models.NewOrder{
		BranchId: env.branchId,
		Items:    []models.NewOrderItem{{ProductId: product.ID, Qty: 9}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	_, err = workflow.CompleteOrder(ctx, oversized.ID, []workflow.OrderPaymentInput{
		{Method: models.PaymentMethodCash, Amount: oversized.Total},
	})
	if !utils.IsCode(err, utils.CodeInsufficientStock) {
		t.Fatalf("expected INSUFFICIENT_STOCK, got %v", err)
	}
	assertPostingLockFree(t, env)

	if _, _, err := workflow.RefundOrder(ctx, order.ID, "changed mind", nil); err != nil {
		t.Fatalf("RefundOrder: %v", err)
	}
	assertPostingLockFree(t, env)
}

// assertPostingLockFree checks from an arbitrary pool connection that no
// session is still holding the branch posting lock. A posting that ends
// without releasing it would park the lock on a pooled connection and stall
// every later posting for the branch.
func assertPostingLockFree(t *testing.T, env *posTestEnv) {
	t.Helper()
	key := workflow.BranchPostingLockKey(env.businessId, env.branchId)
	var free sql.NullInt64
	if err := config.GetDB().Raw("SELECT IS_FREE_LOCK(?)", key).Scan(&free).Error; err != nil {
		t.Fatalf("IS_FREE_LOCK: %v", err)
	}
	if !free.Valid || free.Int64 != 1 {
		t.Fatalf("posting lock %s still held after posting finished", key)
	}
}

// ---- shared integration harness ----

type posTestEnv struct {
	businessId string
	branchId   int
}

// setupPOSIntegration spins up throwaway MySQL and Redis containers, connects
// the config layer to them, migrates the schema and provisions one tenant with
// its primary branch. Each test gets fresh containers, so tests stay
// independent at the cost of startup time.
func setupPOSIntegration(t *testing.T) (context.Context, *posTestEnv) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "pos_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{
		Name:           "Test POS",
		Email:          "owner@test.local",
		TaxRate:        decimal.NewFromInt(5),
		IsTaxEnabled:   utils.NewFalse(),
		IsTaxInclusive: utils.NewFalse(),
	})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	ctx = utils.SetBusinessIdInContext(ctx, biz.ID.String())
	ctx = utils.SetBranchIdInContext(ctx, biz.PrimaryBranchId)

	return ctx, &posTestEnv{
		businessId: biz.ID.String(),
		branchId:   biz.PrimaryBranchId,
	}
}

func (env *posTestEnv) createProduct(t *testing.T, ctx context.Context, name, sku, price string) *models.Product {
	t.Helper()
	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:      name,
		Sku:       sku,
		UnitPrice: decimal.RequireFromString(price),
	})
	if err != nil {
		t.Fatalf("CreateProduct %s: %v", sku, err)
	}
	return product
}

func (env *posTestEnv) seedStock(t *testing.T, ctx context.Context, productId, qty int) {
	t.Helper()
	env.seedStockAt(t, ctx, env.branchId, productId, qty)
}

func (env *posTestEnv) seedStockAt(t *testing.T, ctx context.Context, branchId, productId, qty int) {
	t.Helper()
	if _, err := models.AdjustStock(ctx, &models.NewStockAdjustment{
		BranchId:  branchId,
		ProductId: productId,
		Delta:     qty,
		Reason:    "opening stock",
	}); err != nil {
		t.Fatalf("seed stock (branch=%d product=%d): %v", branchId, productId, err)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("pos-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("pos-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=pos_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
