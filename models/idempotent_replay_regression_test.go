package models_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/middlewares"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"bitbucket.org/mmdatafocus/pos_backend/workflow"
	"github.com/gin-gonic/gin"
)

// Idempotent replay regression.
//
// A retried completion with the same Idempotency-Key must post stock, cash and
// shift totals exactly once; the retry gets the first response back verbatim.
// This drives the real completion route end to end, not a stub handler.
//
// Run (requires Docker): INTEGRATION_TESTS=1 go test ./models -run IdempotentReplay -v

// newCompletionRouter wires the idempotency middleware in front of the order
// completion route the way server.go does, with the session resolved from the
// provisioned test tenant instead of Redis.
func newCompletionRouter(env *posTestEnv) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), env.businessId)
		ctx = utils.SetUserIdInContext(ctx, 1)
		ctx = utils.SetUserNameInContext(ctx, "Test")
		ctx = utils.SetBranchIdInContext(ctx, env.branchId)
		if key := c.Request.Header.Get("Idempotency-Key"); key != "" {
			ctx = utils.SetIdempotencyKeyInContext(ctx, key)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	guard := workflow.NewIdempotencyGuard(workflow.NewTTLCache(workflow.IdempotencyTTL))
	r.Use(middlewares.IdempotencyMiddleware(guard))
	r.POST("/api/orders/:id/complete", func(c *gin.Context) {
		var id int
		if _, err := fmt.Sscanf(c.Param("id"), "%d", &id); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		var input struct {
			Payments []workflow.OrderPaymentInput `json:"payments" binding:"required,dive"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		order, err := workflow.CompleteOrder(c.Request.Context(), id, input.Payments)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, order)
	})
	return r
}

func TestIdempotentReplayPostsOnce(t *testing.T) {
	ctx, env := setupPOSIntegration(t)

	product := env.createProduct(t, ctx, "Scone", "SCN-001", "3.25")
	env.seedStock(t, ctx, product.ID, 10)

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

	router := newCompletionRouter(env)
	body, err := json.Marshal(map[string]interface{}{
		"payments": []workflow.OrderPaymentInput{
			{Method: models.PaymentMethodCash, Amount: order.Total},
		},
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost,
			fmt.Sprintf("/api/orders/%d/complete", order.ID), bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "retry-once")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	first := post()
	if first.Code != http.StatusOK {
		t.Fatalf("first completion: status %d, body %s", first.Code, first.Body.String())
	}
	if first.Header().Get("X-Idempotency-Replayed") != "" {
		t.Fatal("first response must not be marked replayed")
	}

	second := post()
	if second.Code != http.StatusOK {
		t.Fatalf("replay: status %d, body %s", second.Code, second.Body.String())
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Fatal("replay must carry X-Idempotency-Replayed")
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replay body diverged:\nfirst:  %s\nsecond: %s", first.Body.String(), second.Body.String())
	}

	// One decrement, one movement, one drawer entry.
	qty, err := models.GetAvailableQuantity(ctx, env.branchId, product.ID)
	if err != nil {
		t.Fatalf("GetAvailableQuantity: %v", err)
	}
	if qty != 8 {
		t.Fatalf("stock after replayed completion: got %d, want 8", qty)
	}

	db := config.GetDB()
	var movementCount int64
	if err := db.WithContext(ctx).Model(&models.StockMovement{}).
		Where("business_id = ? AND reference_type = ? AND reference_id = ?", env.businessId, models.StockReferenceTypeOrder, order.ID).
		Count(&movementCount).Error; err != nil {
		t.Fatalf("count movements: %v", err)
	}
	if movementCount != 1 {
		t.Fatalf("stock movements: got %d, want 1", movementCount)
	}

	var cashCount int64
	if err := db.WithContext(ctx).Model(&models.CashRegisterTransaction{}).
		Where("business_id = ? AND transaction_type = ? AND reference_id = ?", env.businessId, models.CashTransactionTypeSale, fmt.Sprint(order.ID)).
		Count(&cashCount).Error; err != nil {
		t.Fatalf("count cash entries: %v", err)
	}
	if cashCount != 1 {
		t.Fatalf("sale drawer entries: got %d, want 1", cashCount)
	}
}
