package models_test

import (
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
)

// Inventory transfer lifecycle regression.
//
// Stock moves only on the Approved -> Received edge. These tests pin that a
// transfer cannot skip approval, that receiving moves exactly the transfer
// quantities, and that cancellation never needs a stock reversal.
//
// Run (requires Docker): INTEGRATION_TESTS=1 go test ./models -run InventoryTransfer -v

func TestInventoryTransferLifecycle(t *testing.T) {
	ctx, env := setupPOSIntegration(t)

	dest, err := models.CreateBranch(ctx, &models.NewBranch{Name: "Annex", Prefix: "ANX"})
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	product := env.createProduct(t, ctx, "Beans 1kg", "BNS-001", "18.00")
	env.seedStock(t, ctx, product.ID, 30)

	transfer, err := models.CreateInventoryTransfer(ctx, &models.NewInventoryTransfer{
		SourceBranchId:      env.branchId,
		DestinationBranchId: dest.ID,
		Items:               []models.NewInventoryTransferItem{{ProductId: product.ID, Qty: 12}},
	})
	if err != nil {
		t.Fatalf("CreateInventoryTransfer: %v", err)
	}
	if transfer.CurrentStatus != models.TransferStatusPending {
		t.Fatalf("status: got %s, want Pending", transfer.CurrentStatus)
	}
	if transfer.TransferNumber == "" {
		t.Fatal("transfer number must be assigned")
	}

	// Stock does not move before receipt.
	if qty, _ := models.GetAvailableQuantity(ctx, env.branchId, product.ID); qty != 30 {
		t.Fatalf("source stock after create: got %d, want 30", qty)
	}

	// Receiving straight from Pending is an invalid edge.
	if _, err := models.ReceiveInventoryTransfer(ctx, transfer.ID); !utils.IsCode(err, utils.CodeTransferInvalidState) {
		t.Fatalf("expected TRANSFER_INVALID_STATE on receive from Pending, got %v", err)
	}

	approved, err := models.ApproveInventoryTransfer(ctx, transfer.ID)
	if err != nil {
		t.Fatalf("ApproveInventoryTransfer: %v", err)
	}
	if approved.CurrentStatus != models.TransferStatusApproved {
		t.Fatalf("status: got %s, want Approved", approved.CurrentStatus)
	}
	if qty, _ := models.GetAvailableQuantity(ctx, env.branchId, product.ID); qty != 30 {
		t.Fatalf("source stock after approve: got %d, want 30", qty)
	}

	received, err := models.ReceiveInventoryTransfer(ctx, transfer.ID)
	if err != nil {
		t.Fatalf("ReceiveInventoryTransfer: %v", err)
	}
	if received.CurrentStatus != models.TransferStatusReceived {
		t.Fatalf("status: got %s, want Received", received.CurrentStatus)
	}
	if received.ReceivedAt == nil {
		t.Fatal("received_at must be stamped")
	}

	if qty, _ := models.GetAvailableQuantity(ctx, env.branchId, product.ID); qty != 18 {
		t.Fatalf("source stock after receive: got %d, want 18", qty)
	}
	if qty, _ := models.GetAvailableQuantity(ctx, dest.ID, product.ID); qty != 12 {
		t.Fatalf("destination stock after receive: got %d, want 12", qty)
	}

	// Received is terminal.
	if _, err := models.CancelInventoryTransfer(ctx, transfer.ID, "changed our minds"); !utils.IsCode(err, utils.CodeTransferInvalidState) {
		t.Fatalf("expected TRANSFER_INVALID_STATE on cancel after receive, got %v", err)
	}
}

func TestInventoryTransferApproveChecksSourceStock(t *testing.T) {
	ctx, env := setupPOSIntegration(t)

	dest, err := models.CreateBranch(ctx, &models.NewBranch{Name: "Annex", Prefix: "ANX"})
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	product := env.createProduct(t, ctx, "Cups", "CUP-001", "0.50")
	env.seedStock(t, ctx, product.ID, 5)

	transfer, err := models.CreateInventoryTransfer(ctx, &models.NewInventoryTransfer{
		SourceBranchId:      env.branchId,
		DestinationBranchId: dest.ID,
		Items:               []models.NewInventoryTransferItem{{ProductId: product.ID, Qty: 8}},
	})
	if err != nil {
		t.Fatalf("CreateInventoryTransfer: %v", err)
	}

	if _, err := models.ApproveInventoryTransfer(ctx, transfer.ID); !utils.IsCode(err, utils.CodeInsufficientStock) {
		t.Fatalf("expected INSUFFICIENT_STOCK on approve, got %v", err)
	}

	// A cancelled transfer ends the lifecycle without stock movement.
	cancelled, err := models.CancelInventoryTransfer(ctx, transfer.ID, "not enough on hand")
	if err != nil {
		t.Fatalf("CancelInventoryTransfer: %v", err)
	}
	if cancelled.CurrentStatus != models.TransferStatusCancelled {
		t.Fatalf("status: got %s, want Cancelled", cancelled.CurrentStatus)
	}
	if qty, _ := models.GetAvailableQuantity(ctx, env.branchId, product.ID); qty != 5 {
		t.Fatalf("source stock after cancel: got %d, want 5", qty)
	}
}

func TestInventoryTransferRejectsSameBranch(t *testing.T) {
	ctx, env := setupPOSIntegration(t)

	product := env.createProduct(t, ctx, "Lids", "LID-001", "0.10")
	_, err := models.CreateInventoryTransfer(ctx, &models.NewInventoryTransfer{
		SourceBranchId:      env.branchId,
		DestinationBranchId: env.branchId,
		Items:               []models.NewInventoryTransferItem{{ProductId: product.ID, Qty: 1}},
	})
	if !utils.IsCode(err, utils.CodeValidationFailed) {
		t.Fatalf("expected VALIDATION_FAILED for same-branch transfer, got %v", err)
	}
}

func TestAdjustStockNeverGoesNegative(t *testing.T) {
	ctx, env := setupPOSIntegration(t)

	product := env.createProduct(t, ctx, "Syrup", "SYR-001", "7.25")
	env.seedStock(t, ctx, product.ID, 3)

	_, err := models.AdjustStock(ctx, &models.NewStockAdjustment{
		BranchId:  env.branchId,
		ProductId: product.ID,
		Delta:     -4,
		Reason:    "spoilage",
	})
	if !utils.IsCode(err, utils.CodeInsufficientStock) {
		t.Fatalf("expected INSUFFICIENT_STOCK, got %v", err)
	}
	if qty, _ := models.GetAvailableQuantity(ctx, env.branchId, product.ID); qty != 3 {
		t.Fatalf("stock after rejected adjustment: got %d, want 3", qty)
	}

	// The exact remaining quantity can be written off.
	row, err := models.AdjustStock(ctx, &models.NewStockAdjustment{
		BranchId:  env.branchId,
		ProductId: product.ID,
		Delta:     -3,
		Reason:    "spoilage",
	})
	if err != nil {
		t.Fatalf("AdjustStock to zero: %v", err)
	}
	if row.Quantity != 0 {
		t.Fatalf("quantity: got %d, want 0", row.Quantity)
	}
}

func TestGetAvailableQuantityMissingRowIsZero(t *testing.T) {
	ctx, env := setupPOSIntegration(t)

	product := env.createProduct(t, ctx, "Napkins", "NAP-001", "0.05")
	qty, err := models.GetAvailableQuantity(ctx, env.branchId, product.ID)
	if err != nil {
		t.Fatalf("GetAvailableQuantity: %v", err)
	}
	if qty != 0 {
		t.Fatalf("quantity with no inventory row: got %d, want 0", qty)
	}
}

func TestAdjustStockConcurrentDecrementsNeverLoseUpdates(t *testing.T) {
	ctx, env := setupPOSIntegration(t)

	product := env.createProduct(t, ctx, "Bottle", "BTL-001", "1.50")
	env.seedStock(t, ctx, product.ID, 20)

	const workers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := models.AdjustStock(ctx, &models.NewStockAdjustment{
				BranchId:  env.branchId,
				ProductId: product.ID,
				Delta:     -1,
				Reason:    "concurrent sale",
			})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("AdjustStock: %v", err)
		}
	}

	if qty, err := models.GetAvailableQuantity(ctx, env.branchId, product.ID); err != nil || qty != 20-workers {
		t.Fatalf("quantity after %d concurrent decrements: got %d (err %v), want %d", workers, qty, err, 20-workers)
	}

	// Every decrement must have left a movement row with a consistent
	// before/after pair.
	var movements []models.StockMovement
	if err := config.GetDB().
		Where("business_id = ? AND branch_id = ? AND product_id = ? AND reason = ?", env.businessId, env.branchId, product.ID, "concurrent sale").
		Find(&movements).Error; err != nil {
		t.Fatalf("load movements: %v", err)
	}
	if len(movements) != workers {
		t.Fatalf("movements: got %d, want %d", len(movements), workers)
	}
	for _, m := range movements {
		if m.QtyAfter != m.QtyBefore-1 {
			t.Fatalf("movement %d: before %d after %d", m.ID, m.QtyBefore, m.QtyAfter)
		}
	}
}
