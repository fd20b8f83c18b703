// seed-dev provisions a local development tenant: one business with two
// branches, a handful of products with opening stock, a walk-in customer, and
// a Redis session token ("dev-token") so the API can be exercised immediately.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... REDIS_ADDRESS=... go run ./cmd/seed-dev
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/middlewares"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	devToken    = "dev-token"
	devUserId   = 1
	devUserName = "Dev Cashier"
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	var biz models.Business
	err := db.WithContext(utils.SetSkipTenantScopeInContext(ctx, true)).
		Model(&models.Business{}).Where("name = ?", "Dev Store").First(&biz).Error
	switch err {
	case nil:
		fmt.Printf("Business %q already exists (id=%s), reusing\n", biz.Name, biz.ID)
	case gorm.ErrRecordNotFound:
		created, createErr := models.CreateBusiness(ctx, &models.NewBusiness{
			Name:           "Dev Store",
			Email:          "dev@example.com",
			TaxRate:        decimal.NewFromInt(5),
			IsTaxInclusive: utils.NewFalse(),
		})
		if createErr != nil {
			fmt.Fprintf(os.Stderr, "failed to create business: %v\n", createErr)
			os.Exit(1)
		}
		biz = *created
		fmt.Printf("Created business %q (id=%s)\n", biz.Name, biz.ID)
	default:
		fmt.Fprintf(os.Stderr, "failed to lookup business: %v\n", err)
		os.Exit(1)
	}

	ctx = utils.SetBusinessIdInContext(ctx, biz.ID.String())
	ctx = utils.SetUserIdInContext(ctx, devUserId)
	ctx = utils.SetUserNameInContext(ctx, devUserName)
	ctx = utils.SetIsAdminInContext(ctx, true)

	branches, err := models.GetBranches(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list branches: %v\n", err)
		os.Exit(1)
	}
	if len(branches) < 2 {
		branch, createErr := models.CreateBranch(ctx, &models.NewBranch{Name: "Warehouse Outlet", Prefix: "WH"})
		if createErr != nil {
			fmt.Fprintf(os.Stderr, "failed to create second branch: %v\n", createErr)
			os.Exit(1)
		}
		branches = append(branches, branch)
		fmt.Printf("Created branch %q (id=%d)\n", branch.Name, branch.ID)
	}
	mainBranch := branches[0]
	ctx = utils.SetBranchIdInContext(ctx, mainBranch.ID)

	seedProducts := []models.NewProduct{
		{Name: "Espresso", Sku: "DRK-001", UnitPrice: decimal.NewFromInt(3)},
		{Name: "Latte", Sku: "DRK-002", UnitPrice: decimal.RequireFromString("4.50")},
		{Name: "Croissant", Sku: "FOOD-001", UnitPrice: decimal.RequireFromString("2.75")},
		{Name: "Gift Card", Sku: "MISC-001", UnitPrice: decimal.NewFromInt(25), TracksInventory: utils.NewFalse()},
	}
	for i := range seedProducts {
		input := seedProducts[i]
		var existing models.Product
		lookupErr := db.WithContext(ctx).Model(&models.Product{}).
			Where("business_id = ? AND sku = ?", biz.ID.String(), input.Sku).First(&existing).Error
		if lookupErr == nil {
			continue
		}
		if lookupErr != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup product %s: %v\n", input.Sku, lookupErr)
			os.Exit(1)
		}
		product, createErr := models.CreateProduct(ctx, &input)
		if createErr != nil {
			fmt.Fprintf(os.Stderr, "failed to create product %s: %v\n", input.Sku, createErr)
			os.Exit(1)
		}
		fmt.Printf("Created product %q (id=%d)\n", product.Name, product.ID)
		if product.TracksInventory != nil && *product.TracksInventory {
			if _, stockErr := models.AdjustStock(ctx, &models.NewStockAdjustment{
				BranchId:  mainBranch.ID,
				ProductId: product.ID,
				Delta:     100,
				Reason:    "opening stock",
			}); stockErr != nil {
				fmt.Fprintf(os.Stderr, "failed to seed stock for %s: %v\n", input.Sku, stockErr)
				os.Exit(1)
			}
		}
	}

	var customerCount int64
	if err := db.WithContext(ctx).Model(&models.Customer{}).
		Where("business_id = ?", biz.ID.String()).Count(&customerCount).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to count customers: %v\n", err)
		os.Exit(1)
	}
	if customerCount == 0 {
		if _, err := models.CreateCustomer(ctx, &models.NewCustomer{Name: "Walk-in"}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create customer: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Created customer \"Walk-in\"")
	}

	session := middlewares.Session{
		BusinessId: biz.ID.String(),
		UserId:     devUserId,
		UserName:   devUserName,
		BranchId:   mainBranch.ID,
		IsAdmin:    true,
	}
	if err := config.SetRedisObject("Token:"+devToken, session, 30*24*time.Hour); err != nil {
		fmt.Fprintf(os.Stderr, "failed to store dev session: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Dev session ready: send header token=%s (business=%s branch=%d)\n", devToken, biz.ID, mainBranch.ID)
}
