package models

import (
	"log"

	"bitbucket.org/mmdatafocus/pos_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{}, &Branch{},
		&Product{}, &Customer{},
		&BranchInventory{}, &StockMovement{},
		&InventoryTransfer{}, &InventoryTransferItem{},
		&Shift{},
		&CashRegisterTransaction{},
		&Order{}, &OrderItem{}, &OrderPayment{},
		&RefundLog{}, &RefundLogItem{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
