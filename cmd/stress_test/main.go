package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/rl1809/order-placement/internal/adapter/storage"
	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/core/service"
	"github.com/rl1809/order-placement/internal/port"
)

const (
	initialStock  = 20
	totalRequests = 50
)

// stockStore is a store that can be seeded and inspected.
type stockStore interface {
	port.Store
	UpsertProduct(ctx context.Context, p domain.ProductSnapshot) error
	GetProduct(ctx context.Context, id string) (*domain.ProductSnapshot, error)
	CountOrderLines(ctx context.Context, productID string) (int, error)
}

func main() {
	ctx := context.Background()

	store, closeStore := openStore(ctx)
	defer closeStore()

	itemID := fmt.Sprintf("stress-item-%d", time.Now().UnixNano())
	err := store.UpsertProduct(ctx, domain.ProductSnapshot{
		ProductID:         itemID,
		Name:              "Stress Item",
		UnitPrice:         decimal.RequireFromString("9.99"),
		AvailableQuantity: initialStock,
	})
	if err != nil {
		log.Fatalf("failed to seed product: %v", err)
	}

	cfg := service.DefaultConfig()
	cfg.RetryPolicy.MaxAttempts = 20
	orderService := service.NewOrderService(store, cfg)

	// Counters
	var successCount atomic.Int32
	var stockCount atomic.Int32
	var failCount atomic.Int32

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := orderService.PlaceOrder(ctx, service.PlaceOrderRequest{
				Address: &domain.Address{City: "Hanoi", Country: "VN", PostalCode: "100000"},
				Lines:   []domain.CartLine{{ProductID: itemID, Quantity: 1}},
			})
			switch service.KindOf(err) {
			case service.KindNone:
				successCount.Add(1)
			case service.KindInsufficientStock:
				stockCount.Add(1)
			default:
				failCount.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	rejected := stockCount.Load()
	fail := failCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Out of Stock:     %d\n", rejected)
	fmt.Printf("Other Failures:   %d\n", fail)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	if success == int32(initialStock) && rejected == int32(totalRequests-initialStock) {
		fmt.Printf("PASS: Exactly %d orders succeeded, %d rejected\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d rejected, got %d/%d (%d other)\n",
			initialStock, totalRequests-initialStock, success, rejected, fail)
	}

	product, err := store.GetProduct(ctx, itemID)
	if err != nil || product == nil {
		log.Fatalf("failed to read final stock: %v", err)
	}
	fmt.Printf("Final Stock:      %d\n", product.AvailableQuantity)

	if product.AvailableQuantity == 0 {
		fmt.Println("PASS: Stock depleted to 0")
	} else {
		fmt.Printf("FAIL: Expected stock 0, got %d\n", product.AvailableQuantity)
	}

	lines, _ := store.CountOrderLines(ctx, itemID)
	if lines == int(success) {
		fmt.Printf("PASS: %d orders stored\n", lines)
	} else {
		fmt.Printf("FAIL: Expected %d stored orders, got %d\n", success, lines)
	}
}

// openStore uses MySQL when MYSQL_DSN is set and the in-memory store otherwise.
func openStore(ctx context.Context) (stockStore, func()) {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		return storage.NewMemoryAdapter(), func() {}
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping mysql: %v", err)
	}
	adapter := storage.NewMySQLAdapter(db)
	if err := adapter.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}
	return adapter, func() { db.Close() }
}
