package paytestutil

import (
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/google/uuid"

	"gitlab.com/arcanecrypto/paykit/internal/amount"
	"gitlab.com/arcanecrypto/paykit/internal/paymentorder"
	"gitlab.com/arcanecrypto/paykit/internal/platform/store"
)

// seedBatchSize is the batch size Init uses to materialise an open-ended
// recurring order's payments; fake orders are always one-shot, so this
// never comes into play, but Init requires some value.
const seedBatchSize = 10

// SeedFakeOrders populates backend with count freshly-created, fully
// initialised PaymentOrders carrying fake but well-formed data, for
// manual/dummy runs against a backend that isn't already populated. It
// mirrors the shape of a real client request -- a counterparty URL, a
// memo, an amount -- without needing one.
func SeedFakeOrders(backend store.Backend, count int) ([]*paymentorder.Order, error) {
	gofakeit.Seed(time.Now().UnixNano())

	orders := make([]*paymentorder.Order, 0, count)
	for i := 0; i < count; i++ {
		order, err := newFakeOrder()
		if err != nil {
			return orders, err
		}

		if err := order.Init(backend, seedBatchSize); err != nil {
			return orders, err
		}

		orders = append(orders, order)
	}

	return orders, nil
}

func newFakeOrder() (*paymentorder.Order, error) {
	amt, err := amount.New(fakeAmount(), amount.DefaultCurrency, amount.Base)
	if err != nil {
		return nil, err
	}

	firstPaymentAt := time.Now().Add(time.Duration(gofakeit.Number(0, 3600)) * time.Second)
	return paymentorder.New(
		uuid.New().String(),
		gofakeit.URL(),
		gofakeit.Sentence(6),
		nil,
		amt,
		0,
		0,
		firstPaymentAt,
		nil,
	)
}

func fakeAmount() string {
	sats := gofakeit.Price(1000, 10_000_000)
	return strconv.FormatInt(int64(sats), 10)
}
