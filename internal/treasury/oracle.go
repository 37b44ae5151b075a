package treasury

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"credex/internal/model"
)

// BalanceReader is the single settlement-network call the oracle depends on.
type BalanceReader interface {
	BalanceOf(ctx context.Context, addr string) (decimal.Decimal, error)
}

// Oracle reads the treasury pool's token balance on demand. Readings are
// never cached; every quote pays for a fresh one to bound staleness.
type Oracle struct {
	reader  BalanceReader
	address string
	timeout time.Duration
}

func NewOracle(reader BalanceReader, address string, timeout time.Duration) *Oracle {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Oracle{reader: reader, address: address, timeout: timeout}
}

// Read returns the treasury balance as observed right now. A zero balance is
// a valid reading; only transport failures are errors.
func (o *Oracle) Read(ctx context.Context) (model.TreasuryReading, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	balance, err := o.reader.BalanceOf(ctx, o.address)
	if err != nil {
		return model.TreasuryReading{}, fmt.Errorf("treasury read failed: %w", err)
	}
	return model.TreasuryReading{
		BalanceTokens: balance,
		ObservedAt:    time.Now().UTC(),
	}, nil
}
