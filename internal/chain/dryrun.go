package chain

import (
	"context"

	"go.uber.org/zap"

	"github.com/graphprotocol/availability-oracle/internal/cidutil"
)

// DryRunSubmitter logs the flips it would have submitted and performs no
// network interaction. It always succeeds.
type DryRunSubmitter struct {
	Logger *zap.Logger
}

func (d *DryRunSubmitter) DenyMany(_ context.Context, flips []Flip) error {
	for _, f := range flips {
		d.Logger.Info("dry run: would submit deny flip",
			zap.String("deployment", cidutil.Base58(cidutil.BytesToCIDv0(f.ID))),
			zap.Bool("deny", f.Deny))
	}
	return nil
}
