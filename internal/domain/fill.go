package domain

import (
	"context"
	"time"
)

// Fill is one execution of a followed trader on an external venue.
// StartPosition is the signed position size before the fill.
type Fill struct {
	Trader        Address
	Coin          string
	Buy           bool
	Price         Amount
	Size          Amount
	StartPosition Amount
	Time          time.Time
	TradeID       int64
	Hash          string
}

// Delta is the signed size change caused by the fill.
func (f Fill) Delta() Amount {
	if f.Buy {
		return f.Size
	}
	return f.Size.Neg()
}

// FillSource streams the fills of one trader until ctx is cancelled.
type FillSource interface {
	Subscribe(ctx context.Context, trader Address, handle func(Fill)) error
}
