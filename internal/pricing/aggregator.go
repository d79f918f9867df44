package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/commerce-core/internal/discount"
	"github.com/noah-isme/commerce-core/internal/events"
	"github.com/noah-isme/commerce-core/internal/ledger"
	"github.com/noah-isme/commerce-core/internal/money"
	"github.com/noah-isme/commerce-core/internal/obs"
	"github.com/noah-isme/commerce-core/internal/tax"
	"github.com/noah-isme/commerce-core/internal/tenant"
)

// Policy controls how the aggregator reacts to insufficient stock.
type Policy int

const (
	// FailOnShort rejects the whole quote when any line cannot be reserved.
	// Cart adds and checkouts use this.
	FailOnShort Policy = iota
	// CapToAvailable trims the offending line to the available quantity.
	CapToAvailable
)

// Line is one cart or order line entering the pricing pipeline.
type Line struct {
	Ref        string
	VariantID  uuid.UUID
	ProductID  *uuid.UUID
	CategoryID *uuid.UUID
	LocationID *uuid.UUID
	Qty        int64
	UnitPrice  money.Money
	TaxRate    *decimal.Decimal
	Reserved   bool
}

// PricedLine is the per-line outcome. Sum of Total across lines equals
// Totals.Grand minus shipping, exactly.
type PricedLine struct {
	Ref           string
	Qty           int64
	UnitPrice     money.Money
	Subtotal      money.Money
	Discount      money.Money
	Tax           money.Money
	TaxRate       decimal.Decimal
	Total         money.Money
	ReservationID *uuid.UUID
}

// Totals aggregates the order-level amounts.
type Totals struct {
	Subtotal money.Money
	Discount money.Money
	Tax      money.Money
	Shipping money.Money
	Grand    money.Money
}

// Quote is the result of one pricing pass.
type Quote struct {
	Totals         Totals
	Lines          []PricedLine
	Applied        []discount.Applied
	FreeShipping   bool
	ReservationIDs []uuid.UUID
}

// Input describes one pricing request.
type Input struct {
	Lines        []Line
	Candidates   []discount.Discount
	Customer     discount.CustomerContext
	ExplicitCode string
	Shipping     money.Money
	Policy       Policy
	ReserveKind  ledger.Kind
}

// Aggregator orchestrates the ledger, the discount engine, and the tax
// calculator into cart and order totals.
type Aggregator struct {
	Ledger *ledger.Ledger
	Tax    tax.Calculator
	Events events.Publisher
	Tracer trace.Tracer
	Now    func() time.Time
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Quote reserves stock for unreserved lines, applies discounts, derives
// per-line tax, and reconciles rounding so per-line sums match the order
// totals exactly. Every reservation created during a failed call is
// released before returning.
func (a *Aggregator) Quote(ctx context.Context, in Input) (Quote, error) {
	if a == nil {
		return Quote{}, errors.New("pricing aggregator not configured")
	}
	start := time.Now()
	defer func() {
		if obs.QuoteDuration != nil {
			obs.QuoteDuration.Observe(obs.DurationMillis(time.Since(start)))
		}
	}()
	if a.Tracer != nil {
		var span trace.Span
		ctx, span = a.Tracer.Start(ctx, "pricing.Quote",
			trace.WithAttributes(attribute.Int("pricing.lines", len(in.Lines))))
		defer span.End()
	}

	lines := make([]Line, len(in.Lines))
	copy(lines, in.Lines)

	var reserver *ledger.Reserver
	reservationIDs := make([]*uuid.UUID, len(lines))
	if a.Ledger != nil {
		reserver = ledger.NewReserver(a.Ledger)
		defer reserver.ReleaseOnFailure(ctx)
		if err := a.reserveLines(ctx, lines, reservationIDs, reserver, in); err != nil {
			return Quote{}, err
		}
	}

	engineLines := make([]discount.Line, len(lines))
	for i, l := range lines {
		engineLines[i] = discount.Line{
			Ref:        l.Ref,
			ProductID:  l.ProductID,
			CategoryID: l.CategoryID,
			Qty:        l.Qty,
			UnitPrice:  l.UnitPrice,
		}
	}
	app, err := discount.Select(a.now(), engineLines, in.Customer, in.Candidates, in.ExplicitCode)
	if err != nil {
		return Quote{}, err
	}

	quote, err := a.price(lines, app, in.Shipping, reservationIDs)
	if err != nil {
		return Quote{}, err
	}
	if reserver != nil {
		quote.ReservationIDs = reserver.IDs()
		reserver.Keep()
	}

	storeID, _ := tenant.From(ctx)
	for _, applied := range app.Applied {
		a.emit(ctx, events.DiscountApplied{
			StoreID:    storeID,
			DiscountID: applied.DiscountID,
			Code:       applied.Code,
			Kind:       string(applied.Kind),
			Amount:     applied.Amount,
		})
	}
	return quote, nil
}

func (a *Aggregator) reserveLines(ctx context.Context, lines []Line, ids []*uuid.UUID, reserver *ledger.Reserver, in Input) error {
	kind := in.ReserveKind
	if kind == "" {
		kind = ledger.KindCart
	}
	for i := range lines {
		if lines[i].Reserved || lines[i].Qty <= 0 {
			continue
		}
		res, err := reserver.Reserve(ctx, ledger.ReserveRequest{
			VariantID:  lines[i].VariantID,
			LocationID: lines[i].LocationID,
			LineRef:    lines[i].Ref,
			Kind:       kind,
			Qty:        lines[i].Qty,
		})
		if err == nil {
			id := res.ID
			ids[i] = &id
			continue
		}
		var short *ledger.InsufficientStockError
		if in.Policy == CapToAvailable && errors.As(err, &short) {
			lines[i].Qty = short.Available
			if lines[i].Qty <= 0 {
				lines[i].Qty = 0
				continue
			}
			res, err = reserver.Reserve(ctx, ledger.ReserveRequest{
				VariantID:  lines[i].VariantID,
				LocationID: lines[i].LocationID,
				LineRef:    lines[i].Ref,
				Kind:       kind,
				Qty:        lines[i].Qty,
			})
			if err == nil {
				id := res.ID
				ids[i] = &id
				continue
			}
		}
		return err
	}
	return nil
}

// price folds the discount application and per-line tax into totals. Tax is
// rounded per line for display and once for the order total; the remainder
// between the two is absorbed into the last non-empty line.
func (a *Aggregator) price(lines []Line, app discount.Application, shipping money.Money, ids []*uuid.UUID) (Quote, error) {
	quote := Quote{
		Applied:      app.Applied,
		FreeShipping: app.FreeShipping,
		Lines:        make([]PricedLine, len(lines)),
	}

	var subtotal money.Money
	exactTax := decimal.Zero
	lastIdx := -1
	for i, l := range lines {
		lineSubtotal := money.Money(0)
		if l.Qty > 0 {
			lineSubtotal = money.Money(l.Qty) * l.UnitPrice
		}
		lineDiscount := app.LineDiscounts[i]
		if lineDiscount > lineSubtotal {
			lineDiscount = lineSubtotal
		}
		effective := lineSubtotal - lineDiscount
		rate := a.Tax.Rate(l.TaxRate)
		lineTax, err := a.Tax.LineTax(effective, rate)
		if err != nil {
			return Quote{}, err
		}
		exact, err := a.Tax.ExactLineTax(effective, rate)
		if err != nil {
			return Quote{}, err
		}
		exactTax = exactTax.Add(exact)

		total := effective
		if !a.Tax.PricesIncludeTax {
			total += lineTax
		}
		quote.Lines[i] = PricedLine{
			Ref:           l.Ref,
			Qty:           l.Qty,
			UnitPrice:     l.UnitPrice,
			Subtotal:      lineSubtotal,
			Discount:      lineDiscount,
			Tax:           lineTax,
			TaxRate:       rate,
			Total:         total,
			ReservationID: ids[i],
		}
		subtotal += lineSubtotal
		if l.Qty > 0 {
			lastIdx = i
		}
	}

	taxTotal := exactTax.Round(0).IntPart()
	if lastIdx >= 0 {
		var roundedSum money.Money
		for _, pl := range quote.Lines {
			roundedSum += pl.Tax
		}
		if remainder := taxTotal - roundedSum; remainder != 0 {
			quote.Lines[lastIdx].Tax += remainder
			if !a.Tax.PricesIncludeTax {
				quote.Lines[lastIdx].Total += remainder
			}
		}
	}

	if app.FreeShipping {
		shipping = 0
	}
	grand := subtotal - app.Total + shipping
	if !a.Tax.PricesIncludeTax {
		grand += taxTotal
	}
	if grand < 0 {
		grand = 0
	}

	// Sum of line totals must equal the grand total minus shipping exactly.
	if lastIdx >= 0 {
		var lineSum money.Money
		for _, pl := range quote.Lines {
			lineSum += pl.Total
		}
		if diff := (grand - shipping) - lineSum; diff != 0 {
			quote.Lines[lastIdx].Total += diff
		}
	}

	quote.Totals = Totals{
		Subtotal: subtotal,
		Discount: app.Total,
		Tax:      taxTotal,
		Shipping: shipping,
		Grand:    grand,
	}
	return quote, nil
}

func (a *Aggregator) emit(ctx context.Context, e events.Event) {
	if a == nil || a.Events == nil {
		return
	}
	_ = a.Events.Emit(ctx, e)
}
