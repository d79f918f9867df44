package discount

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/commerce-core/internal/money"
)

var (
	// ErrInvalidCode is returned when an explicit code does not resolve to exactly one discount.
	ErrInvalidCode = errors.New("discount: invalid code")
	// ErrNotApplicable is returned when the discount does not match the cart contents or order amount.
	ErrNotApplicable = errors.New("discount: not applicable")
	// ErrLimitExceeded indicates the global or per-customer usage quota is exhausted.
	ErrLimitExceeded = errors.New("discount: usage limit exceeded")
	// ErrBudgetExceeded indicates the spend budget is exhausted.
	ErrBudgetExceeded = errors.New("discount: budget exceeded")
	// ErrExpired is returned when the discount window has closed.
	ErrExpired = errors.New("discount: expired")
	// ErrNotStarted is returned when the discount window has not opened yet.
	ErrNotStarted = errors.New("discount: not started")
	// ErrInactive is returned when the discount has been deactivated by the merchant.
	ErrInactive = errors.New("discount: inactive")
)

// Kind enumerates the supported promotion types.
type Kind string

const (
	KindPercent      Kind = "percent"
	KindFixed        Kind = "fixed"
	KindFreeShipping Kind = "free_shipping"
	KindBuyXGetY     Kind = "buy_x_get_y"
)

// Discount captures the runtime constraints and value of a promotion.
type Discount struct {
	ID               uuid.UUID
	Code             string
	Kind             Kind
	Value            money.Money
	PercentBps       int32
	ProductIDs       []uuid.UUID
	CategoryIDs      []uuid.UUID
	MinOrder         money.Money
	MaxOrder         *money.Money
	MaxDiscount      *money.Money
	UsageLimit       *int32
	UsageCount       int32
	PerCustomerLimit *int32
	BudgetLimit      *money.Money
	BudgetUsed       money.Money
	Active           bool
	Automatic        bool
	Priority         int32
	Combinable       bool
	StartsAt         *time.Time
	EndsAt           *time.Time
	BuyQty           int32
	GetQty           int32
	GetDiscountBps   int32
	CreatedAt        time.Time
}

// Line represents a cart line eligible for discount calculation.
type Line struct {
	Ref        string
	ProductID  *uuid.UUID
	CategoryID *uuid.UUID
	Qty        int64
	UnitPrice  money.Money
}

// Subtotal returns the pre-discount line total.
func (l Line) Subtotal() money.Money {
	if l.Qty <= 0 {
		return 0
	}
	return money.Money(l.Qty) * l.UnitPrice
}

// CustomerContext carries the caller's per-customer redemption counts.
type CustomerContext struct {
	CustomerID     *uuid.UUID
	UsedByCustomer map[uuid.UUID]int32
}

// Applied records one discount selected for the order together with the
// increments the caller must persist at order-commit time.
type Applied struct {
	DiscountID   uuid.UUID
	Code         string
	Kind         Kind
	Amount       money.Money
	FreeShipping bool
}

// Application is the outcome of a selection pass. LineDiscounts is aligned
// with the input line slice.
type Application struct {
	LineDiscounts []money.Money
	Total         money.Money
	FreeShipping  bool
	Applied       []Applied
}

// Validate checks whether the discount can be used at the provided instant
// for the given order subtotal and customer.
func (d Discount) Validate(now time.Time, subtotal money.Money, customer CustomerContext) error {
	if !d.Active {
		return ErrInactive
	}
	if d.StartsAt != nil && now.Before(*d.StartsAt) {
		return ErrNotStarted
	}
	if d.EndsAt != nil && now.After(*d.EndsAt) {
		return ErrExpired
	}
	if d.UsageLimit != nil && *d.UsageLimit >= 0 && d.UsageCount >= *d.UsageLimit {
		return ErrLimitExceeded
	}
	if d.PerCustomerLimit != nil && *d.PerCustomerLimit > 0 && customer.UsedByCustomer != nil {
		if customer.UsedByCustomer[d.ID] >= *d.PerCustomerLimit {
			return ErrLimitExceeded
		}
	}
	if d.BudgetLimit != nil && d.BudgetUsed >= *d.BudgetLimit {
		return ErrBudgetExceeded
	}
	if subtotal < d.MinOrder {
		return ErrNotApplicable
	}
	if d.MaxOrder != nil && subtotal > *d.MaxOrder {
		return ErrNotApplicable
	}
	return nil
}

// matches reports whether the line falls within the discount scope. An empty
// scope applies to the whole cart.
func (d Discount) matches(l Line) bool {
	if len(d.ProductIDs) == 0 && len(d.CategoryIDs) == 0 {
		return true
	}
	if l.ProductID != nil {
		for _, id := range d.ProductIDs {
			if id == *l.ProductID {
				return true
			}
		}
	}
	if l.CategoryID != nil {
		for _, id := range d.CategoryIDs {
			if id == *l.CategoryID {
				return true
			}
		}
	}
	return false
}

// scopeIntersects reports whether any line matches the discount scope.
func (d Discount) scopeIntersects(lines []Line) bool {
	for _, l := range lines {
		if l.Qty > 0 && d.matches(l) {
			return true
		}
	}
	return false
}

// Select filters, ranks, and applies the candidate discounts to the line
// set. An explicit code must resolve to exactly one candidate and is
// included even when the discount is not automatic. Automatic candidates
// that fail validation are skipped silently; an invalid explicit code fails
// the whole call so the checkout UI can show the precise reason.
//
// A non-combinable discount is exclusive with all others: it is applied
// only when nothing has been applied yet, and once applied the walk stops.
func Select(now time.Time, lines []Line, customer CustomerContext, candidates []Discount, explicitCode string) (Application, error) {
	app := Application{LineDiscounts: make([]money.Money, len(lines))}
	var subtotal money.Money
	for _, l := range lines {
		subtotal += l.Subtotal()
	}

	explicitCode = strings.TrimSpace(explicitCode)
	var selected []Discount
	if explicitCode != "" {
		matched := -1
		for i, d := range candidates {
			if strings.EqualFold(d.Code, explicitCode) {
				if matched >= 0 {
					return Application{}, ErrInvalidCode
				}
				matched = i
			}
		}
		if matched < 0 {
			return Application{}, ErrInvalidCode
		}
		d := candidates[matched]
		if err := d.Validate(now, subtotal, customer); err != nil {
			return Application{}, err
		}
		if d.Kind != KindFreeShipping && !d.scopeIntersects(lines) {
			return Application{}, ErrNotApplicable
		}
		selected = append(selected, d)
	}
	for _, d := range candidates {
		if !d.Automatic {
			continue
		}
		if explicitCode != "" && strings.EqualFold(d.Code, explicitCode) {
			continue
		}
		if err := d.Validate(now, subtotal, customer); err != nil {
			continue
		}
		if d.Kind != KindFreeShipping && !d.scopeIntersects(lines) {
			continue
		}
		selected = append(selected, d)
	}

	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].Priority != selected[j].Priority {
			return selected[i].Priority > selected[j].Priority
		}
		if !selected[i].CreatedAt.Equal(selected[j].CreatedAt) {
			return selected[i].CreatedAt.Before(selected[j].CreatedAt)
		}
		return selected[i].Code < selected[j].Code
	})

	remaining := make([]money.Money, len(lines))
	for i, l := range lines {
		remaining[i] = l.Subtotal()
	}

	for _, d := range selected {
		if !d.Combinable && len(app.Applied) > 0 {
			continue
		}
		amount, perLine, free := apply(d, lines, remaining)
		if amount <= 0 && !free {
			continue
		}
		for i := range perLine {
			app.LineDiscounts[i] += perLine[i]
			remaining[i] -= perLine[i]
		}
		app.Total += amount
		if free {
			app.FreeShipping = true
		}
		app.Applied = append(app.Applied, Applied{
			DiscountID:   d.ID,
			Code:         d.Code,
			Kind:         d.Kind,
			Amount:       amount,
			FreeShipping: free,
		})
		if !d.Combinable {
			break
		}
	}
	return app, nil
}

// apply computes the deduction for one discount against the remaining
// (not-yet-discounted) line amounts. It never returns allocations that
// exceed a line's remaining amount.
func apply(d Discount, lines []Line, remaining []money.Money) (money.Money, []money.Money, bool) {
	perLine := make([]money.Money, len(lines))
	if d.Kind == KindFreeShipping {
		return 0, perLine, true
	}

	matched := make([]int, 0, len(lines))
	var eligible money.Money
	for i, l := range lines {
		if l.Qty > 0 && remaining[i] > 0 && d.matches(l) {
			matched = append(matched, i)
			eligible += remaining[i]
		}
	}
	if eligible <= 0 || len(matched) == 0 {
		return 0, perLine, false
	}

	var amount money.Money
	switch d.Kind {
	case KindPercent:
		if d.PercentBps <= 0 {
			return 0, perLine, false
		}
		amount = eligible * money.Money(d.PercentBps) / 10000
	case KindFixed:
		amount = d.Value
	case KindBuyXGetY:
		return applyBuyXGetY(d, lines, remaining, matched, perLine)
	default:
		return 0, perLine, false
	}

	if amount > eligible {
		amount = eligible
	}
	amount = capAmount(d, amount)
	if amount <= 0 {
		return 0, perLine, false
	}
	allocate(amount, eligible, matched, remaining, perLine)
	return amount, perLine, false
}

// capAmount applies the per-order discount ceiling and the remaining budget.
func capAmount(d Discount, amount money.Money) money.Money {
	if d.MaxDiscount != nil && amount > *d.MaxDiscount {
		amount = *d.MaxDiscount
	}
	if d.BudgetLimit != nil {
		left := *d.BudgetLimit - d.BudgetUsed
		if left < 0 {
			left = 0
		}
		if amount > left {
			amount = left
		}
	}
	return amount
}

// allocate distributes amount across the matched lines proportionally to
// their remaining totals. The rounding remainder lands on the last matched
// line; allocations are capped so no line goes negative.
func allocate(amount, eligible money.Money, matched []int, remaining, perLine []money.Money) {
	var distributed money.Money
	for n, i := range matched {
		var share money.Money
		if n == len(matched)-1 {
			share = amount - distributed
		} else {
			share = amount * remaining[i] / eligible
		}
		if share > remaining[i] {
			share = remaining[i]
		}
		perLine[i] = share
		distributed += share
	}
	// A capped last line can leave part of the amount unplaced; spill it
	// over earlier lines that still have headroom.
	if leftover := amount - distributed; leftover > 0 {
		for _, i := range matched {
			room := remaining[i] - perLine[i]
			if room <= 0 {
				continue
			}
			if room > leftover {
				room = leftover
			}
			perLine[i] += room
			leftover -= room
			if leftover == 0 {
				break
			}
		}
	}
}

// applyBuyXGetY grants get_quantity discounted units for every complete
// buy+get group of eligible units. The cheapest eligible units are
// discounted first: the customer receives the discount on the lowest-priced
// units while the store keeps full revenue on the most expensive ones. This
// is a deliberate merchant-favorable policy.
func applyBuyXGetY(d Discount, lines []Line, remaining []money.Money, matched []int, perLine []money.Money) (money.Money, []money.Money, bool) {
	if d.BuyQty <= 0 || d.GetQty <= 0 || d.GetDiscountBps <= 0 {
		return 0, perLine, false
	}
	group := int64(d.BuyQty + d.GetQty)
	var totalQty int64
	type unit struct {
		line  int
		price money.Money
	}
	units := make([]unit, 0)
	for _, i := range matched {
		totalQty += lines[i].Qty
		for q := int64(0); q < lines[i].Qty; q++ {
			units = append(units, unit{line: i, price: lines[i].UnitPrice})
		}
	}
	freeUnits := totalQty / group * int64(d.GetQty)
	if freeUnits <= 0 {
		return 0, perLine, false
	}
	sort.SliceStable(units, func(a, b int) bool { return units[a].price < units[b].price })

	var amount money.Money
	for _, u := range units[:freeUnits] {
		cut := u.price * money.Money(d.GetDiscountBps) / 10000
		if room := remaining[u.line] - perLine[u.line]; cut > room {
			cut = room
		}
		if cut <= 0 {
			continue
		}
		perLine[u.line] += cut
		amount += cut
	}
	if capped := capAmount(d, amount); capped < amount {
		// Trim the overshoot from the most expensive discounted units first.
		over := amount - capped
		for i := len(matched) - 1; i >= 0 && over > 0; i-- {
			idx := matched[i]
			cut := perLine[idx]
			if cut > over {
				cut = over
			}
			perLine[idx] -= cut
			over -= cut
		}
		amount = capped
	}
	if amount <= 0 {
		return 0, perLine, false
	}
	return amount, perLine, false
}
