package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/metrics"
)

// Пространство имён для идентификаторов заказов, выводимых из checkout key.
var orderIDNamespace = uuid.MustParse("6f1c2a94-3b7e-4d0a-9c55-0e8b7d41a2f3")

// CheckoutLine — строка корзины. Цена приходит от каталога, здесь не пересчитывается.
type CheckoutLine struct {
	VariantID  string
	Qty        int32
	PriceMinor int64
}

// InstrumentRef — выбранный клиентом дисконтный инструмент.
type InstrumentRef struct {
	Type domain.TransactionType
	Code string
}

// CheckoutRequest содержит данные попытки оформления.
type CheckoutRequest struct {
	// Ключ идемпотентности, уникальный для логической попытки оформления.
	CheckoutKey string
	CustomerID  string
	Currency    string
	Lines       []CheckoutLine
	Instruments []InstrumentRef

	TaxMinor      int64
	ShippingMinor int64

	ShippingAddressID string
	BillingAddressID  string
}

// Validate проверяет запрос до обращения к хранилищам.
func (r *CheckoutRequest) Validate() []error {
	var errs []error

	if strings.TrimSpace(r.CheckoutKey) == "" {
		errs = append(errs, domain.ErrCheckoutKeyRequired)
	}
	if r.Currency == "" {
		errs = append(errs, domain.ErrCurrencyRequired)
	}
	if len(r.Lines) == 0 {
		errs = append(errs, ErrLinesRequired)
	}
	for _, line := range r.Lines {
		if line.VariantID == "" {
			errs = append(errs, domain.ErrVariantRequired)
		}
		if line.Qty <= 0 {
			errs = append(errs, domain.ErrItemQtyInvalid)
		}
		if line.PriceMinor < 0 {
			errs = append(errs, domain.ErrItemPriceInvalid)
		}
	}
	if r.TaxMinor < 0 || r.ShippingMinor < 0 {
		errs = append(errs, domain.ErrAmountNegative)
	}

	seen := make(map[string]struct{}, len(r.Instruments))
	for _, ref := range r.Instruments {
		if !ref.Type.Valid() {
			errs = append(errs, domain.ErrTransactionTypeInvalid)
			continue
		}
		if strings.TrimSpace(ref.Code) == "" {
			errs = append(errs, ErrInstrumentCodeRequired)
			continue
		}
		key := LedgerKey("", ref.Type, ref.Code)
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateInstrument, ref.Code))
			continue
		}
		seen[key] = struct{}{}
	}

	return errs
}

// CheckoutResult содержит итог оформления. Replay=true: заказ с этим ключом уже был создан,
// повторно ничего не резервировалось.
type CheckoutResult struct {
	Order  domain.Order
	Replay bool
}

// OrderIDForCheckout выводит идентификатор заказа из checkout key, чтобы повторы одной
// попытки ссылались на один и тот же заказ в резервах и журнале.
func OrderIDForCheckout(checkoutKey string) string {
	return uuid.NewSHA1(orderIDNamespace, []byte(checkoutKey)).String()
}

// LedgerKey — ключ идемпотентности записи журнала: <checkoutKey>:<type>:<CODE>.
func LedgerKey(checkoutKey string, t domain.TransactionType, code string) string {
	return checkoutKey + ":" + string(t) + ":" + strings.ToUpper(strings.TrimSpace(code))
}

// То, что успела сделать текущая попытка; нужно для компенсации.
type checkoutAttempt struct {
	orderID string
	holds   []domain.StockReservation
	// Нетерминальные записи журнала под checkout key этой попытки.
	entries []domain.TransactionLogEntry
}

// Checkout резервирует товар, удерживает бюджет инструментов и создаёт заказ в pending.
// Попытка выполняется целиком или не оставляет за собой удержаний.
func (c *Coordinator) Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	defer c.operationStarted()()
	logger := c.logger.WithField("checkout_key", req.CheckoutKey)

	if errs := req.Validate(); len(errs) > 0 {
		c.recordCheckout(string(CodeInvalidRequest))
		return CheckoutResult{}, &CheckoutError{Code: CodeInvalidRequest, Err: multierr.Combine(errs...)}
	}

	existing, err := retryValue(ctx, c, "get_order_by_checkout_key", func(ctx context.Context) (domain.Order, error) {
		return c.orders.GetByCheckoutKey(ctx, req.CheckoutKey)
	})
	switch {
	case err == nil:
		logger.WithField("order_id", existing.ID).Info("checkout replayed")
		c.recordCheckout(metrics.OutcomeReplay)
		return CheckoutResult{Order: existing, Replay: true}, nil
	case !errors.Is(err, domain.ErrOrderNotFound):
		logger.WithError(err).Error("checkout lookup failed")
		c.recordCheckout(string(CodeInternal))
		return CheckoutResult{}, &CheckoutError{Code: CodeInternal, Err: err}
	}

	attempt := &checkoutAttempt{orderID: OrderIDForCheckout(req.CheckoutKey)}
	logger = logger.WithField("order_id", attempt.orderID)

	order, err := c.runCheckout(ctx, req, attempt)
	if err == nil {
		logger.WithFields(log.Fields{
			"total_minor":    order.TotalMinor,
			"discount_minor": order.DiscountMinor,
			"holds":          len(attempt.holds),
		}).Info("order checked out")
		c.recordCheckout(metrics.OutcomeSuccess)
		c.emitEvent(ctx, order, EventOrderCreated, "", map[string]any{
			"checkout_key": order.CheckoutKey,
			"items":        len(order.Items),
		})
		return CheckoutResult{Order: order}, nil
	}

	if errors.Is(err, domain.ErrOrderAlreadyExists) {
		return c.resolveCheckoutRace(ctx, req, attempt, logger)
	}

	if compErr := c.compensateCheckout(ctx, attempt, err); compErr != nil {
		logger.WithError(compErr).Error("checkout compensation incomplete, holds will expire")
	}

	checkoutErr := asCheckoutError(err)
	if checkoutErr.Code == CodeInternal {
		logger.WithError(err).Error("checkout failed")
	} else {
		logger.WithError(err).WithField("code", checkoutErr.Code).Info("checkout rejected")
	}
	c.recordCheckout(string(checkoutErr.Code))
	return CheckoutResult{}, checkoutErr
}

func (c *Coordinator) runCheckout(ctx context.Context, req CheckoutRequest, attempt *checkoutAttempt) (domain.Order, error) {
	now := c.now()

	started := time.Now()
	items := make([]domain.OrderItem, 0, len(req.Lines))
	for _, line := range req.Lines {
		hold, err := retryValue(ctx, c, "reserve", func(ctx context.Context) (domain.StockReservation, error) {
			return c.reservations.Reserve(ctx, domain.ReserveRequest{
				VariantID: line.VariantID,
				Qty:       line.Qty,
				OwnerID:   attempt.orderID,
				OwnerKind: domain.OwnerKindOrder,
				Hold:      c.hold,
			})
		})
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientStock) {
				return domain.Order{}, &CheckoutError{Code: CodeOutOfStock, Subject: line.VariantID, Err: err}
			}
			return domain.Order{}, fmt.Errorf("reserve %s: %w", line.VariantID, err)
		}
		attempt.holds = append(attempt.holds, hold)
		items = append(items, domain.OrderItem{
			ID:            uuid.NewString(),
			VariantID:     line.VariantID,
			Qty:           line.Qty,
			PriceMinor:    line.PriceMinor,
			ReservationID: hold.ID,
			CreatedAt:     now,
		})
	}
	c.observeStep(domain.LifecycleStepReserve, started)

	order := domain.Order{
		ID:                attempt.orderID,
		CustomerID:        req.CustomerID,
		Status:            domain.OrderStatusPending,
		Currency:          req.Currency,
		TaxMinor:          req.TaxMinor,
		ShippingMinor:     req.ShippingMinor,
		ShippingAddressID: req.ShippingAddressID,
		BillingAddressID:  req.BillingAddressID,
		CheckoutKey:       req.CheckoutKey,
		Items:             items,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	order.ComputeTotals()

	started = time.Now()
	discountMinor, err := c.applyInstruments(ctx, req, attempt, order.SubtotalMinor)
	if err != nil {
		return domain.Order{}, err
	}
	c.observeStep(domain.LifecycleStepDiscount, started)

	order.DiscountMinor = discountMinor
	for _, ref := range req.Instruments {
		if ref.Type == domain.TransactionTypeCouponUsage {
			order.CouponCode = strings.ToUpper(strings.TrimSpace(ref.Code))
			break
		}
	}
	order.ComputeTotals()
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, fmt.Errorf("order invariants: %w", multierr.Combine(errs...))
	}

	if err := c.withRetry(ctx, "create_order", func(ctx context.Context) error {
		return c.orders.Create(ctx, order)
	}); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (c *Coordinator) applyInstruments(ctx context.Context, req CheckoutRequest, attempt *checkoutAttempt, subtotal int64) (int64, error) {
	if len(req.Instruments) == 0 {
		return 0, nil
	}
	if c.instruments == nil {
		return 0, fmt.Errorf("%w: instruments", ErrMissingDependency)
	}

	var total int64
	for _, ref := range req.Instruments {
		amount, err := c.applyInstrument(ctx, req, attempt, ref, subtotal, subtotal-total)
		if err != nil {
			return 0, err
		}
		total += amount
	}
	return total, nil
}

// applyInstrument проверяет инструмент, считает скидку и удерживает её в журнале.
// Возвращает сумму, зафиксированную в записи журнала.
func (c *Coordinator) applyInstrument(ctx context.Context, req CheckoutRequest, attempt *checkoutAttempt, ref InstrumentRef, subtotal, payable int64) (int64, error) {
	inst, err := retryValue(ctx, c, "get_instrument", func(ctx context.Context) (domain.DiscountInstrument, error) {
		return c.instruments.GetByCode(ctx, ref.Type, ref.Code)
	})
	if err != nil {
		return 0, instrumentFailure(ref, err)
	}

	usage, err := retryValue(ctx, c, "instrument_usage", func(ctx context.Context) (domain.InstrumentUsage, error) {
		return c.ledger.UsageForEntity(ctx, inst.Type, inst.ID)
	})
	if err != nil {
		return 0, err
	}
	if err := inst.CheckUsable(c.now(), usage); err != nil {
		return 0, instrumentFailure(ref, err)
	}

	amount, err := c.calculator.Discount(domain.DiscountQuote{
		Instrument:    inst,
		Usage:         usage,
		SubtotalMinor: subtotal,
		PayableMinor:  payable,
	})
	if err != nil {
		return 0, instrumentFailure(ref, err)
	}

	audit := map[string]string{"checkout_key": req.CheckoutKey}
	latest, err := retryValue(ctx, c, "latest_for_entity", func(ctx context.Context) (domain.TransactionLogEntry, error) {
		return c.ledger.FindLatestForEntity(ctx, inst.Type, inst.ID)
	})
	switch {
	case err == nil:
		audit["previous_entry_id"] = latest.ID
	case !errors.Is(err, domain.ErrLedgerEntryNotFound):
		return 0, err
	}

	begin, err := retryValue(ctx, c, "ledger_begin", func(ctx context.Context) (domain.BeginResult, error) {
		return c.ledger.Begin(ctx, domain.BeginRequest{
			Type:           inst.Type,
			EntityID:       inst.ID,
			EntityCode:     inst.Code,
			OrderID:        attempt.orderID,
			UserID:         req.CustomerID,
			AmountMinor:    amount,
			IdempotencyKey: LedgerKey(req.CheckoutKey, ref.Type, ref.Code),
			Details:        inst.Details(usage).WithAudit(audit),
		})
	})
	if err != nil {
		return 0, err
	}

	entry := begin.Entry
	// Чужую запись (Replay) компенсирует тот вызов, который её создал.
	if !begin.Replay && !entry.Status.IsTerminal() {
		attempt.entries = append(attempt.entries, entry)
	}
	if begin.Replay {
		c.logger.WithFields(log.Fields{
			"entry_id": entry.ID,
			"status":   entry.Status,
		}).Info("ledger entry replayed for checkout key")
	}

	switch entry.Status {
	case domain.LedgerStatusInitiated:
	case domain.LedgerStatusReserved:
		// Предыдущая попытка с тем же ключом уже удержала бюджет.
		return entry.AmountMinor, nil
	default:
		// Попытка с этим ключом уже завершилась отказом; повтор воспроизводит исход.
		code := CodeInvalidCoupon
		if entry.Type == domain.TransactionTypeGiftCardUsage {
			code = CodeGiftCardDepleted
		}
		return 0, &CheckoutError{
			Code:    code,
			Subject: ref.Code,
			Err:     fmt.Errorf("ledger entry %s already %s", entry.ID, entry.Status),
		}
	}

	budget := inst.Budget()
	reserved, err := retryValue(ctx, c, "ledger_reserve", func(ctx context.Context) (domain.TransactionLogEntry, error) {
		return c.ledger.Advance(ctx, entry.ID, domain.LedgerStatusReserved, domain.AdvanceOptions{Budget: &budget})
	})
	if errors.Is(err, domain.ErrInvalidLedgerTransition) {
		// Конкурентный вызов с тем же ключом мог удержать запись раньше нас.
		current, getErr := retryValue(ctx, c, "ledger_get", func(ctx context.Context) (domain.TransactionLogEntry, error) {
			return c.ledger.Get(ctx, entry.ID)
		})
		if getErr == nil && current.Status == domain.LedgerStatusReserved {
			return current.AmountMinor, nil
		}
	}
	if err != nil {
		return 0, instrumentFailure(ref, err)
	}
	return reserved.AmountMinor, nil
}

// compensateCheckout снимает удержания попытки и переводит её записи журнала в failed.
func (c *Coordinator) compensateCheckout(ctx context.Context, attempt *checkoutAttempt, cause error) error {
	ctx = context.WithoutCancel(ctx)
	started := time.Now()
	defer c.observeStep(domain.LifecycleStepRelease, started)

	errs := c.releaseHoldsByID(ctx, attempt.holds)
	for _, entry := range attempt.entries {
		_, err := retryValue(ctx, c, "ledger_fail", func(ctx context.Context) (domain.TransactionLogEntry, error) {
			return c.ledger.Advance(ctx, entry.ID, domain.LedgerStatusFailed, domain.AdvanceOptions{
				Audit: map[string]string{"reason": cause.Error()},
			})
		})
		errs = multierr.Append(errs, err)
	}
	return errs
}

// resolveCheckoutRace обрабатывает конкурентное оформление с тем же ключом: заказ уже
// создан другим вызовом (или нашим же, если ответ на Create потерялся).
func (c *Coordinator) resolveCheckoutRace(ctx context.Context, req CheckoutRequest, attempt *checkoutAttempt, logger *log.Entry) (CheckoutResult, error) {
	existing, err := retryValue(ctx, c, "get_order_by_checkout_key", func(ctx context.Context) (domain.Order, error) {
		return c.orders.GetByCheckoutKey(ctx, req.CheckoutKey)
	})
	if err != nil {
		logger.WithError(err).Error("checkout race: existing order not readable")
		c.recordCheckout(string(CodeInternal))
		return CheckoutResult{}, &CheckoutError{Code: CodeInternal, Err: err}
	}

	if ownsHolds(existing, attempt.holds) {
		logger.Info("order checked out")
		c.recordCheckout(metrics.OutcomeSuccess)
		c.emitEvent(ctx, existing, EventOrderCreated, "", map[string]any{
			"checkout_key": existing.CheckoutKey,
			"items":        len(existing.Items),
		})
		return CheckoutResult{Order: existing}, nil
	}

	// Записи журнала общие для обоих вызовов (одинаковые ключи), трогаем только свои удержания.
	if err := c.releaseHoldsByID(context.WithoutCancel(ctx), attempt.holds); err != nil {
		logger.WithError(err).Error("checkout race: releasing duplicate holds failed")
	}
	logger.Info("checkout replayed after concurrent attempt")
	c.recordCheckout(metrics.OutcomeReplay)
	return CheckoutResult{Order: existing, Replay: true}, nil
}

func ownsHolds(order domain.Order, holds []domain.StockReservation) bool {
	if len(holds) == 0 {
		return false
	}
	ids := make(map[string]struct{}, len(order.Items))
	for _, item := range order.Items {
		ids[item.ReservationID] = struct{}{}
	}
	for _, hold := range holds {
		if _, ok := ids[hold.ID]; !ok {
			return false
		}
	}
	return true
}

func (c *Coordinator) releaseHoldsByID(ctx context.Context, holds []domain.StockReservation) error {
	var errs error
	for _, hold := range holds {
		errs = multierr.Append(errs, c.withRetry(ctx, "release", func(ctx context.Context) error {
			return c.reservations.Release(ctx, hold.ID)
		}))
	}
	return errs
}

func (c *Coordinator) recordCheckout(outcome string) {
	if c.metrics != nil {
		c.metrics.RecordCheckout(outcome)
	}
}
