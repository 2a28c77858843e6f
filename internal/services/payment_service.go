package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/payments"
	"github.com/medina-market/api/internal/platform/storage"
	"github.com/medina-market/api/internal/repositories"
)

const (
	paymentEventInitiated = "payment.initiated"
	paymentEventCompleted = "payment.completed"
	paymentEventFailed    = "payment.failed"
	paymentEventRefunded  = "payment.refund.updated"

	paymentIDPrefix   = "pay_"
	paymentRefPrefix  = "PAY-"
	refundIDPrefix    = "rfd_"
	webhookIDPrefix   = "whe_"
	defaultStaleAfter = 30 * time.Minute
	expireBatchSize   = 200
	defaultMaxAttempt = 3

	webhookReasonNoCorrelation = "no_correlation"
	webhookReasonUnknownRef    = "unknown_reference"
	webhookReasonMalformed     = "malformed"
	webhookReasonReplay        = "replay"
)

// WebhookArchiver stores raw webhook bodies out of band.
type WebhookArchiver interface {
	Archive(ctx context.Context, record storage.ArchiveRecord) (string, error)
}

// PaymentMetrics receives payment and webhook counters.
type PaymentMetrics interface {
	RecordWebhook(ctx context.Context, gateway, outcome string)
	RecordPayment(ctx context.Context, gateway, status string)
}

// PaymentOrders is the slice of the order service the payment orchestrator depends on.
type PaymentOrders interface {
	Get(ctx context.Context, orderID string) (Order, error)
	MarkPaid(ctx context.Context, orderID, paymentRef, actorID string) (Order, error)
	SetPaymentStatus(ctx context.Context, orderID string, status domain.OrderPaymentStatus) (Order, error)
}

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Payments        repositories.PaymentRepository
	Webhooks        repositories.WebhookEventRepository
	Orders          PaymentOrders
	Providers       *payments.Registry
	Archive         WebhookArchiver
	Metrics         PaymentMetrics
	Events          OrderEventPublisher
	CallbackBaseURL string
	ReturnURL       string
	MaxAttempts     int
	StaleAfter      time.Duration
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	payments    repositories.PaymentRepository
	webhooks    repositories.WebhookEventRepository
	orders      PaymentOrders
	providers   *payments.Registry
	archive     WebhookArchiver
	metrics     PaymentMetrics
	events      OrderEventPublisher
	callbackURL string
	returnURL   string
	maxAttempts int
	staleAfter  time.Duration
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
}

var _ PaymentService = (*paymentService)(nil)

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if deps.Webhooks == nil {
		return nil, errors.New("payment service: webhook event repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment service: order service is required")
	}
	if deps.Providers == nil {
		return nil, errors.New("payment service: provider registry is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	maxAttempts := deps.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempt
	}
	staleAfter := deps.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	return &paymentService{
		payments:    deps.Payments,
		webhooks:    deps.Webhooks,
		orders:      deps.Orders,
		providers:   deps.Providers,
		archive:     deps.Archive,
		metrics:     deps.Metrics,
		events:      deps.Events,
		callbackURL: strings.TrimRight(strings.TrimSpace(deps.CallbackBaseURL), "/"),
		returnURL:   strings.TrimSpace(deps.ReturnURL),
		maxAttempts: maxAttempts,
		staleAfter:  staleAfter,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *paymentService) Initiate(ctx context.Context, cmd InitiatePaymentCommand) (PaymentResult, error) {
	order, err := s.orders.Get(ctx, cmd.OrderID)
	if err != nil {
		return PaymentResult{}, err
	}
	customerID := strings.TrimSpace(cmd.CustomerID)
	if order.CustomerID != "" && customerID != "" && order.CustomerID != customerID {
		return PaymentResult{}, fmt.Errorf("%w: order %s", ErrNotFound, order.ID)
	}
	if order.Status == domain.OrderStatusCancelled {
		return PaymentResult{}, invalidStateError("order %s is cancelled", order.ID)
	}
	if order.PaymentStatus == domain.OrderPaymentPaid {
		return PaymentResult{}, invalidStateError("order %s is already paid", order.ID)
	}

	method := cmd.Method
	if strings.TrimSpace(string(method)) == "" {
		method = order.PaymentMethod
	}
	parsed, ok := domain.ParsePaymentMethod(string(method))
	if !ok {
		return PaymentResult{}, validationError("unsupported payment method %q", method)
	}
	provider, err := s.providers.Provider(parsed)
	if err != nil {
		return PaymentResult{}, validationError("%v", err)
	}

	now := s.now()
	payment := Payment{
		ID:            paymentIDPrefix + s.newID(),
		OrderID:       order.ID,
		CustomerID:    order.CustomerID,
		CustomerEmail: order.Customer.Email,
		Method:        parsed,
		Gateway:       provider.Gateway(),
		Reference:     paymentRefPrefix + s.newID(),
		Amount:        order.Pricing.Total,
		NetAmount:     order.Pricing.Total,
		Currency:      order.Pricing.Currency,
		Status:        domain.PaymentStatusPending,
		MaxAttempts:   s.maxAttempts,
		Metadata:      maps.Clone(cmd.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.payments.InsertWithLock(ctx, payment); err != nil {
		if isConflict(err) {
			return PaymentResult{}, fmt.Errorf("%w: order %s already has an open payment", ErrDuplicatePayment, order.ID)
		}
		return PaymentResult{}, mapRepositoryError("payment", err)
	}
	payment.Version = 1

	customer := cmd.Customer
	if strings.TrimSpace(customer.FirstName) == "" && strings.TrimSpace(customer.Email) == "" {
		customer = order.Customer
	}
	result, initErr := provider.Initiate(ctx, payments.InitiateRequest{
		Reference:   payment.Reference,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Customer: payments.Customer{
			FirstName: customer.FirstName,
			LastName:  customer.LastName,
			Email:     customer.Email,
			Phone:     customer.Phone,
		},
		Description: "Order " + order.OrderNumber,
		ReturnURL:   s.buildReturnURL(cmd.ReturnURL, payment.Reference, false),
		CancelURL:   s.buildReturnURL(cmd.ReturnURL, payment.Reference, true),
		WebhookURL:  s.buildWebhookURL(payment.Gateway, payment.Reference),
		Metadata:    payment.Metadata,
	})
	if initErr != nil {
		return PaymentResult{}, s.failInitiation(ctx, payment, order, initErr)
	}

	payment, err = s.updatePayment(ctx, payment.ID, func(p *Payment, now time.Time) (bool, error) {
		p.Attempts++
		p.Status = result.Status
		if !p.Status.Valid() || !p.Status.Open() {
			p.Status = domain.PaymentStatusProcessing
			if p.Method.Manual() {
				p.Status = domain.PaymentStatusPending
			}
		}
		p.GatewayTransactionID = result.TransactionID
		p.RedirectURL = result.RedirectURL
		p.Instructions = result.Instructions
		p.GatewayResponse = result.Raw
		if result.GatewayFee > 0 {
			p.GatewayFee = result.GatewayFee
			p.NetAmount = p.Amount - result.GatewayFee
		}
		p.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return PaymentResult{}, err
	}

	if _, err := s.orders.SetPaymentStatus(ctx, order.ID, domain.OrderPaymentPending); err != nil {
		s.logger(ctx, "payment.order.update.failed", map[string]any{
			"paymentId": payment.ID,
			"orderId":   order.ID,
			"error":     err.Error(),
		})
	}

	s.recordPayment(ctx, payment)
	s.publish(ctx, paymentEventInitiated, order, payment, nil)
	s.logger(ctx, "payment.initiated", map[string]any{
		"paymentId": payment.ID,
		"orderId":   order.ID,
		"method":    string(payment.Method),
		"status":    string(payment.Status),
		"reference": payment.Reference,
	})

	return PaymentResult{
		Payment:      payment,
		RedirectURL:  payment.RedirectURL,
		Instructions: payment.Instructions,
	}, nil
}

// failInitiation persists the gateway failure, which also releases the order lock.
func (s *paymentService) failInitiation(ctx context.Context, payment Payment, order Order, cause error) error {
	var gwErr *GatewayError
	if !errors.As(cause, &gwErr) {
		gwErr = &GatewayError{Gateway: payment.Gateway, Message: cause.Error(), Err: cause}
	}

	failed, err := s.updatePayment(ctx, payment.ID, func(p *Payment, now time.Time) (bool, error) {
		p.Attempts++
		p.Status = domain.PaymentStatusFailed
		p.FailureReason = gwErr.Error()
		p.GatewayResponse = gwErr.Raw
		p.FailedAt = &now
		p.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		s.logger(ctx, "payment.fail.persist.failed", map[string]any{
			"paymentId": payment.ID,
			"error":     err.Error(),
		})
	} else {
		s.recordPayment(ctx, failed)
		s.publish(ctx, paymentEventFailed, order, failed, map[string]any{"reason": failed.FailureReason})
	}
	if _, err := s.orders.SetPaymentStatus(ctx, order.ID, domain.OrderPaymentFailed); err != nil {
		s.logger(ctx, "payment.order.update.failed", map[string]any{
			"paymentId": payment.ID,
			"orderId":   order.ID,
			"error":     err.Error(),
		})
	}
	s.logger(ctx, "payment.initiate.failed", map[string]any{
		"paymentId": payment.ID,
		"gateway":   string(payment.Gateway),
		"error":     gwErr.Error(),
	})
	return gwErr
}

func (s *paymentService) ReconcileWebhook(ctx context.Context, cmd WebhookCommand) (WebhookResult, error) {
	gateway, ok := domain.ParsePaymentGateway(string(cmd.Gateway))
	if !ok {
		return WebhookResult{}, validationError("unknown gateway %q", cmd.Gateway)
	}
	provider, ok := s.providers.ForGateway(gateway)
	if !ok {
		return WebhookResult{}, validationError("gateway %s is not configured", gateway)
	}
	parser, ok := provider.(payments.WebhookParser)
	if !ok {
		return WebhookResult{}, validationError("gateway %s does not accept webhooks", gateway)
	}

	now := s.now()
	event := domain.WebhookEvent{
		ID:         webhookIDPrefix + s.newID(),
		Gateway:    gateway,
		Payload:    rawPayload(cmd.Body),
		ReceivedAt: now,
	}
	result := WebhookResult{EventID: event.ID}

	note, parseErr := parser.ParseWebhook(ctx, payments.WebhookRequest{
		Body:   cmd.Body,
		Header: cmd.Header,
		Query:  cmd.Query,
	})
	if parseErr != nil {
		if errors.Is(parseErr, payments.ErrInvalidSignature) {
			event.Outcome = "rejected"
			s.storeWebhookEvent(ctx, event)
			s.recordWebhook(ctx, gateway, event.Outcome)
			return WebhookResult{}, validationError("%v", parseErr)
		}
		s.logger(ctx, "payment.webhook.malformed", map[string]any{
			"gateway": string(gateway),
			"eventId": event.ID,
			"error":   parseErr.Error(),
		})
		event.Outcome = webhookReasonMalformed
		result.Reason = webhookReasonMalformed
		return result, s.finishWebhook(ctx, event, cmd.Body)
	}

	event.Reference = strings.TrimSpace(note.Reference)
	event.TransactionID = strings.TrimSpace(note.TransactionID)
	event.GatewayStatus = note.GatewayStatus

	payment, reason, err := s.matchPayment(ctx, gateway, note)
	if err != nil {
		return WebhookResult{}, err
	}
	if reason != "" {
		s.logger(ctx, "payment.webhook.unmatched", map[string]any{
			"gateway":       string(gateway),
			"eventId":       event.ID,
			"reason":        reason,
			"reference":     event.Reference,
			"transactionId": event.TransactionID,
		})
		event.Outcome = reason
		result.Reason = reason
		return result, s.finishWebhook(ctx, event, cmd.Body)
	}

	event.Matched = true
	event.PaymentID = payment.ID
	result.Matched = true
	result.PaymentID = payment.ID

	target := webhookTargetStatus(note.Outcome)
	// taken from the committed read inside the mutation, never from the lookup snapshot
	var previous domain.PaymentStatus
	var changed bool
	updated, err := s.updatePayment(ctx, payment.ID, func(p *Payment, now time.Time) (bool, error) {
		previous = p.Status
		changed = false
		if !paymentTransitionAllowed(p.Status, target) {
			return false, nil
		}
		changed = true
		p.Status = target
		p.WebhookData = event.Payload
		if p.GatewayTransactionID == "" && event.TransactionID != "" {
			p.GatewayTransactionID = event.TransactionID
		}
		switch target {
		case domain.PaymentStatusCompleted:
			p.CompletedAt = &now
			p.FailureReason = ""
		case domain.PaymentStatusFailed:
			p.FailedAt = &now
			p.FailureReason = "gateway reported " + firstNonBlank(note.GatewayStatus, "failure")
		}
		p.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return WebhookResult{}, err
	}
	result.Status = updated.Status
	if changed {
		event.Outcome = string(updated.Status)
		s.recordPayment(ctx, updated)
	} else {
		event.Outcome = webhookReasonReplay
		result.Reason = webhookReasonReplay
	}

	if err := s.reflectOnOrder(ctx, updated, changed, "gateway:"+string(gateway)); err != nil {
		return WebhookResult{}, err
	}

	s.logger(ctx, "payment.webhook.processed", map[string]any{
		"gateway":       string(gateway),
		"eventId":       event.ID,
		"paymentId":     updated.ID,
		"previous":      string(previous),
		"status":        string(updated.Status),
		"gatewayStatus": note.GatewayStatus,
	})
	return result, s.finishWebhook(ctx, event, cmd.Body)
}

func (s *paymentService) matchPayment(ctx context.Context, gateway domain.PaymentGateway, note payments.WebhookNotification) (Payment, string, error) {
	if !note.HasCorrelation() {
		return Payment{}, webhookReasonNoCorrelation, nil
	}
	if ref := strings.TrimSpace(note.Reference); ref != "" {
		payment, err := s.payments.FindByReference(ctx, ref)
		if err == nil && payment.Gateway == gateway {
			return payment, "", nil
		}
		if err != nil && !isNotFound(err) {
			return Payment{}, "", mapRepositoryError("payment", err)
		}
	}
	if tx := strings.TrimSpace(note.TransactionID); tx != "" {
		payment, err := s.payments.FindByTransactionID(ctx, gateway, tx)
		if err == nil {
			return payment, "", nil
		}
		if !isNotFound(err) {
			return Payment{}, "", mapRepositoryError("payment", err)
		}
	}
	return Payment{}, webhookReasonUnknownRef, nil
}

// reflectOnOrder mirrors the payment outcome onto the order. MarkPaid is idempotent so
// completed payments are re-applied on replays in case an earlier delivery failed half way.
func (s *paymentService) reflectOnOrder(ctx context.Context, payment Payment, changed bool, actor string) error {
	order, err := s.orders.Get(ctx, payment.OrderID)
	if err != nil {
		return err
	}
	switch payment.Status {
	case domain.PaymentStatusCompleted:
		if _, err := s.orders.MarkPaid(ctx, payment.OrderID, payment.Reference, actor); err != nil {
			return err
		}
		if changed {
			s.publish(ctx, paymentEventCompleted, order, payment, nil)
		}
	case domain.PaymentStatusFailed:
		if !changed {
			return nil
		}
		if order.PaymentStatus != domain.OrderPaymentPaid {
			if _, err := s.orders.SetPaymentStatus(ctx, payment.OrderID, domain.OrderPaymentFailed); err != nil {
				return err
			}
		}
		s.publish(ctx, paymentEventFailed, order, payment, map[string]any{"reason": payment.FailureReason})
	}
	return nil
}

func (s *paymentService) finishWebhook(ctx context.Context, event domain.WebhookEvent, body []byte) error {
	if s.archive != nil {
		path, err := s.archive.Archive(ctx, storage.ArchiveRecord{
			Gateway:    string(event.Gateway),
			EventID:    event.ID,
			Reference:  event.Reference,
			ReceivedAt: event.ReceivedAt,
			Body:       body,
		})
		if err != nil {
			s.logger(ctx, "payment.webhook.archive.failed", map[string]any{
				"eventId": event.ID,
				"error":   err.Error(),
			})
		} else {
			event.ArchivePath = path
		}
	}
	s.recordWebhook(ctx, event.Gateway, event.Outcome)
	if err := s.webhooks.Insert(ctx, event); err != nil {
		return mapRepositoryError("webhook event", err)
	}
	return nil
}

func (s *paymentService) storeWebhookEvent(ctx context.Context, event domain.WebhookEvent) {
	if err := s.webhooks.Insert(ctx, event); err != nil {
		s.logger(ctx, "payment.webhook.store.failed", map[string]any{
			"eventId": event.ID,
			"error":   err.Error(),
		})
	}
}

func (s *paymentService) Refund(ctx context.Context, cmd RefundCommand) (RefundOutcome, error) {
	if cmd.Amount < 0 {
		return RefundOutcome{}, validationError("refund amount must be positive")
	}
	target, err := s.refundTarget(ctx, cmd)
	if err != nil {
		return RefundOutcome{}, err
	}

	refund := domain.Refund{
		ID:          refundIDPrefix + s.newID(),
		Reason:      strings.TrimSpace(cmd.Reason),
		Status:      domain.RefundStatusPending,
		RequestedBy: strings.TrimSpace(cmd.ActorID),
	}
	payment, err := s.updatePayment(ctx, target.ID, func(p *Payment, now time.Time) (bool, error) {
		if p.Status != domain.PaymentStatusCompleted && p.Status != domain.PaymentStatusPartiallyRefunded {
			return false, invalidStateError("payment %s is %s and cannot be refunded", p.ID, p.Status)
		}
		remaining := p.RemainingAmount()
		if remaining <= 0 {
			return false, invalidStateError("payment %s has nothing left to refund", p.ID)
		}
		amount := cmd.Amount
		if amount == 0 {
			amount = remaining
		}
		if amount > remaining {
			return false, invalidStateError("refund of %s exceeds remaining %s",
				domain.FormatMoney(amount, p.Currency), domain.FormatMoney(remaining, p.Currency))
		}
		refund.Amount = amount
		refund.CreatedAt = now
		p.Refunds = append(p.Refunds, refund)
		p.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return RefundOutcome{}, err
	}

	s.logger(ctx, "payment.refund.requested", map[string]any{
		"paymentId": payment.ID,
		"refundId":  refund.ID,
		"amount":    refund.Amount,
		"actor":     refund.RequestedBy,
	})

	payment, refund, err = s.refundAtGateway(ctx, payment, refund)
	if err != nil {
		return RefundOutcome{}, err
	}
	return RefundOutcome{Payment: payment, Refund: refund, RemainingAmount: payment.RemainingAmount()}, nil
}

func (s *paymentService) refundTarget(ctx context.Context, cmd RefundCommand) (Payment, error) {
	if id := strings.TrimSpace(cmd.PaymentID); id != "" {
		payment, err := s.payments.FindByID(ctx, id)
		if err != nil {
			return Payment{}, mapRepositoryError("payment", err)
		}
		if orderID := strings.TrimSpace(cmd.OrderID); orderID != "" && payment.OrderID != orderID {
			return Payment{}, fmt.Errorf("%w: payment %s for order %s", ErrNotFound, id, orderID)
		}
		return payment, nil
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Payment{}, validationError("payment id or order id is required")
	}
	list, err := s.payments.ListByOrder(ctx, orderID)
	if err != nil {
		return Payment{}, mapRepositoryError("payment", err)
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Status == domain.PaymentStatusCompleted || list[i].Status == domain.PaymentStatusPartiallyRefunded {
			return list[i], nil
		}
	}
	return Payment{}, invalidStateError("order %s has no refundable payment", orderID)
}

// refundAtGateway asks refund-capable adapters to move the funds. Adapters that settle out of
// band leave the refund pending for ConfirmRefund.
func (s *paymentService) refundAtGateway(ctx context.Context, payment Payment, refund domain.Refund) (Payment, domain.Refund, error) {
	provider, err := s.providers.Provider(payment.Method)
	if err != nil {
		return payment, refund, nil
	}
	refunder, ok := provider.(payments.Refunder)
	if !ok {
		return payment, refund, nil
	}

	res, refundErr := refunder.Refund(ctx, payments.RefundRequest{
		TransactionID:  payment.GatewayTransactionID,
		Reference:      payment.Reference,
		RefundID:       refund.ID,
		Amount:         refund.Amount,
		Currency:       payment.Currency,
		Reason:         refund.Reason,
		IdempotencyKey: refund.ID,
	})
	switch {
	case errors.Is(refundErr, payments.ErrRefundUnsupported):
		return payment, refund, nil
	case refundErr != nil:
		settled, err := s.ConfirmRefund(ctx, ConfirmRefundCommand{
			PaymentID: payment.ID,
			RefundID:  refund.ID,
			Status:    domain.RefundStatusFailed,
			ActorID:   "gateway:" + string(payment.Gateway),
		})
		if err != nil {
			s.logger(ctx, "payment.refund.persist.failed", map[string]any{"refundId": refund.ID, "error": err.Error()})
		} else {
			payment = settled
		}
		var gwErr *GatewayError
		if errors.As(refundErr, &gwErr) {
			return payment, refund, gwErr
		}
		return payment, refund, &GatewayError{Gateway: payment.Gateway, Message: refundErr.Error(), Err: refundErr}
	}

	status := res.Status
	if !status.Valid() {
		status = domain.RefundStatusPending
	}
	updated, err := s.updatePayment(ctx, payment.ID, func(p *Payment, now time.Time) (bool, error) {
		idx := p.FindRefund(refund.ID)
		if idx < 0 || p.Refunds[idx].GatewayRefundID == res.GatewayRefundID {
			return false, nil
		}
		p.Refunds[idx].GatewayRefundID = res.GatewayRefundID
		p.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return payment, refund, err
	}
	payment = updated
	if status != domain.RefundStatusPending {
		payment, err = s.ConfirmRefund(ctx, ConfirmRefundCommand{
			PaymentID: payment.ID,
			RefundID:  refund.ID,
			Status:    status,
			ActorID:   "gateway:" + string(payment.Gateway),
		})
		if err != nil {
			return payment, refund, err
		}
	}
	if idx := payment.FindRefund(refund.ID); idx >= 0 {
		refund = payment.Refunds[idx]
	}
	return payment, refund, nil
}

func (s *paymentService) ConfirmRefund(ctx context.Context, cmd ConfirmRefundCommand) (Payment, error) {
	if cmd.Status != domain.RefundStatusCompleted && cmd.Status != domain.RefundStatusFailed {
		return Payment{}, validationError("refund status must be completed or failed")
	}
	refundID := strings.TrimSpace(cmd.RefundID)
	if refundID == "" {
		return Payment{}, validationError("refund id is required")
	}

	var settled bool
	payment, err := s.updatePayment(ctx, cmd.PaymentID, func(p *Payment, now time.Time) (bool, error) {
		settled = false
		idx := p.FindRefund(refundID)
		if idx < 0 {
			return false, fmt.Errorf("%w: refund %s", ErrNotFound, refundID)
		}
		refund := &p.Refunds[idx]
		if refund.Status == cmd.Status {
			return false, nil
		}
		if refund.Status != domain.RefundStatusPending {
			return false, invalidStateError("refund %s is already %s", refundID, refund.Status)
		}
		refund.Status = cmd.Status
		refund.ProcessedAt = &now
		if cmd.Status == domain.RefundStatusCompleted {
			if p.RefundedAmount() >= p.Amount {
				p.Status = domain.PaymentStatusRefunded
			} else {
				p.Status = domain.PaymentStatusPartiallyRefunded
			}
		}
		p.UpdatedAt = now
		settled = true
		return true, nil
	})
	if err != nil {
		return Payment{}, err
	}
	if !settled {
		return payment, nil
	}

	orderStatus := domain.OrderPaymentPartiallyRefunded
	switch payment.Status {
	case domain.PaymentStatusRefunded:
		orderStatus = domain.OrderPaymentRefunded
	case domain.PaymentStatusCompleted:
		orderStatus = domain.OrderPaymentPaid
	}
	order, err := s.orders.SetPaymentStatus(ctx, payment.OrderID, orderStatus)
	if err != nil {
		return Payment{}, err
	}
	s.recordPayment(ctx, payment)
	s.publish(ctx, paymentEventRefunded, order, payment, map[string]any{
		"refundId": refundID,
		"status":   string(cmd.Status),
	})
	s.logger(ctx, "payment.refund.settled", map[string]any{
		"paymentId": payment.ID,
		"refundId":  refundID,
		"status":    string(cmd.Status),
		"actor":     strings.TrimSpace(cmd.ActorID),
	})
	return payment, nil
}

// MarkManualPaid completes the open manual payment of an order. Orders paid by a manual method
// without an initiated payment get one created first.
func (s *paymentService) MarkManualPaid(ctx context.Context, orderID, actorID string) (Payment, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return Payment{}, err
	}
	list, err := s.payments.ListByOrder(ctx, order.ID)
	if err != nil {
		return Payment{}, mapRepositoryError("payment", err)
	}

	var target *Payment
	for i := len(list) - 1; i >= 0; i-- {
		p := list[i]
		if !p.Method.Manual() {
			continue
		}
		if p.Status == domain.PaymentStatusCompleted {
			if _, err := s.orders.MarkPaid(ctx, order.ID, p.Reference, actorID); err != nil {
				return Payment{}, err
			}
			return p, nil
		}
		if p.Status.Open() {
			target = &list[i]
			break
		}
	}
	if target == nil {
		if !order.PaymentMethod.Manual() {
			return Payment{}, invalidStateError("order %s is not paid by a manual method", order.ID)
		}
		created, err := s.Initiate(ctx, InitiatePaymentCommand{OrderID: order.ID, Method: order.PaymentMethod})
		if err != nil {
			return Payment{}, err
		}
		target = &created.Payment
	}

	payment, err := s.updatePayment(ctx, target.ID, func(p *Payment, now time.Time) (bool, error) {
		if p.Status == domain.PaymentStatusCompleted {
			return false, nil
		}
		if !p.Status.Open() {
			return false, invalidStateError("payment %s is %s", p.ID, p.Status)
		}
		p.Status = domain.PaymentStatusCompleted
		p.CompletedAt = &now
		p.UpdatedAt = now
		if p.Metadata == nil {
			p.Metadata = map[string]string{}
		}
		p.Metadata["markedPaidBy"] = strings.TrimSpace(actorID)
		return true, nil
	})
	if err != nil {
		return Payment{}, err
	}
	if _, err := s.orders.MarkPaid(ctx, order.ID, payment.Reference, actorID); err != nil {
		return Payment{}, err
	}
	s.recordPayment(ctx, payment)
	s.publish(ctx, paymentEventCompleted, order, payment, map[string]any{"manual": true})
	return payment, nil
}

func (s *paymentService) AvailableMethods(context.Context) []domain.PaymentMethodInfo {
	return s.providers.Available()
}

// ExpireStale fails gateway payments that never received a callback. Manual payments can stay
// open until delivery and are left alone.
func (s *paymentService) ExpireStale(ctx context.Context, olderThan time.Duration) (ExpireResult, error) {
	if olderThan <= 0 {
		olderThan = s.staleAfter
	}
	cutoff := s.now().Add(-olderThan)
	open, err := s.payments.ListOpenBefore(ctx, cutoff, expireBatchSize)
	if err != nil {
		return ExpireResult{}, mapRepositoryError("payment", err)
	}

	result := ExpireResult{Scanned: len(open)}
	for _, candidate := range open {
		if candidate.Method.Manual() {
			continue
		}
		expired, err := s.updatePayment(ctx, candidate.ID, func(p *Payment, now time.Time) (bool, error) {
			if !p.Status.Open() {
				return false, nil
			}
			p.Status = domain.PaymentStatusFailed
			p.FailureReason = "expired without gateway confirmation"
			p.FailedAt = &now
			p.UpdatedAt = now
			return true, nil
		})
		if err != nil {
			s.logger(ctx, "payment.expire.failed", map[string]any{"paymentId": candidate.ID, "error": err.Error()})
			continue
		}
		if expired.Status != domain.PaymentStatusFailed {
			continue
		}
		result.Expired++
		s.recordPayment(ctx, expired)
		if err := s.reflectOnOrder(ctx, expired, true, "system:expire"); err != nil {
			s.logger(ctx, "payment.expire.order.failed", map[string]any{"paymentId": expired.ID, "error": err.Error()})
		}
	}
	s.logger(ctx, "payment.expire.completed", map[string]any{
		"scanned": result.Scanned,
		"expired": result.Expired,
		"cutoff":  cutoff,
	})
	return result, nil
}

func (s *paymentService) ListForOrder(ctx context.Context, orderID string) ([]Payment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, validationError("order id is required")
	}
	list, err := s.payments.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, mapRepositoryError("payment", err)
	}
	return list, nil
}

func (s *paymentService) Get(ctx context.Context, paymentID string) (Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return Payment{}, validationError("payment id is required")
	}
	payment, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		return Payment{}, mapRepositoryError("payment", err)
	}
	return payment, nil
}

func (s *paymentService) updatePayment(ctx context.Context, paymentID string, mutate func(*Payment, time.Time) (bool, error)) (Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return Payment{}, validationError("payment id is required")
	}
	var lastErr error
	for attempt := 1; attempt <= maxConflictAttempts; attempt++ {
		payment, err := s.payments.FindByID(ctx, paymentID)
		if err != nil {
			return Payment{}, mapRepositoryError("payment", err)
		}
		changed, err := mutate(&payment, s.now())
		if err != nil {
			return Payment{}, err
		}
		if !changed {
			return payment, nil
		}
		saved, err := s.payments.Update(ctx, payment, payment.Version)
		if err == nil {
			return saved, nil
		}
		if !isConflict(err) {
			return Payment{}, mapRepositoryError("payment", err)
		}
		lastErr = err
	}
	return Payment{}, fmt.Errorf("%w: payment %s modified concurrently: %v", ErrConflict, paymentID, lastErr)
}

func (s *paymentService) buildWebhookURL(gateway domain.PaymentGateway, reference string) string {
	if s.callbackURL == "" || gateway == domain.PaymentGatewayInternal {
		return ""
	}
	return fmt.Sprintf("%s/api/v1/webhooks/payments/%s?ref=%s", s.callbackURL, gateway, url.QueryEscape(reference))
}

func (s *paymentService) buildReturnURL(override, reference string, cancelled bool) string {
	base := strings.TrimSpace(override)
	if base == "" {
		base = s.returnURL
	}
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("ref", reference)
	if cancelled {
		q.Set("cancelled", "1")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *paymentService) publish(ctx context.Context, eventType string, order Order, payment Payment, metadata map[string]any) {
	if s.events == nil {
		return
	}
	meta := map[string]any{
		"paymentStatus": string(payment.Status),
		"method":        string(payment.Method),
		"amount":        payment.Amount,
		"currency":      payment.Currency,
	}
	maps.Copy(meta, metadata)
	event := OrderEvent{
		Type:          eventType,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CurrentStatus: string(order.Status),
		PaymentID:     payment.ID,
		OccurredAt:    s.now(),
		Metadata:      meta,
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":    eventType,
			"order":   order.ID,
			"payment": payment.ID,
			"error":   err.Error(),
		})
	}
}

func (s *paymentService) recordPayment(ctx context.Context, payment Payment) {
	if s.metrics != nil {
		s.metrics.RecordPayment(ctx, string(payment.Gateway), string(payment.Status))
	}
}

func (s *paymentService) recordWebhook(ctx context.Context, gateway domain.PaymentGateway, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordWebhook(ctx, string(gateway), outcome)
	}
}

func (s *paymentService) now() time.Time {
	return s.clock()
}

func webhookTargetStatus(outcome payments.Outcome) domain.PaymentStatus {
	switch outcome {
	case payments.OutcomeSucceeded:
		return domain.PaymentStatusCompleted
	case payments.OutcomeFailed:
		return domain.PaymentStatusFailed
	case payments.OutcomePending:
		return domain.PaymentStatusProcessing
	default:
		return domain.PaymentStatusProcessing
	}
}

// paymentTransitionAllowed only lets webhook statuses move a payment forward.
func paymentTransitionAllowed(from, to domain.PaymentStatus) bool {
	switch from {
	case domain.PaymentStatusPending:
		return to == domain.PaymentStatusProcessing || to == domain.PaymentStatusCompleted || to == domain.PaymentStatusFailed
	case domain.PaymentStatusProcessing:
		return to == domain.PaymentStatusCompleted || to == domain.PaymentStatusFailed
	case domain.PaymentStatusCompleted, domain.PaymentStatusFailed,
		domain.PaymentStatusRefunded, domain.PaymentStatusPartiallyRefunded:
		return false
	default:
		return false
	}
}

func rawPayload(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(append([]byte(nil), body...))
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return nil
	}
	return quoted
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
