package payments

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/medina-market/api/internal/domain"
	"github.com/medina-market/api/internal/platform/config"
)

// CashOnDeliveryProvider collects payment from the courier; nothing leaves the process.
type CashOnDeliveryProvider struct{}

// NewCashOnDeliveryProvider constructs the cash-on-delivery adapter.
func NewCashOnDeliveryProvider() *CashOnDeliveryProvider { return &CashOnDeliveryProvider{} }

func (*CashOnDeliveryProvider) Method() domain.PaymentMethod   { return domain.PaymentMethodCashOnDelivery }
func (*CashOnDeliveryProvider) Gateway() domain.PaymentGateway { return domain.PaymentGatewayInternal }
func (*CashOnDeliveryProvider) Enabled() bool                  { return true }

// Initiate returns the amount the courier will collect.
func (*CashOnDeliveryProvider) Initiate(_ context.Context, req InitiateRequest) (InitiateResult, error) {
	return InitiateResult{
		Status: domain.PaymentStatusPending,
		Instructions: fmt.Sprintf("Please have %s ready for the courier on delivery. Payment reference: %s.",
			domain.FormatMoney(req.Amount, req.Currency), req.Reference),
	}, nil
}

// BankTransferProvider returns the merchant bank coordinates and the reference to quote.
type BankTransferProvider struct {
	bank config.BankTransferConfig
}

// NewBankTransferProvider constructs the bank-transfer adapter.
func NewBankTransferProvider(bank config.BankTransferConfig) *BankTransferProvider {
	return &BankTransferProvider{bank: bank}
}

func (*BankTransferProvider) Method() domain.PaymentMethod   { return domain.PaymentMethodBankTransfer }
func (*BankTransferProvider) Gateway() domain.PaymentGateway { return domain.PaymentGatewayInternal }
func (*BankTransferProvider) Enabled() bool                  { return true }

// Initiate builds the transfer instructions.
func (p *BankTransferProvider) Initiate(_ context.Context, req InitiateRequest) (InitiateResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Transfer %s", domain.FormatMoney(req.Amount, req.Currency))
	if p.bank.Beneficiary != "" {
		fmt.Fprintf(&b, " to %s", p.bank.Beneficiary)
	}
	if p.bank.BankName != "" {
		fmt.Fprintf(&b, " at %s", p.bank.BankName)
	}
	b.WriteString(".")
	if p.bank.IBAN != "" {
		fmt.Fprintf(&b, " IBAN: %s.", p.bank.IBAN)
	}
	if p.bank.SWIFT != "" {
		fmt.Fprintf(&b, " SWIFT/BIC: %s.", p.bank.SWIFT)
	}
	fmt.Fprintf(&b, " Quote reference %s in the transfer description.", req.Reference)
	return InitiateResult{Status: domain.PaymentStatusPending, Instructions: b.String()}, nil
}
