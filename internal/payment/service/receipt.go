package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
	"github.com/smallbiznis/tierline/internal/providers/pdf"
	subscriptionservice "github.com/smallbiznis/tierline/internal/subscription/service"
)

var errReceiptsDisabled = errors.New("receipts_unavailable")

// Receipt renders a PDF for one of the user's payments.
func (s *Service) Receipt(ctx context.Context, userID snowflake.ID, paymentID string) (*paymentdomain.Receipt, error) {
	if s.receipts == nil {
		return nil, errReceiptsDisabled
	}
	payment, err := s.subscriptions.GetPayment(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	description := string(payment.BillingCycle) + " subscription"
	if plan, err := s.plans.FindByID(ctx, s.db, payment.PlanID); err == nil && plan != nil {
		description = fmt.Sprintf("%s (%s)", plan.Name, payment.BillingCycle)
	}
	if payment.IsRenewal {
		description += " renewal"
	}

	amount := subscriptionservice.FormatAmount(payment.Amount, payment.Currency)
	periodEnd := payment.PaymentDate.Add(payment.BillingCycle.Period())
	ref := ""
	if payment.PaymentIntentID != nil {
		ref = *payment.PaymentIntentID
	}
	name := user.FullName
	if name == "" {
		name = user.Email
	}

	body, err := s.receipts.GenerateReceipt(ctx, pdf.ReceiptData{
		IssuerName:    s.receiptIssuer,
		ReceiptNumber: "R-" + payment.ID.String(),
		DatePaid:      payment.PaymentDate.Format("2006-01-02"),
		ServicePeriod: payment.PaymentDate.Format("2006-01-02") + " to " + periodEnd.Format("2006-01-02"),
		PaymentRef:    ref,
		BillToName:    name,
		BillToEmail:   user.Email,
		Items: []pdf.ReceiptItem{
			{Description: description, Qty: 1, UnitPrice: amount, Amount: amount},
		},
		Total: amount,
	})
	if err != nil {
		return nil, err
	}
	return &paymentdomain.Receipt{
		Filename: "receipt-" + payment.ID.String() + ".pdf",
		Payment:  payment,
		Body:     body,
	}, nil
}
