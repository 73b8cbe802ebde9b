package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
	"go.uber.org/zap"
)

func (s *Service) ListPaymentMethods(ctx context.Context, userID snowflake.ID) ([]paymentdomain.PaymentMethod, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.PaymentCustomerID == nil || *user.PaymentCustomerID == "" {
		return []paymentdomain.PaymentMethod{}, nil
	}
	methods, err := s.gateway.ListPaymentMethods(ctx, *user.PaymentCustomerID)
	if err != nil {
		return nil, err
	}
	for i := range methods {
		methods[i].IsDefault = user.DefaultPaymentMethodID != nil && *user.DefaultPaymentMethodID == methods[i].ID
	}
	return methods, nil
}

func (s *Service) CreateSetupIntent(ctx context.Context, userID snowflake.ID) (*paymentdomain.SetupIntent, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}
	return s.gateway.CreateSetupIntent(ctx, customerID)
}

// SetDefaultPaymentMethod makes a card the account default for renewals. The
// card must belong to the user's customer.
func (s *Service) SetDefaultPaymentMethod(ctx context.Context, userID snowflake.ID, paymentMethodID string) error {
	paymentMethodID = strings.TrimSpace(paymentMethodID)
	if paymentMethodID == "" {
		return paymentdomain.ErrPaymentMethodRequired
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.PaymentCustomerID == nil || *user.PaymentCustomerID == "" {
		return paymentdomain.ErrCustomerMissing
	}
	customerID := *user.PaymentCustomerID
	if err := s.ensureOwnedMethod(ctx, customerID, paymentMethodID); err != nil {
		return err
	}
	if err := s.gateway.SetDefaultPaymentMethod(ctx, customerID, paymentMethodID); err != nil {
		return err
	}
	return s.users.UpdateFields(ctx, user.ID, map[string]any{"default_payment_method_id": paymentMethodID})
}

// DetachPaymentMethod removes a card. Subscriptions charged to it stop
// auto-renewing, and it stops being the account default.
func (s *Service) DetachPaymentMethod(ctx context.Context, userID snowflake.ID, paymentMethodID string) error {
	paymentMethodID = strings.TrimSpace(paymentMethodID)
	if paymentMethodID == "" {
		return paymentdomain.ErrPaymentMethodRequired
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.PaymentCustomerID == nil || *user.PaymentCustomerID == "" {
		return paymentdomain.ErrPaymentMethodNotFound
	}
	if err := s.ensureOwnedMethod(ctx, *user.PaymentCustomerID, paymentMethodID); err != nil {
		return err
	}
	if err := s.gateway.DetachPaymentMethod(ctx, paymentMethodID); err != nil {
		return err
	}

	if user.DefaultPaymentMethodID != nil && *user.DefaultPaymentMethodID == paymentMethodID {
		if err := s.users.UpdateFields(ctx, user.ID, map[string]any{"default_payment_method_id": nil}); err != nil {
			return err
		}
	}
	affected, err := s.subscriptions.DetachPaymentMethod(ctx, user.ID, paymentMethodID)
	if err != nil {
		return err
	}
	s.log.Info("payment method detached",
		zap.String("user_id", user.ID.String()),
		zap.String("payment_method_id", paymentMethodID),
		zap.Int64("subscriptions_updated", affected),
	)
	return nil
}

// AdoptDefaultPaymentMethod sets the default only when the user has none.
func (s *Service) AdoptDefaultPaymentMethod(ctx context.Context, userID snowflake.ID, paymentMethodID string) error {
	paymentMethodID = strings.TrimSpace(paymentMethodID)
	if paymentMethodID == "" {
		return nil
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.DefaultPaymentMethodID != nil && *user.DefaultPaymentMethodID != "" {
		return nil
	}
	return s.users.UpdateFields(ctx, user.ID, map[string]any{"default_payment_method_id": paymentMethodID})
}

func (s *Service) ensureOwnedMethod(ctx context.Context, customerID, paymentMethodID string) error {
	methods, err := s.gateway.ListPaymentMethods(ctx, customerID)
	if err != nil {
		return err
	}
	for _, method := range methods {
		if method.ID == paymentMethodID {
			return nil
		}
	}
	return paymentdomain.ErrPaymentMethodNotFound
}
