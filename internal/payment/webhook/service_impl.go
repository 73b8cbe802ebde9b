package webhook

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	"github.com/smallbiznis/tierline/internal/clock"
	"github.com/smallbiznis/tierline/internal/observability/metrics"
	"github.com/smallbiznis/tierline/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Adapters      *adapters.Registry
	Repo          paymentdomain.Repository
	PaymentSvc    paymentdomain.Service
	Subscriptions subscriptiondomain.Service
	Users         authdomain.Repository
	Metrics       *metrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	adapters      *adapters.Registry
	repo          paymentdomain.Repository
	paymentSvc    paymentdomain.Service
	subscriptions subscriptiondomain.Service
	users         authdomain.Repository
	metrics       *metrics.Metrics
}

func NewService(p Params) paymentdomain.WebhookService {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payment.webhook"),
		genID:         p.GenID,
		clock:         p.Clock,
		adapters:      p.Adapters,
		repo:          p.Repo,
		paymentSvc:    p.PaymentSvc,
		subscriptions: p.Subscriptions,
		users:         p.Users,
		metrics:       p.Metrics,
	}
}

// IngestWebhook verifies the payload, records it in the inbox and applies it.
// A processed event is a no-op. A failed one stays unprocessed so the
// processor's redelivery retries it.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, signature string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	gateway, err := s.adapters.Gateway(provider)
	if err != nil {
		return err
	}

	event, err := gateway.ParseWebhook(payload, signature)
	if err != nil {
		s.metrics.RecordPaymentEvent(ctx, provider, "unknown", "rejected")
		return err
	}
	if event.Type == paymentdomain.EventIgnored {
		s.log.Debug("payment webhook ignored",
			zap.String("event_id", event.ID),
			zap.String("type", event.RawType),
		)
		s.metrics.RecordPaymentEvent(ctx, provider, event.RawType, "ignored")
		return nil
	}

	now := s.clock.Now()
	record := &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}
	if userID, ok := metadataUserID(event.Metadata); ok {
		record.UserID = &userID
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return err
	}
	if !inserted {
		stored, err := s.repo.FindEvent(ctx, s.db, provider, event.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			return paymentdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			s.metrics.RecordPaymentEvent(ctx, provider, string(event.Type), "duplicate")
			return nil
		}
		record = stored
	}

	if err := s.dispatch(ctx, event); err != nil {
		s.metrics.RecordPaymentEvent(ctx, provider, string(event.Type), "failed")
		s.log.Error("payment webhook processing failed",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
		return err
	}
	if err := s.repo.MarkProcessed(ctx, s.db, record.ID, s.clock.Now()); err != nil {
		return err
	}
	s.metrics.RecordPaymentEvent(ctx, provider, string(event.Type), "processed")
	s.log.Info("payment webhook processed",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
	)
	return nil
}

func (s *Service) dispatch(ctx context.Context, event *paymentdomain.Event) error {
	switch event.Type {
	case paymentdomain.EventCheckoutCompleted, paymentdomain.EventPaymentSucceeded:
		return s.applySucceeded(ctx, event)
	case paymentdomain.EventPaymentFailed:
		return s.applyFailed(ctx, event)
	case paymentdomain.EventPaymentMethodAttached, paymentdomain.EventSetupIntentSucceeded:
		return s.adoptMethod(ctx, event)
	default:
		return nil
	}
}

func (s *Service) applySucceeded(ctx context.Context, event *paymentdomain.Event) error {
	switch event.Metadata[paymentdomain.MetaType] {
	case paymentdomain.PurposeRenewal:
		subID, err := snowflake.ParseString(strings.TrimSpace(event.Metadata[paymentdomain.MetaSubscriptionID]))
		if err != nil || subID == 0 {
			return paymentdomain.ErrInvalidMetadata
		}
		_, err = s.subscriptions.ApplyRenewalSuccess(ctx, subscriptiondomain.RenewalSuccess{
			SubscriptionID:  subID,
			PaymentIntentID: event.PaymentIntentID,
			PaymentMethodID: event.PaymentMethodID,
			Amount:          event.Amount,
			Currency:        event.Currency,
		})
		return err
	case paymentdomain.PurposeCheckout:
		_, err := s.paymentSvc.ApplyPaidCheckout(ctx, paymentdomain.PaidCheckout{
			PaymentIntentID: event.PaymentIntentID,
			PaymentMethodID: event.PaymentMethodID,
			Amount:          event.Amount,
			Currency:        event.Currency,
			Metadata:        event.Metadata,
			Source:          subscriptiondomain.SourceWebhook,
		})
		if errors.Is(err, paymentdomain.ErrPaymentIntentRequired) {
			s.log.Warn("paid checkout without payment intent", zap.String("event_id", event.ID))
			return nil
		}
		return err
	default:
		s.log.Debug("payment without subscription metadata", zap.String("event_id", event.ID))
		return nil
	}
}

func (s *Service) applyFailed(ctx context.Context, event *paymentdomain.Event) error {
	if event.Metadata[paymentdomain.MetaType] != paymentdomain.PurposeRenewal {
		s.log.Info("customer-present payment failed",
			zap.String("event_id", event.ID),
			zap.String("payment_intent_id", event.PaymentIntentID),
			zap.String("reason", event.FailureReason),
		)
		return nil
	}
	subID, err := snowflake.ParseString(strings.TrimSpace(event.Metadata[paymentdomain.MetaSubscriptionID]))
	if err != nil || subID == 0 {
		return paymentdomain.ErrInvalidMetadata
	}
	_, err = s.subscriptions.ApplyRenewalFailure(ctx, subscriptiondomain.RenewalFailure{
		SubscriptionID:  subID,
		PaymentIntentID: event.PaymentIntentID,
		Reason:          event.FailureReason,
	})
	return err
}

func (s *Service) adoptMethod(ctx context.Context, event *paymentdomain.Event) error {
	if event.CustomerID == "" || event.PaymentMethodID == "" {
		return nil
	}
	user, err := s.users.FindByPaymentCustomerID(ctx, event.CustomerID)
	if err != nil {
		return err
	}
	if user == nil {
		s.log.Warn("payment method for unknown customer", zap.String("customer_id", event.CustomerID))
		return nil
	}
	return s.paymentSvc.AdoptDefaultPaymentMethod(ctx, user.ID, event.PaymentMethodID)
}

func metadataUserID(metadata map[string]string) (snowflake.ID, bool) {
	raw := strings.TrimSpace(metadata[paymentdomain.MetaUserID])
	if raw == "" {
		return 0, false
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
