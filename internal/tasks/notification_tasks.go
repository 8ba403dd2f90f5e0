package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasttemplate"
	"gorm.io/gorm"

	"coliving_app_echo/internal/models"
	"coliving_app_echo/internal/services"
)

const SendPaymentNotificationTaskID = "send_payment_notification"

var errNotConfigured = errors.New("notification channel not configured")

// Message templates use {{tag}} placeholders filled by fasttemplate
const (
	completedTemplate = "Hi {{name}}, we received your payment of {{currency}} {{amount}} for {{property}} on {{payment_date}}. Reference: {{order_id}}."
	failedTemplate    = "Hi {{name}}, your payment of {{currency}} {{amount}} for {{property}} did not go through. Reference: {{order_id}}. You can retry from the app."
)

type PaymentFinder interface {
	FindByID(ctx context.Context, id uint) (*models.Payment, error)
}

type EmailSender interface {
	Configured() bool
	SendEmail(to []string, subject, body string) error
}

type WhatsappSender interface {
	Configured() bool
	SendMessage(chatID, text string) error
}

// SendPaymentNotificationArgs defines the arguments for a payment notification task
type SendPaymentNotificationArgs struct {
	PaymentID uint `json:"payment_id"`
}

// SendPaymentNotificationTaskDef delivers the receipt for a settled payment over
// the customer's preferred channel.
type SendPaymentNotificationTaskDef struct {
	payments  PaymentFinder
	customers services.CustomerStore
	bookings  services.BookingStore
	email     EmailSender
	whatsapp  WhatsappSender
}

func NewSendPaymentNotificationTask(payments PaymentFinder, customers services.CustomerStore, bookings services.BookingStore, email EmailSender, whatsapp WhatsappSender) *SendPaymentNotificationTaskDef {
	return &SendPaymentNotificationTaskDef{payments: payments, customers: customers, bookings: bookings, email: email, whatsapp: whatsapp}
}

func (t *SendPaymentNotificationTaskDef) TaskID() string {
	return SendPaymentNotificationTaskID
}

// CreateTask builds a ScheduledTask record for this task
func (t *SendPaymentNotificationTaskDef) CreateTask(args SendPaymentNotificationArgs) (*models.ScheduledTask, error) {
	return BuildScheduledTask(t.TaskID(), args, time.Now(), nil, models.ScheduledTaskTypeOneTime, 3)
}

func (t *SendPaymentNotificationTaskDef) HandleExecution(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
	var args SendPaymentNotificationArgs
	if err := decodeArgs(task, &args); err != nil {
		return nil, err
	}
	if args.PaymentID == 0 {
		return nil, fmt.Errorf("payment_id not provided")
	}

	p, err := t.payments.FindByID(ctx, args.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("load payment %d: %w", args.PaymentID, err)
	}
	if !p.Status.IsTerminal() {
		return map[string]interface{}{"status": "skipped", "reason": "payment not settled"}, nil
	}

	customer, err := t.customers.FindByID(ctx, p.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("load customer %d: %w", p.CustomerID, err)
	}
	pref, err := t.customers.NotifPreference(ctx, customer.ID)
	if err != nil {
		return nil, fmt.Errorf("load preference: %w", err)
	}

	subject, body := t.render(ctx, p, customer)

	switch pref.Channel {
	case models.NotificationChannelNone:
		slog.Info("Notification disabled (none)", "customer_id", customer.ID)
		return map[string]interface{}{"status": "skipped", "channel": pref.Channel}, nil
	case models.NotificationChannelWhatsapp:
		err = t.sendWhatsapp(customer, pref, body)
	default:
		err = t.sendEmail(customer, subject, body)
	}
	if err != nil {
		return nil, fmt.Errorf("send via %s: %w", pref.Channel, err)
	}

	return map[string]interface{}{"status": "sent", "channel": pref.Channel, "payment_id": p.ID}, nil
}

func (t *SendPaymentNotificationTaskDef) sendEmail(customer *models.Customer, subject, body string) error {
	if t.email == nil || !t.email.Configured() {
		return errNotConfigured
	}
	if customer.Email == "" {
		return fmt.Errorf("customer %d has no email", customer.ID)
	}
	return t.email.SendEmail([]string{customer.Email}, subject, body)
}

func (t *SendPaymentNotificationTaskDef) sendWhatsapp(customer *models.Customer, pref *models.CustomerNotifPreference, body string) error {
	if t.whatsapp == nil || !t.whatsapp.Configured() {
		return errNotConfigured
	}

	var chatID string
	if pref.WhatsappTargetType == models.WhatsappTargetTypeGroup {
		chatID = pref.WhatsappGroupID
		if chatID == "" {
			return fmt.Errorf("group ID is empty")
		}
		if !strings.HasSuffix(chatID, "@g.us") {
			chatID += "@g.us"
		}
	} else {
		chatID = customer.Phone
		if chatID == "" {
			return fmt.Errorf("customer %d has no phone number", customer.ID)
		}
	}
	return t.whatsapp.SendMessage(chatID, body)
}

func (t *SendPaymentNotificationTaskDef) render(ctx context.Context, p *models.Payment, customer *models.Customer) (string, string) {
	property := "your stay"
	if t.bookings != nil {
		if id, ok := services.BookingIDOf(p); ok {
			if b, err := t.bookings.FindByID(ctx, id); err == nil && b.PropertyName != "" {
				property = b.PropertyName
			}
		}
	}

	paymentDate := ""
	if p.PaymentDate != nil {
		paymentDate = p.PaymentDate.Format("02 Jan 2006")
	}

	tags := map[string]interface{}{
		"name":         customer.Name,
		"amount":       services.FromMinorUnits(p.TotalDue()),
		"currency":     p.Currency,
		"property":     property,
		"order_id":     p.MerchantOrderID,
		"payment_date": paymentDate,
		"status":       string(p.Status),
	}

	tmpl, subject := failedTemplate, "Payment failed"
	if p.Status == models.PaymentStatusCompleted {
		tmpl, subject = completedTemplate, "Payment received"
	}
	return subject, fasttemplate.ExecuteString(tmpl, "{{", "}}", tags)
}

// NotificationScheduler queues a notification task for each settled payment.
// Enqueue failures are logged and never reach the reconciliation path.
type NotificationScheduler struct {
	db  *gorm.DB
	def *SendPaymentNotificationTaskDef
}

func NewNotificationScheduler(db *gorm.DB) *NotificationScheduler {
	return &NotificationScheduler{db: db, def: &SendPaymentNotificationTaskDef{}}
}

func (s *NotificationScheduler) PaymentSettled(ctx context.Context, p *models.Payment) {
	if p == nil || !p.Status.IsTerminal() {
		return
	}

	task, err := s.def.CreateTask(SendPaymentNotificationArgs{PaymentID: p.ID})
	if err != nil {
		slog.Error("Failed to build notification task", "payment_id", p.ID, "error", err)
		return
	}
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Create(task).Error; err != nil {
		slog.Error("Failed to enqueue notification task", "payment_id", p.ID, "error", err)
		return
	}
	slog.Info("Payment notification queued", "payment_id", p.ID, "task_id", task.ID, "status", p.Status)
}
