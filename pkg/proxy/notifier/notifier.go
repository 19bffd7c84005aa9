// Package notifier fans job state transitions out to the notification
// methods named in a task's effective policy. Each method registers itself
// from init, the hub builds the ones whose transports are configured and
// dispatches to them best effort: a failing method is logged and counted,
// never propagated back to the state write path.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/base"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/catalog"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
)

// Notification methods known to the proxy. The names double as wire tags in
// catalog entries and task documents.
const (
	MethodEmail    = "email"
	MethodGmail    = "gmail"
	MethodSlack    = "slack"
	MethodRabbitMQ = "rabbitmq"
	MethodTest     = "test"
)

var (
	// ErrNotConfigured is returned by factories whose transport settings are
	// missing. The hub skips these methods instead of failing startup.
	ErrNotConfigured = errors.New("notification method not configured")

	// ErrInvalidParams is returned when a parameter bag fails validation.
	ErrInvalidParams = errors.New("invalid notification parameters")
)

// Notifier sends one message over one notification method. The parameter bag
// carries addressing only, msg is always the payload.
type Notifier interface {
	Notify(ctx context.Context, msg string, params models.Generic) error
}

var factories = make(map[string]func(config *Config, logger *slog.Logger) (Notifier, error))

// Register adds a notification method to the factory. It is meant to be
// called from the init function of the method implementation.
func Register(method string, factory func(config *Config, logger *slog.Logger) (Notifier, error)) {
	factories[method] = factory
}

// SMTPConfig carries the SMTP transport settings of the email method.
type SMTPConfig struct {
	Server   string
	Port     int
	Username string
	Password string
}

// GmailConfig carries the Gmail API settings of the gmail method.
type GmailConfig struct {
	CredentialsFile string
}

// SlackConfig carries the bot settings of the slack method.
type SlackConfig struct {
	BotToken string
	Channel  string
}

// RabbitMQConfig carries the broker settings of the rabbitmq method.
type RabbitMQConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string
}

// Config is the hub configuration: the catalog used to resolve effective
// notification policies plus the transport settings of the individual
// methods.
type Config struct {
	Logger     *slog.Logger
	Catalog    *catalog.Catalog
	Registerer prometheus.Registerer

	SMTP     SMTPConfig
	Gmail    GmailConfig
	Slack    SlackConfig
	RabbitMQ RabbitMQConfig
}

// Hub holds the configured notifiers and dispatches state transitions to
// them.
type Hub struct {
	logger    *slog.Logger
	catalog   *catalog.Catalog
	notifiers map[string]Notifier
	sent      *prometheus.CounterVec
}

// NewHub builds every registered notification method whose transport is
// configured. Methods without transport settings are skipped with a warning
// so a proxy can run with any subset of them.
func NewHub(c *Config) (*Hub, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	hub := &Hub{
		logger:    logger,
		catalog:   c.Catalog,
		notifiers: make(map[string]Notifier, len(factories)),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: base.MetricsNamespace,
			Name:      "notifications_total",
			Help:      "Notifications dispatched by method and outcome.",
		}, []string{"method", "outcome"}),
	}

	for method, factory := range factories {
		notifier, err := factory(c, logger.With("method", method))
		if err != nil {
			if errors.Is(err, ErrNotConfigured) {
				logger.Warn("Notification method not configured", "method", method)

				continue
			}

			return nil, fmt.Errorf("failed to create %s notifier: %w", method, err)
		}

		hub.notifiers[method] = notifier
	}

	if c.Registerer != nil {
		if err := c.Registerer.Register(hub.sent); err != nil {
			return nil, fmt.Errorf("failed to register notifier metrics: %w", err)
		}
	}

	logger.Info("Notification hub created", "methods", hub.Methods())

	return hub, nil
}

// Methods returns the names of the methods the hub can dispatch to, in
// lexical order.
func (h *Hub) Methods() []string {
	methods := make([]string, 0, len(h.notifiers))
	for method := range h.notifiers {
		methods = append(methods, method)
	}

	sort.Strings(methods)

	return methods
}

// TransitionMessage renders the notification text of one job state change.
func TransitionMessage(record *models.JobRecord, oldState, newState models.State) string {
	return fmt.Sprintf(
		"Job %d (task %q, uuid %s) transitioned %s -> %s",
		record.SlurmJobID, record.Task.Name, record.Task.UUID, oldState, newState,
	)
}

// Notify fans one state transition out to every method of the task's
// effective notification policy. Failures are logged and counted but never
// returned: a broken mail server must not stall the poller.
func (h *Hub) Notify(ctx context.Context, record *models.JobRecord, oldState, newState models.State) {
	policy, err := h.catalog.EffectivePolicy(&record.Task)
	if err != nil {
		h.logger.Error("Failed to resolve notification policy",
			"task", record.Task.Name, "slurm_job_id", record.SlurmJobID, "err", err)

		return
	}

	msg := TransitionMessage(record, oldState, newState)

	for _, method := range policy.Methods {
		notifier, ok := h.notifiers[method]
		if !ok {
			if _, known := factories[method]; known {
				h.logger.Warn("Notification method not configured",
					"method", method, "slurm_job_id", record.SlurmJobID)
			} else {
				h.logger.Error("Unknown notification method",
					"method", method, "slurm_job_id", record.SlurmJobID)
			}

			h.sent.WithLabelValues(method, "skipped").Inc()

			continue
		}

		if err := notifier.Notify(ctx, msg, methodParams(policy, method)); err != nil {
			h.logger.Error("Failed to send notification",
				"method", method, "slurm_job_id", record.SlurmJobID, "err", err)
			h.sent.WithLabelValues(method, "failed").Inc()

			continue
		}

		h.logger.Info("Notification sent", "method", method, "slurm_job_id", record.SlurmJobID)
		h.sent.WithLabelValues(method, "sent").Inc()
	}
}

// methodParams returns the parameter bag of one method. gmail reads the
// email bag when it has none of its own: both methods share the same
// addressing keys.
func methodParams(policy catalog.Policy, method string) models.Generic {
	bag := policy.Params[method]
	if method == MethodGmail && len(bag) == 0 {
		bag = policy.Params[MethodEmail]
	}

	return bag
}

// bagString reads a string value out of a parameter bag, falling back when
// the key is missing or holds a non string value.
func bagString(bag models.Generic, key, fallback string) string {
	if value, ok := bag[key]; ok {
		if s, ok := value.(string); ok {
			return s
		}
	}

	return fallback
}
