package domain

import (
	"fmt"
	"net/url"
	"time"
)

// WebhookStatus is the observed health of a webhook, derived from delivery
// outcomes. It is distinct from IsActive, which is the operator's on/off switch.
type WebhookStatus string

const (
	WebhookStatusActive   WebhookStatus = "active"
	WebhookStatusInactive WebhookStatus = "inactive"
	WebhookStatusError    WebhookStatus = "error"
	WebhookStatusTesting  WebhookStatus = "testing"
)

type AuthType string

const (
	AuthTypeNone   AuthType = "none"
	AuthTypeBasic  AuthType = "basic"
	AuthTypeBearer AuthType = "bearer"
	AuthTypeCustom AuthType = "custom"
)

// Header is one outbound header. Headers are kept as an ordered list rather
// than a map because some receivers are sensitive to header order.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AuthConfig carries the credentials for the webhook's AuthType.
// Only the fields relevant to the configured type are used.
type AuthConfig struct {
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
	CustomHeaders []Header `json:"custom_headers,omitempty"`
}

// RetryConfig is the per-webhook backoff policy. Delays are milliseconds.
type RetryConfig struct {
	MaxRetries        int     `json:"max_retries"`
	RetryDelayMS      int     `json:"retry_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxRetryDelayMS   int     `json:"max_retry_delay_ms"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        4,
		RetryDelayMS:      1000,
		BackoffMultiplier: 2.0,
		MaxRetryDelayMS:   300000,
	}
}

// InitialDelay returns the first retry delay as a duration.
func (c RetryConfig) InitialDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// MaxDelay returns the retry delay ceiling as a duration.
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxRetryDelayMS) * time.Millisecond
}

type RateLimitConfig struct {
	Enabled           bool `json:"enabled"`
	RequestsPerMinute int  `json:"requests_per_minute"`
	BurstLimit        int  `json:"burst_limit"`
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Enabled: false, RequestsPerMinute: 60, BurstLimit: 10}
}

type FilterOperator string

const (
	FilterOperatorEquals     FilterOperator = "equals"
	FilterOperatorContains   FilterOperator = "contains"
	FilterOperatorStartsWith FilterOperator = "starts_with"
	FilterOperatorEndsWith   FilterOperator = "ends_with"
	FilterOperatorRegex      FilterOperator = "regex"
)

func (op FilterOperator) Valid() bool {
	switch op {
	case FilterOperatorEquals, FilterOperatorContains, FilterOperatorStartsWith,
		FilterOperatorEndsWith, FilterOperatorRegex:
		return true
	}
	return false
}

// FilterCondition matches one payload field against a value.
// Field is a dotted path into the JSON payload ("order.customer.tier").
type FilterCondition struct {
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator"`
	Value    string         `json:"value"`
}

type FilterConfig struct {
	Enabled    bool              `json:"enabled"`
	Conditions []FilterCondition `json:"conditions,omitempty"`
}

// WebhookStats are rolled-up delivery counters maintained by the stats
// aggregator. The average is an incremental mean and is eventually consistent
// under concurrent updates.
type WebhookStats struct {
	TotalDeliveries       int64      `json:"total_deliveries"`
	SuccessfulDeliveries  int64      `json:"successful_deliveries"`
	FailedDeliveries      int64      `json:"failed_deliveries"`
	LastDeliveryAt        *time.Time `json:"last_delivery_at,omitempty"`
	LastSuccessAt         *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt         *time.Time `json:"last_failure_at,omitempty"`
	AverageResponseTimeMS float64    `json:"average_response_time_ms"`
}

// LastError is a diagnostic snapshot of the most recent delivery failure.
type LastError struct {
	Message    string    `json:"message"`
	StatusCode *int      `json:"status_code,omitempty"`
	Body       *string   `json:"body,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Webhook is a subscription: where to send which events, how to
// authenticate, and how hard to try.
type Webhook struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	URL    string   `json:"url"`
	Method string   `json:"method"`
	Events []string `json:"events"`

	Secret     *string    `json:"secret,omitempty"`
	AuthType   AuthType   `json:"auth_type"`
	AuthConfig AuthConfig `json:"auth_config"`

	Retry     RetryConfig     `json:"retry_config"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Filters   FilterConfig    `json:"filters"`
	Headers   []Header        `json:"headers,omitempty"`

	IsActive bool          `json:"is_active"`
	Status   WebhookStatus `json:"status"`

	Stats     WebhookStats `json:"stats"`
	LastError *LastError   `json:"last_error,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubscribesTo reports whether the webhook is subscribed to the event name.
// A trailing "*" in a subscription entry matches any suffix, and a bare "*"
// matches every event.
func (w *Webhook) SubscribesTo(event string) bool {
	for _, e := range w.Events {
		if e == "*" || e == event {
			return true
		}
		if n := len(e); n > 0 && e[n-1] == '*' {
			prefix := e[:n-1]
			if len(event) >= len(prefix) && event[:len(prefix)] == prefix {
				return true
			}
		}
	}
	return false
}

// MaxAttempts is the total attempt budget for a delivery, counting the
// initial attempt plus MaxRetries retries.
func (w *Webhook) MaxAttempts() int {
	return w.Retry.MaxRetries + 1
}

// Validate checks the configuration invariants. It is called synchronously
// on register and update; it never performs network I/O.
func (w *Webhook) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidInput)
	}
	if w.IsActive && len(w.Events) == 0 {
		return fmt.Errorf("%w: an active webhook must subscribe to at least one event", ErrInvalidInput)
	}
	switch w.AuthType {
	case AuthTypeNone:
	case AuthTypeBasic:
		if w.AuthConfig.Username == "" {
			return fmt.Errorf("%w: basic auth requires a username", ErrInvalidInput)
		}
	case AuthTypeBearer:
		if w.AuthConfig.Token == "" {
			return fmt.Errorf("%w: bearer auth requires a token", ErrInvalidInput)
		}
	case AuthTypeCustom:
		if len(w.AuthConfig.CustomHeaders) == 0 {
			return fmt.Errorf("%w: custom auth requires at least one header", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown auth type %q", ErrInvalidInput, w.AuthType)
	}
	if w.Retry.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidInput)
	}
	if w.Retry.RetryDelayMS <= 0 {
		return fmt.Errorf("%w: retry_delay_ms must be > 0", ErrInvalidInput)
	}
	if w.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff_multiplier must be >= 1", ErrInvalidInput)
	}
	if w.Retry.MaxRetryDelayMS < w.Retry.RetryDelayMS {
		return fmt.Errorf("%w: max_retry_delay_ms must be >= retry_delay_ms", ErrInvalidInput)
	}
	if w.RateLimit.Enabled {
		if w.RateLimit.RequestsPerMinute <= 0 {
			return fmt.Errorf("%w: requests_per_minute must be > 0", ErrInvalidInput)
		}
		if w.RateLimit.BurstLimit < 1 {
			return fmt.Errorf("%w: burst_limit must be >= 1", ErrInvalidInput)
		}
	}
	if w.Filters.Enabled {
		for i, c := range w.Filters.Conditions {
			if c.Field == "" {
				return fmt.Errorf("%w: filter condition %d has no field", ErrInvalidInput, i)
			}
			if !c.Operator.Valid() {
				return fmt.Errorf("%w: filter condition %d has unknown operator %q", ErrInvalidInput, i, c.Operator)
			}
		}
	}
	return nil
}
