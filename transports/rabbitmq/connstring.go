package rabbitmq

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/rabbitrpc/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrInvalidConnectionString is wrapped by every ParseConnectionString error
var ErrInvalidConnectionString = errors.New("rabbitmq: invalid connection string")

// ConnectionSettings is the outcome of ParseConnectionString
type ConnectionSettings struct {
	URI    amqp.URI
	Config amqp.Config

	// DialTimeout bounds one dial attempt; zero keeps the manager default
	DialTimeout time.Duration
	// ConnectionRetries caps reconnect attempts; negative retries forever
	ConnectionRetries int
	// ConnectionRetryDelay is the base delay between reconnect attempts; zero keeps the manager default
	ConnectionRetryDelay time.Duration
}

// URL renders the AMQP URL, credentials included
func (s ConnectionSettings) URL() string {
	return s.URI.String()
}

// ConnectionOptions translates the settings for a ConnectionManager
func (s ConnectionSettings) ConnectionOptions() []rabbitmq.ConnectionOption {
	options := []rabbitmq.ConnectionOption{
		rabbitmq.WithConfig(s.Config),
		rabbitmq.WithMaxRetries(s.ConnectionRetries),
	}
	if s.DialTimeout > 0 {
		options = append(options, rabbitmq.WithDialTimeout(s.DialTimeout))
	}
	if s.ConnectionRetryDelay > 0 {
		options = append(options, rabbitmq.WithReconnectDelay(s.ConnectionRetryDelay))
	}
	return options
}

// ParseConnectionString parses "key=value;key=value" settings, for example
//
//	host=localhost:5672;virtualHost=orders;username=app;password=secret;requestedHeartbeat=10
//
// Keys are case-insensitive. host is required. requestedHeartbeat is in
// seconds, timeout and connectionRetryDelay in milliseconds. product and
// platform are sent as client properties.
func ParseConnectionString(connectionString string) (ConnectionSettings, error) {
	settings := ConnectionSettings{
		URI: amqp.URI{
			Scheme:   "amqp",
			Port:     5672,
			Username: "guest",
			Password: "guest",
			Vhost:    "/",
		},
		Config: amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
		},
		ConnectionRetries: -1,
	}

	hostSeen := false
	for _, part := range strings.Split(connectionString, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return ConnectionSettings{}, fmt.Errorf("%w: expected key=value, got %q", ErrInvalidConnectionString, part)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		switch strings.ToLower(key) {
		case "host":
			if err := setHost(&settings.URI, value); err != nil {
				return ConnectionSettings{}, err
			}
			hostSeen = true
		case "virtualhost":
			settings.URI.Vhost = value
		case "username":
			settings.URI.Username = value
		case "password":
			settings.URI.Password = value
		case "requestedheartbeat":
			seconds, err := parseNonNegative(key, value)
			if err != nil {
				return ConnectionSettings{}, err
			}
			settings.Config.Heartbeat = time.Duration(seconds) * time.Second
		case "timeout":
			ms, err := parseNonNegative(key, value)
			if err != nil {
				return ConnectionSettings{}, err
			}
			settings.DialTimeout = time.Duration(ms) * time.Millisecond
			settings.Config.Dial = amqp.DefaultDial(settings.DialTimeout)
		case "product", "platform":
			if settings.Config.Properties == nil {
				settings.Config.Properties = amqp.Table{}
			}
			settings.Config.Properties[strings.ToLower(key)] = value
		case "connectionretries":
			retries, err := strconv.Atoi(value)
			if err != nil {
				return ConnectionSettings{}, fmt.Errorf("%w: %s must be an integer: %v", ErrInvalidConnectionString, key, err)
			}
			settings.ConnectionRetries = retries
		case "connectionretrydelay":
			ms, err := parseNonNegative(key, value)
			if err != nil {
				return ConnectionSettings{}, err
			}
			settings.ConnectionRetryDelay = time.Duration(ms) * time.Millisecond
		default:
			return ConnectionSettings{}, fmt.Errorf("%w: unknown option %q", ErrInvalidConnectionString, key)
		}
	}

	if !hostSeen {
		return ConnectionSettings{}, fmt.Errorf("%w: host is required", ErrInvalidConnectionString)
	}
	return settings, nil
}

func setHost(uri *amqp.URI, value string) error {
	if value == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidConnectionString)
	}

	host, port, err := net.SplitHostPort(value)
	if err != nil {
		// no port given
		uri.Host = value
		return nil
	}

	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("%w: invalid port %q", ErrInvalidConnectionString, port)
	}
	uri.Host = host
	uri.Port = n
	return nil
}

func parseNonNegative(key, value string) (int64, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer, got %q", ErrInvalidConnectionString, key, value)
	}
	return n, nil
}
