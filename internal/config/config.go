package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
)

type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	default:
		return errors.New("invalid duration")
	}
}

type Configuration struct {
	Endpoint          string     `json:"endpoint" validate:"required,url"`
	EndpointTimeout   Duration   `json:"endpointTimeout" validate:"gt=0"`
	Retries           int        `json:"retries" validate:"gte=0,lte=10"`
	RetryDelay        Duration   `json:"retryDelay" validate:"gte=0"`
	UserAgent         string     `json:"userAgent"`
	MaxAttachmentSize int64      `json:"maxAttachmentSize" validate:"gt=0"`
	MaxDecodedSize    int64      `json:"maxDecodedSize" validate:"gt=0"`
	MaxXMLDepth       int        `json:"maxXMLDepth" validate:"gt=0"`
	FetchInterval     Duration   `json:"fetchInterval" validate:"gt=0"`
	BatchSize         int        `json:"batchSize" validate:"gt=0"`
	ImapConfig        IMAPConfig `json:"imap"`
	ResolveSourceIPs  bool       `json:"resolveSourceIPs"`
	DNSServer         string     `json:"dnsServer" validate:"omitempty,hostname_port"`
	DNSConnectTimeout Duration   `json:"dnsConnectTimeout" validate:"gt=0"`
	DNSTimeout        Duration   `json:"dnsTimeout" validate:"gt=0"`
	DNSCacheTimeout   Duration   `json:"dnsCacheTimeout" validate:"gt=0"`
	MetricsListen     string     `json:"metricsListen" validate:"omitempty,hostname_port"`
}

// IMAPConfig is only needed when polling a mailbox. Once a host is set the
// credentials and folder become mandatory.
type IMAPConfig struct {
	Host       string   `json:"host" validate:"omitempty,hostname_port"`
	SSL        bool     `json:"ssl"`
	User       string   `json:"user" validate:"required_with=Host"`
	Pass       string   `json:"pass" validate:"required_with=Host"`
	Folder     string   `json:"folder" validate:"required_with=Host"`
	IgnoreCert bool     `json:"ignoreCert"`
	Timeout    Duration `json:"timeout" validate:"gte=0"`
}

// Defaults returns the configuration values used for every field the
// config file does not set.
func Defaults() Configuration {
	return Configuration{
		EndpointTimeout:   Duration{Duration: 30 * time.Second},
		Retries:           1,
		RetryDelay:        Duration{Duration: 1 * time.Second},
		MaxAttachmentSize: 15 * 1024 * 1024,
		MaxDecodedSize:    20 * 1024 * 1024,
		MaxXMLDepth:       64,
		FetchInterval:     Duration{Duration: 1 * time.Hour},
		BatchSize:         30,
		ImapConfig: IMAPConfig{
			SSL:     true,
			Folder:  "INBOX",
			Timeout: Duration{Duration: 30 * time.Second},
		},
		DNSConnectTimeout: Duration{Duration: 1 * time.Second},
		DNSTimeout:        Duration{Duration: 10 * time.Second},
		DNSCacheTimeout:   Duration{Duration: 1 * time.Hour},
	}
}

func GetConfig(defaults Configuration, f string) (*Configuration, error) {
	if f == "" {
		return nil, fmt.Errorf("please provide a valid config file")
	}

	b, err := os.ReadFile(f) // nolint: gosec
	if err != nil {
		return nil, err
	}
	reader := bytes.NewReader(b)

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err = decoder.Decode(&defaults); err != nil {
		return nil, err
	}

	if err := defaults.Validate(); err != nil {
		return nil, err
	}

	return &defaults, nil
}

// Validate checks every field and returns all violations at once.
func (c Configuration) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
		if d, ok := v.Interface().(Duration); ok {
			return int64(d.Duration)
		}
		return nil
	}, Duration{})

	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	var result *multierror.Error
	for _, e := range validationErrors {
		result = multierror.Append(result, fmt.Errorf("invalid value for %s: failed on %q", e.Namespace(), e.Tag()))
	}
	return result.ErrorOrNil()
}
