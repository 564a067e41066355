/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package settings loads the process-wide metering configuration: which
// periods are aggregated, which event types exist and with which operator,
// and where completed aggregations are delivered. Settings are immutable
// after load and passed by value.
package settings

import (
	"fmt"
	"net/url"

	"github.com/samber/lo"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/metering"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/operators"
)

// EventConfig declares the reduction operator for one event type.
type EventConfig struct {
	Op operators.Operator `mapstructure:"op" json:"op"`
}

// WebhookConfig is one delivery target for completed aggregations.
type WebhookConfig struct {
	URL     string `mapstructure:"url" json:"url"`
	Secret  string `mapstructure:"secret" json:"secret"`
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
}

type Settings struct {
	Periods  []metering.PeriodType  `mapstructure:"periods" json:"periods"`
	Events   map[string]EventConfig `mapstructure:"events" json:"events"`
	Webhooks []WebhookConfig        `mapstructure:"webhooks" json:"webhooks"`
}

// Load reads and validates the settings file (yaml or json, decided by
// extension). Unknown operators and period types fail here, not at
// aggregation time.
func Load(path string) (Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Settings{}, fmt.Errorf("reading settings file %q, %w", path, err)
	}
	s := Settings{}
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("unmarshalling settings, %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("validating settings, %w", err)
	}
	return s, nil
}

func (s Settings) Validate() (err error) {
	for _, p := range s.Periods {
		if !lo.Contains(metering.PeriodTypes, p) {
			err = multierr.Append(err, fmt.Errorf("unknown period type %q", p))
		}
	}
	for eventType, cfg := range s.Events {
		if eventType == "" {
			err = multierr.Append(err, fmt.Errorf("event type may not be empty"))
		}
		if _, parseErr := operators.Parse(string(cfg.Op)); parseErr != nil {
			err = multierr.Append(err, fmt.Errorf("event type %q, %w", eventType, parseErr))
		}
	}
	for i, hook := range s.Webhooks {
		target, parseErr := url.Parse(hook.URL)
		if parseErr != nil || !target.IsAbs() || target.Hostname() == "" {
			err = multierr.Append(err, fmt.Errorf("webhook[%d] url %q is not a valid absolute URL", i, hook.URL))
		}
		if hook.Enabled && hook.Secret == "" {
			err = multierr.Append(err, fmt.Errorf("webhook[%d] is enabled but has no secret", i))
		}
	}
	return err
}

// EnabledWebhooks returns the webhooks that should receive deliveries, in
// configured order.
func (s Settings) EnabledWebhooks() []WebhookConfig {
	return lo.Filter(s.Webhooks, func(hook WebhookConfig, _ int) bool { return hook.Enabled })
}

// OperatorFor returns the configured operator for an event type.
func (s Settings) OperatorFor(eventType string) (operators.Operator, bool) {
	cfg, ok := s.Events[eventType]
	return cfg.Op, ok
}

// Redacted returns a copy safe to expose over HTTP: webhook secrets are
// masked.
func (s Settings) Redacted() Settings {
	out := s
	out.Webhooks = lo.Map(s.Webhooks, func(hook WebhookConfig, _ int) WebhookConfig {
		if hook.Secret != "" {
			hook.Secret = "***"
		}
		return hook
	})
	return out
}
