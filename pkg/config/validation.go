/*
Copyright 2024 Open Defense Cloud Authors.

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

package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator provides configuration validation.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Required validates that a string field is not empty.
func (v *Validator) Required(field, value string) *Validator {
	if strings.TrimSpace(value) == "" {
		v.errors = append(v.errors, ValidationError{
			Field:   field,
			Message: "is required",
		})
	}
	return v
}

// InRange validates that an integer is within the specified range.
func (v *Validator) InRange(field string, value, min, max int) *Validator {
	if value < min || value > max {
		v.errors = append(v.errors, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %d and %d", min, max),
		})
	}
	return v
}

// FloatInRange validates that a float is within the specified range.
func (v *Validator) FloatInRange(field string, value, min, max float64) *Validator {
	if value < min || value > max {
		v.errors = append(v.errors, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %f and %f", min, max),
		})
	}
	return v
}

// OneOf validates that a string is one of the allowed values.
func (v *Validator) OneOf(field, value string, allowed []string) *Validator {
	for _, a := range allowed {
		if value == a {
			return v
		}
	}
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	})
	return v
}

// PositiveDuration validates that a duration is greater than zero.
func (v *Validator) PositiveDuration(field string, value time.Duration) *Validator {
	if value <= 0 {
		v.errors = append(v.errors, ValidationError{
			Field:   field,
			Message: "must be a positive duration",
		})
	}
	return v
}

// Custom runs a custom validation function.
func (v *Validator) Custom(field string, validate func() error) *Validator {
	if err := validate(); err != nil {
		v.errors = append(v.errors, ValidationError{
			Field:   field,
			Message: err.Error(),
		})
	}
	return v
}

// Errors returns all validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

// Validate returns an error if there are any validation errors, nil otherwise.
func (v *Validator) Validate() error {
	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// Validate reports every invalid field of the configuration at once.
func (c Config) Validate() error {
	v := NewValidator()

	v.Required("service.name", c.Service.Name)
	v.OneOf("logging.level", c.Logging.Level, []string{"debug", "info", "warn", "error"})
	v.OneOf("logging.format", c.Logging.Format, []string{"json", "console"})

	v.InRange("server.port", c.Server.Port, 0, 65535)
	v.PositiveDuration("server.readTimeout", c.Server.ReadTimeout)
	v.PositiveDuration("server.readHeaderTimeout", c.Server.ReadHeaderTimeout)
	v.PositiveDuration("server.writeTimeout", c.Server.WriteTimeout)
	v.Custom("server.readHeaderTimeout", func() error {
		if c.Server.ReadHeaderTimeout > c.Server.ReadTimeout {
			return fmt.Errorf("must not exceed server.readTimeout")
		}
		return nil
	})

	if c.Telemetry.Enabled {
		v.Required("telemetry.endpoint", c.Telemetry.Endpoint)
		v.OneOf("telemetry.protocol", c.Telemetry.Protocol, []string{"grpc", "http"})
	}
	v.FloatInRange("telemetry.sampleRate", c.Telemetry.SampleRate, 0.0, 1.0)
	v.OneOf("telemetry.metricsExporter", c.Telemetry.MetricsExporter, []string{"otlp", "prometheus", "none"})
	if c.Telemetry.MetricsExporter == "otlp" {
		v.PositiveDuration("telemetry.exportInterval", c.Telemetry.ExportInterval)
	}

	v.PositiveDuration("shutdown.teardownTimeout", c.Shutdown.TeardownTimeout)

	return v.Validate()
}
