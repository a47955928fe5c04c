// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package configmanager

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvValue lists the types an environment variable can be read as.
type EnvValue interface {
	string | int | uint | float64 | bool | time.Duration
}

// GetEnvVar reads name as T. When the variable is unset, defaultValue is
// returned, or an error when defaultValue is nil. The optional check runs on
// the final value, whether it came from the environment or the default.
//
//	port, err := configmanager.GetEnvVar[int]("DIAG_ENGINE_METRICS_PORT", &cfg.MetricsPort, nil)
func GetEnvVar[T EnvValue](name string, defaultValue *T, check func(T) error) (T, error) {
	var value T

	raw, exists := os.LookupEnv(name)

	switch {
	case exists:
		parsed, err := parseValue[T](raw)
		if err != nil {
			return value, fmt.Errorf("error converting %s: %w", name, err)
		}

		value = parsed
	case defaultValue != nil:
		value = *defaultValue
	default:
		return value, fmt.Errorf("environment variable %s is not set", name)
	}

	if check != nil {
		if err := check(value); err != nil {
			return value, fmt.Errorf("validation failed for %s: %w", name, err)
		}
	}

	return value, nil
}

// Override replaces *target with the value of name when the variable is set
// and non-empty.
func Override[T EnvValue](target *T, name string) error {
	if raw, ok := os.LookupEnv(name); !ok || raw == "" {
		return nil
	}

	v, err := GetEnvVar[T](name, target, nil)
	if err != nil {
		return err
	}

	*target = v

	return nil
}

func parseValue[T EnvValue](raw string) (T, error) {
	var zero T

	raw = strings.TrimSpace(raw)

	var (
		v   any
		err error
	)

	switch any(zero).(type) {
	case string:
		v = raw
	case int:
		v, err = strconv.Atoi(raw)
	case uint:
		var n uint64
		n, err = strconv.ParseUint(raw, 10, 0)
		v = uint(n)
	case float64:
		v, err = strconv.ParseFloat(raw, 64)
	case bool:
		v, err = parseBool(raw)
	case time.Duration:
		v, err = time.ParseDuration(raw)
	}

	if err != nil {
		return zero, err
	}

	return v.(T), nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s (must be 'true' or 'false')", raw)
	}
}
