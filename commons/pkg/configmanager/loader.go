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

// Package configmanager loads daemon configuration from TOML files and
// environment variables.
package configmanager

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadTOMLConfig decodes the TOML file at path into config, which should
// already hold the defaults. Keys that match no field are rejected, and the
// result is checked against the `validate` struct tags.
//
//	type Config struct {
//	    SocketPath  string `toml:"socket_path" validate:"required"`
//	    MetricsPort int    `toml:"metrics_port" validate:"min=1,max=65535"`
//	}
//
//	cfg := Config{MetricsPort: 2112}
//	err := configmanager.LoadTOMLConfig("/etc/diag-engine/config.toml", &cfg)
func LoadTOMLConfig[T any](path string, config *T) error {
	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	if err := Validate(config); err != nil {
		return fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return nil
}

// Validate checks config against its `validate` struct tags and reports
// every violated field.
func Validate(config any) error {
	err := validate.Struct(config)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	var result *multierror.Error

	for _, fe := range fieldErrs {
		result = multierror.Append(result, fieldError(fe))
	}

	return result.ErrorOrNil()
}

func fieldError(fe validator.FieldError) error {
	if fe.Param() != "" {
		return fmt.Errorf("%s: value %v fails %s=%s", fe.Namespace(), fe.Value(), fe.Tag(), fe.Param())
	}

	return fmt.Errorf("%s: value %v fails %s", fe.Namespace(), fe.Value(), fe.Tag())
}
