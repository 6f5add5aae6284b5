// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package validation validates API request structs with
// go-playground/validator v10.
//
// A single validator instance is shared process-wide; it caches struct
// metadata and reports fields by their JSON names. Custom tags:
//
//	source_type    a known data source type (google_ads, csv, ...)
//	schedule_kind  manual, interval, daily or weekly
//	project_role   owner, admin, editor or viewer
//	identifier     a safe SQL identifier fragment: letters, digits and
//	               underscores, not starting with a digit, at most 63 bytes
//
// Failures come back as *RequestValidationError, which the API renders as
// a VALIDATION_ERROR response:
//
//	if verr := validation.ValidateStruct(&req); verr != nil {
//	    apiErr := verr.ToAPIError()
//	    ...
//	}
package validation
