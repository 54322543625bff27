// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package mdmerr defines the error kinds from §7: precondition
// violations, permission denials, orphan detection, matcher failures,
// persistence failures, and event cancellation.
package mdmerr

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/santedb/mdm/internal/model"
)

// ErrEventCancelled is returned when a business-rule hook or a
// merging-event subscriber cancels an operation. It carries no
// partial state.
var ErrEventCancelled = errors.New("mdm: event cancelled")

// ErrPermissionDenied is the sentinel wrapped by PermissionDeniedError.
var ErrPermissionDenied = errors.New("mdm: permission denied")

// PermissionDeniedError is returned by the policy enforcement
// collaborator (§6 Demand). The interceptor may retry once against a
// writable LOCAL before treating this as terminal (§7).
type PermissionDeniedError struct {
	PolicyID  string
	Principal string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("principal %q denied policy %q", e.Principal, e.PolicyID)
}

// Unwrap allows errors.Is(err, ErrPermissionDenied) to succeed.
func (e *PermissionDeniedError) Unwrap() error { return ErrPermissionDenied }

// PreconditionError reports a violated MDM precondition: a missing
// master for a LOCAL, master<->master or local<->local linking,
// promoting a RoT to a different master, merging non-master keys.
type PreconditionError struct {
	Message string
	Key     model.Key
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("mdm precondition violated for %s: %s", e.Key, e.Message)
}

// Precondition constructs a PreconditionError.
func Precondition(key model.Key, format string, args ...any) error {
	return &PreconditionError{Key: key, Message: fmt.Sprintf(format, args...)}
}

// OrphanDetected is a formal-constraint issue raised during
// validation when a LOCAL has zero or many current MasterRecord
// relationships. It is not itself a hard error (§7): it's surfaced to
// the caller, who decides what to do.
type OrphanDetected struct {
	LocalKey model.Key
	Count    int
}

func (e *OrphanDetected) Error() string {
	return fmt.Sprintf("local %s has %d current master relationships", e.LocalKey, e.Count)
}

// MatcherFailure wraps a failure from a single match configuration. A
// per-configuration failure is recoverable: the caller logs a warning
// and continues with the next configuration (§7).
type MatcherFailure struct {
	Configuration string
	Cause         error
}

func (e *MatcherFailure) Error() string {
	return fmt.Sprintf("matcher configuration %q failed: %v", e.Configuration, e.Cause)
}

func (e *MatcherFailure) Unwrap() error { return e.Cause }

// PersistenceFailure wraps a bundle persister failure. Per §7, the
// transaction is not retried automatically (at-most-once semantics).
type PersistenceFailure struct {
	Cause error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("bundle commit failed: %v", e.Cause)
}

func (e *PersistenceFailure) Unwrap() error { return e.Cause }

// TransactionError is the single wrapper type for any unrecoverable
// failure, carrying the offending record and the underlying cause
// (§7 "Propagation"). In-transaction partial results must be
// discarded by the caller before returning this.
type TransactionError struct {
	RecordKey model.Key
	Cause     error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("mdm transaction for %s failed: %v", e.RecordKey, e.Cause)
}

func (e *TransactionError) Unwrap() error { return e.Cause }

// Wrap constructs a TransactionError, discarding the caller's claim
// to any partial instruction list.
func Wrap(recordKey model.Key, cause error) error {
	if cause == nil {
		return nil
	}
	return &TransactionError{RecordKey: recordKey, Cause: cause}
}
