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

// Package mdmconst holds the well-known, bit-stable identifiers for
// the MDM relationship kinds, classifications, and tags. These values
// must never change across implementations: they are read from
// persisted relationship rows and compared by value.
package mdmconst

import "github.com/google/uuid"

// RelationshipType enumerates the MDM relationship kinds under MDM
// control (§3, "Relationship type set under MDM control").
type RelationshipType uuid.UUID

// String renders the canonical form.
func (r RelationshipType) String() string { return uuid.UUID(r).String() }

// MarshalText renders the canonical string form for JSON encoding.
func (r RelationshipType) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText parses the canonical string form.
func (r *RelationshipType) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return err
	}
	*r = RelationshipType(u)
	return nil
}

// Well-known relationship type identifiers. Values are fixed and must
// be bit-stable across implementations.
var (
	MasterRecord         = mustType("97730a52-7e30-4dcd-94cd-fd532d111578")
	Candidate            = mustType("56cfb115-8207-4f89-b52e-d20dbad8f8cc")
	IgnoreCandidate      = mustType("decfb115-8207-4f89-b52e-d20dbad8f8cc")
	MasterRecordOfTruth  = mustType("1c778948-2cb6-4696-bc04-4a6eca140c20")
	OriginalMaster       = mustType("a2837281-7e30-4dcd-94cd-fd532d111578")
	Replaces             = mustType("a2837281-7e30-4dcd-94cd-fd532d111579")
)

// Classification enumerates how an MDM relationship was established.
type Classification uuid.UUID

// String renders the canonical form.
func (c Classification) String() string { return uuid.UUID(c).String() }

// MarshalText renders the canonical string form for JSON encoding.
func (c Classification) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText parses the canonical string form.
func (c *Classification) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return err
	}
	*c = Classification(u)
	return nil
}

// Well-known classification identifiers.
var (
	MasterRecordClassification = mustClassification("49328452-7e30-4dcd-94cd-fd532d111578")
	Automagic                  = mustClassification("4311e243-fcdf-43d0-9905-41fd231b1b51")
	Verified                   = mustClassification("3b9365ba-c229-44c4-95ae-6489809a33f0")
	System                     = mustClassification("253bed89-1c83-4723-af14-71cd83f4b249")
)

// RecordOfTruthDeterminer identifies the determiner value that marks a
// LOCAL as a curated Record-of-Truth.
var RecordOfTruthDeterminer = mustType("6b1d6764-12be-42dc-a5dc-52fc275c4935")

// IdentityConfiguration is the well-known configuration id used by the
// built-in identity matcher.
const IdentityConfiguration = "$identity"

// Tag names recognized by the interceptor and query synthesizer.
const (
	TagMdmType             = "$mdm.type"
	TagMdmProcessed         = "$mdm.processed"
	TagMdmResource          = "$mdm.resource"
	TagMdmRecordOfTruth     = "$mdm.rot"
	TagMdmRelationshipClass = "$mdm.relationship.class"
	TagMdmAutoLink          = "$mdm.auto-link"
	TagGenerated            = "$generated"
	TagMatchScore           = "$match.score"
)

// MdmType is the value of the $mdm.type tag.
type MdmType string

// Recognized $mdm.type tag values.
const (
	MdmTypeLocal   MdmType = "L"
	MdmTypeMaster  MdmType = "M"
	MdmTypeTrusted MdmType = "T"
)

func mustType(s string) RelationshipType {
	return RelationshipType(uuid.MustParse(s))
}

func mustClassification(s string) Classification {
	return Classification(uuid.MustParse(s))
}
