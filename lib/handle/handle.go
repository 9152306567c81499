// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package handle defines the identity values of the distributed object
// model.
//
// A service object lives in exactly one module process, the exporter,
// in a slot of that process's object table for a given port. Other
// processes refer to it with an [Instance]: the trait it implements,
// its slot token in the exporter's table, and the id of the importer's
// own port over which calls must travel. An Instance is inert data. It
// confers no ownership; the exporter frees the slot only when the
// importer sends an explicit delete.
//
// Trait and method ids are assigned at registration time and must
// decode to the same signature on both ends of a link.
package handle

import "fmt"

// PortID identifies one endpoint of a process-to-process link within a
// module's address space.
type PortID uint16

// TraitID identifies a registered service trait.
type TraitID uint16

// MethodID identifies a method within a trait.
type MethodID uint32

// ObjectID is a slot token in an exporter's object table.
type ObjectID uint32

// MethodDelete is reserved for the delete control message. Registered
// methods start at 1.
const MethodDelete MethodID = 0

// Instance identifies a remote service object. Equality is structural:
// two Instances are the same handle when all three fields match.
type Instance struct {
	// Trait is the trait the object was exported as.
	Trait TraitID `cbor:"trait"`

	// Object is the slot token in the exporter's table.
	Object ObjectID `cbor:"object"`

	// Port is the importer's port id for the link to the exporter.
	Port PortID `cbor:"port"`
}

// Less orders Instances by port, then trait, then object.
func (i Instance) Less(other Instance) bool {
	if i.Port != other.Port {
		return i.Port < other.Port
	}
	if i.Trait != other.Trait {
		return i.Trait < other.Trait
	}
	return i.Object < other.Object
}

func (i Instance) String() string {
	return fmt.Sprintf("handle(port=%d trait=%d object=%d)", i.Port, i.Trait, i.Object)
}
