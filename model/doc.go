// Package model defines the core data types shared across tiermem packages:
// the storage tiers, content types, compression codec tags, and the Item
// record with its scoring metadata snapshot.
package model
