// Package id generates time-ordered identifiers and the names derived from
// them, such as default consumer link names.
//
//	g := id.NewGenerator()
//	g.Next().String() // 32 hex characters
//	g.Name("link")    // "link-" + 16 base32 characters
package id
