// Package directory resolves the broadcast recipients: messaging-group identifiers
// maintained in a spreadsheet (or a static list), filtered to well-formed group
// addresses and cached with an explicit TTL.
package directory
