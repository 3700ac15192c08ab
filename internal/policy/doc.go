// Package policy holds the vocabulary shared by every part of the policy
// engine: app identities, the firewall and connection modes an app can be
// in, network metering, verdicts, and the error taxonomy returned by
// mutating operations.
//
// Every enum is a closed set with a stable string form. Parsing an unknown
// string is an error; there is no positional or integer lookup.
package policy
