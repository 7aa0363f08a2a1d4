// Package model contains the domain models of the chat core: chat messages,
// call signals and sessions, outbound queue items, subscriptions and the
// broker topic layout.
//
// Models carry their own business rules (validation, lifecycle transitions,
// expiry) so services stay thin. Rule violations are reported as DomainError.
package model
