// Package chat is pairchat's conversation-state engine and event fanout.
//
// A conversation is the unordered pair of two users. Messages belong to
// exactly one pair and are hidden per viewer through a set of deleter ids,
// so each participant can clear history independently. Every committed
// mutation yields a typed event (see events.go) which Fanout maps onto
// per-user private channels ("chat.<id>") or the shared presence channel
// ("online-users") and hands to a Publisher.
//
// Events describing committed state can only be obtained from the result
// of the mutation that committed it, so nothing is broadcast before its
// write succeeds.
package chat
