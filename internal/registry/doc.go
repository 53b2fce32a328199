// Package registry maps queue identifiers to their message store, dead-letter
// store, and immutable configuration.
//
// Queues exist only by explicit registration. Registration is idempotent for
// identical configuration and conflicts otherwise; reconfiguration requires
// deleting and re-registering the queue. Configurations are persisted under
// qcfg/{queue} so a registry reopened over the same store restores its queues.
package registry
