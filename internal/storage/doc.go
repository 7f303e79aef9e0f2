// Package storage keeps an operator journal of notification deliveries.
//
// It is not used to restore relay state: the change filter always starts
// empty after a restart.
package storage
