// Package interaction implements the confirmation gate consulted before a
// change set is executed.
package interaction
