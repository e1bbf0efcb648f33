// Package testutil provides a controllable clock and request builders for
// the requestgate tests.
package testutil
