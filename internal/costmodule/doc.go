// Package costmodule implements pool selection for the pool manager: a cost
// view of every pool, link and pool groups, and named selection strategies.
package costmodule
