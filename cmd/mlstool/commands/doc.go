// Package commands implements the mlstool CLI: generating and checking test
// vectors, and running a simulated group through the session API.
package commands
