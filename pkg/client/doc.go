/*
Package client is the HTTP client for the Aura API used by the aura
command-line tool. It wraps the REST surface in typed calls and
distinguishes user errors (bad plan, bad inputs) from server failures
so the CLI can exit 1 versus 2 accordingly.
*/
package client
