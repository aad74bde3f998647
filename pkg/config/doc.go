/*
Package config loads Aura's framework configuration.

Configuration is a single YAML file layered over built-in defaults:
plugin roots, API listen address, scheduler consumer counts, executor
caps and pool sizes, and planner bounds. A missing file is not an
error; the defaults run a working single-machine setup.
*/
package config
