/*
Package plugin implements Aura's plugin model: manifests, API
descriptors, the action/service/hook registries, and the phased loader.

# Loading

Startup runs four phases: clear, discover (scan the plans and packages
roots for manifest.yaml), sort (topological order over declared
dependencies plus edges implied by service extensions, ties broken by
canonical id), and load in order. Cycles, duplicate canonical ids,
missing manifest fields, and unknown entry points are fatal startup
errors reported with their precise cause.

# Entry Points

Descriptors name entry_point strings. Go plugin packages bind those
strings to implementations at init via RegisterActionImpl,
RegisterServiceImpl, RegisterExtensionImpl, and RegisterHookImpl; the
loader resolves descriptors against these tables. This replaces the
dynamic import the descriptor format was designed around with
compile-time factories.

# Services

Services are singletons constructed lazily on first resolution. A
factory's declared requirements are resolved recursively; the loader
validates the full requirement graph (existence and acyclicity) at load
time so resolution cannot fail structurally mid-run. Extensions declared
by other plugins are applied to the instance right after construction,
and overrides repoint a service FQID at the overriding plugin's
registration.

A registry is immutable after load apart from service construction. Hot
reload builds a whole new registry and swaps it; tasks admitted against
the old registry keep using their snapshot until they finish.
*/
package plugin
