/*
Package template implements Aura's sandboxed template renderer.

Placeholders use the {{ expr }} form. An expression is a dotted path
into the run's scope (inputs.name, steps.fetch.output.items[0], ctx.x,
item, loop.index), a literal, an optional "not", or a single binary
comparison (==, !=, <, <=, >, >=). There are no method calls and no
general evaluation; unknown references are errors, never silent empty
substitutions.

A parameter that is exactly one placeholder keeps its typed value; mixed
text renders to a string. EvalBool applies truthiness for step guards
and RenderSequence enforces that loop expressions produce a finite
sequence.
*/
package template
