/*
Package render coordinates server-side rendering of single-page application
routes through pooled browser-backed execution contexts.

# Overview

A Coordinator owns a small pool of render instances. Each instance binds one
execution context (a real headless-browser page or an embedded engine) to one
loaded application bundle, boots the bundle exactly once, and serves visits
against it until it is destroyed. A visit serializes the request envelope into
the context, runs the application's routing and rendering lifecycle, awaits
any deferred asynchronous work, then harvests the resulting DOM into a Result.

# Failure isolation

The Context wrapper makes every surface call tolerant of the surface
disappearing mid-operation, which is what allows the per-visit deadline to
forcefully reload a wedged context without crashing the visit that raced it.
Errors are classified: configuration errors fail construction, validation and
render errors surface on the Result, and termination noise from deadline
enforcement or teardown is swallowed where detected.

# Output

Result caches the document's serialized markup after every mutation and
re-assembles it with boundary markers, re-appended external scripts, shoebox
payload scripts, and status-code driven overrides. Chunks splits the cached
markup into streamable fragments whose concatenation reproduces it exactly.
*/
package render
